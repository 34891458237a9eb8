package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// tokenParam carries the key for EventSource clients, which cannot set headers.
// It is honoured on GET /events only.
const tokenParam = "access_token"

var (
	errNoCredentials = errors.New("missing Authorization header")
	errBadScheme     = errors.New("invalid Authorization header format")
)

// presentedKey returns the key the client sent: a bearer token, or the
// access_token query parameter on the event stream.
func presentedKey(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		if r.Method == http.MethodGet && r.URL.Path == "/events" {
			if q := r.URL.Query().Get(tokenParam); q != "" {
				return q, nil
			}
		}
		return "", errNoCredentials
	}
	scheme, key, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(key) == "" {
		return "", errBadScheme
	}
	return strings.TrimSpace(key), nil
}

// authMiddleware enforces the API key. With no key configured the API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	want := []byte(s.config.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(want) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		got, err := presentedKey(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
