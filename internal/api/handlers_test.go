package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/journal"
	"github.com/mattjoyce/offload/internal/runner"
	"github.com/mattjoyce/offload/internal/storage"
)

// fakeRunner implements TaskRunner for testing
type fakeRunner struct {
	runFunc func(ctx context.Context, task string, input json.RawMessage) (json.RawMessage, error)
}

func (f *fakeRunner) Run(ctx context.Context, task string, input json.RawMessage) (json.RawMessage, error) {
	return f.runFunc(ctx, task, input)
}

func (f *fakeRunner) Tasks() []string { return []string{"echo", "multiply"} }

func newTestServer(t *testing.T, cfg Config, r TaskRunner, jobs JobLister, hub *events.Hub) http.Handler {
	t.Helper()
	return New(cfg, r, jobs, hub, slog.Default()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret"}, &fakeRunner{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.TasksLoaded)
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret"}, &fakeRunner{}, nil, nil)

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"missing header", "/tasks", nil, http.StatusUnauthorized},
		{"wrong scheme", "/tasks", []string{"Authorization", "Basic secret"}, http.StatusUnauthorized},
		{"wrong key", "/tasks", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid key", "/tasks", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"lowercase scheme", "/tasks", []string{"Authorization", "bearer secret"}, http.StatusOK},
		{"query token ignored off the stream", "/tasks?access_token=secret", nil, http.StatusUnauthorized},
		{"wrong query token on stream", "/events?access_token=nope", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		body     string
		wantCode int
		wantMsg  string
	}{
		{"unknown task", fmt.Errorf("%w: nope", runner.ErrUnknownTask), `1`, http.StatusNotFound, "unknown task: nope"},
		{"job error", &dispatch.JobError{ID: 1, Message: "bad input"}, `1`, http.StatusBadGateway, "bad input"},
		{"deadline", context.DeadlineExceeded, `1`, http.StatusGatewayTimeout, "task timed out"},
		{"context exited", dispatch.ErrContextExited, `1`, http.StatusServiceUnavailable, "execution context exited"},
		{"invalid body", nil, `{`, http.StatusBadRequest, "invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, Config{}, &fakeRunner{runFunc: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
				return nil, tt.err
			}}, nil, nil)

			rec := do(t, h, http.MethodPost, "/run/echo", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Contains(t, resp.Error, tt.wantMsg)
		})
	}
}

func TestHandleRun_EmptyBodyIsNull(t *testing.T) {
	var got json.RawMessage
	h := newTestServer(t, Config{}, &fakeRunner{runFunc: func(_ context.Context, task string, input json.RawMessage) (json.RawMessage, error) {
		got = input
		return json.RawMessage(`"ok"`), nil
	}}, nil, nil)

	rec := do(t, h, http.MethodPost, "/run/echo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", string(got))
	assert.JSONEq(t, `{"task":"echo","output":"ok"}`, rec.Body.String())
}

func TestRunAndJobs_EndToEnd(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	j := journal.New(db)
	hub := events.NewHub(32)
	r := runner.New(nil, runner.Options{Observers: []dispatch.Observer{hub, j}})
	defer r.Close()

	h := newTestServer(t, Config{}, r, j, hub)

	rec := do(t, h, http.MethodPost, "/run/multiply", `[6,7]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"task":"multiply","output":42}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/run/multiply", `"x"`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodPost, "/run/nope", `1`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/jobs?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs JobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs.Jobs, 2)
	assert.Equal(t, journal.StatusFailed, jobs.Jobs[0].Status)
	assert.Equal(t, journal.StatusResolved, jobs.Jobs[1].Status)
	assert.Equal(t, map[journal.Status]int{journal.StatusFailed: 1, journal.StatusResolved: 1}, jobs.Counts)

	rec = do(t, h, http.MethodGet, "/jobs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOpenAPI(t *testing.T) {
	h := newTestServer(t, Config{}, &fakeRunner{}, nil, nil)
	rec := do(t, h, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/run/multiply")
	assert.Contains(t, paths, "/run/echo")
}

func TestHandleEvents_ReplaysAndFilters(t *testing.T) {
	hub := events.NewHub(8)
	hub.Observe(dispatch.Event{Kind: dispatch.EventStarted, DispatcherID: "other"})
	hub.Observe(dispatch.Event{Kind: dispatch.EventStarted, DispatcherID: "d1", Task: "multiply"})

	srv := httptest.NewServer(newTestServer(t, Config{APIKey: "secret"}, &fakeRunner{}, nil, hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?dispatcher=d1&access_token=secret", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go hub.Observe(dispatch.Event{Kind: dispatch.EventReady, DispatcherID: "d1"})

	var got []string
	scanner := bufio.NewScanner(resp.Body)
	for len(got) < 2 && scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			got = append(got, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"dispatcher_id":"d1"`)
		}
	}
	assert.Equal(t, []string{string(dispatch.EventStarted), string(dispatch.EventReady)}, got)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret", CORSOrigins: []string{"https://dash.example"}}, &fakeRunner{}, nil, nil)

	rec := do(t, h, http.MethodOptions, "/events", "",
		"Origin", "https://dash.example",
		"Access-Control-Request-Method", http.MethodGet,
		"Access-Control-Request-Headers", "Authorization")
	assert.Equal(t, http.StatusNoContent, rec.Code, "preflight must not hit auth")
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/healthz", "", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	plain := newTestServer(t, Config{}, &fakeRunner{}, nil, nil)
	rec = do(t, plain, http.MethodGet, "/healthz", "", "Origin", "https://dash.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	calls := 0
	h := newTestServer(t, Config{RunRate: 0.001, RunBurst: 2}, &fakeRunner{runFunc: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`1`), nil
	}}, nil, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/run/echo", `1`).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/run/echo", `1`).Code)

	rec := do(t, h, http.MethodPost, "/run/echo", `1`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, calls)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/tasks", "").Code, "only runs are limited")
}
