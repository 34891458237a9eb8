package resource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LocalPathAndFileURL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lib.txt", "alpha")

	l := NewLoader("")
	ctx := context.Background()

	res, err := l.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(res.Data))
	assert.Equal(t, Digest([]byte("alpha")), res.Digest)
	assert.Empty(t, res.Path, "caching is off")

	res, err = l.Load(ctx, "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(res.Data))
}

func TestLoader_HTTPWithPinnedDigestUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("remote body"))
	}))
	defer srv.Close()

	cache := t.TempDir()
	l := NewLoader(cache)
	locator := srv.URL + "/lib.js#blake3=" + Digest([]byte("remote body"))

	first, err := l.Load(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, first.Digest), first.Path)
	assert.FileExists(t, first.Path)

	second, err := l.Load(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, int32(1), hits.Load(), "pinned content should come from the cache")
}

func TestLoader_DigestMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lib.txt", "tampered")

	l := NewLoader(t.TempDir())
	_, err := l.Load(context.Background(), path+"#blake3="+Digest([]byte("original")))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestLoader_Errors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tests := []struct {
		name     string
		locator  string
		contains string
	}{
		{"empty", "  ", "empty"},
		{"bad fragment", "/tmp/x#sha1=abc", "unsupported locator fragment"},
		{"short digest", "/tmp/x#blake3=abc", "invalid blake3 digest"},
		{"scheme", "ftp://example.com/x", "unsupported locator scheme"},
		{"missing file", filepath.Join(t.TempDir(), "nope.txt"), "no such file"},
		{"http 404", srv.URL + "/missing", "unexpected status"},
	}

	l := NewLoader("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(context.Background(), tt.locator)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.contains), "error %q should contain %q", err, tt.contains)
		})
	}
}

func TestSet_OrderAndContext(t *testing.T) {
	s := NewSet([]string{"b", "a", "c"})
	s.Put(Resource{Locator: "a"})
	s.Put(Resource{Locator: "b"})

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Locator)
	assert.Equal(t, "a", all[1].Locator)

	ctx := WithSet(context.Background(), s)
	assert.Same(t, s, FromContext(ctx))
	assert.Equal(t, 0, FromContext(context.Background()).Len())
}
