// Package resource loads the auxiliary resources an execution context needs
// before it can accept work.
//
// A locator is a local path, a file:// URL or an http(s):// URL. A locator may
// pin its content with a "#blake3=<hex>" fragment; pinned content is verified
// after download and served from the cache on later loads.
package resource

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// maxResourceBytes caps a single resource download.
const maxResourceBytes = 64 << 20

const digestFragment = "blake3="

// ErrDigestMismatch is returned when pinned content does not match.
var ErrDigestMismatch = errors.New("resource digest mismatch")

// Resource is one loaded locator.
type Resource struct {
	Locator string
	Digest  string // BLAKE3-256, hex
	Path    string // cache file, empty when caching is off
	Data    []byte
}

// Loader fetches locators and optionally caches them by digest.
type Loader struct {
	CacheDir string
	Client   *http.Client
}

// NewLoader returns a Loader caching under cacheDir ("" disables caching).
func NewLoader(cacheDir string) *Loader {
	return &Loader{
		CacheDir: cacheDir,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Load fetches locator, verifies a pinned digest and caches the content.
func (l *Loader) Load(ctx context.Context, locator string) (Resource, error) {
	src, pinned, err := splitLocator(locator)
	if err != nil {
		return Resource{}, err
	}

	if pinned != "" {
		if res, ok := l.fromCache(locator, pinned); ok {
			return res, nil
		}
	}

	data, err := l.fetch(ctx, src)
	if err != nil {
		return Resource{}, fmt.Errorf("load %s: %w", locator, err)
	}

	digest := Digest(data)
	if pinned != "" && pinned != digest {
		return Resource{}, fmt.Errorf("%w for %s: expected %s, got %s", ErrDigestMismatch, src, pinned, digest)
	}

	res := Resource{Locator: locator, Digest: digest, Data: data}
	if l.CacheDir != "" {
		path, err := l.store(digest, data)
		if err != nil {
			return Resource{}, err
		}
		res.Path = path
	}
	return res, nil
}

// Digest returns the hex BLAKE3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func splitLocator(locator string) (src, pinned string, err error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", "", fmt.Errorf("resource locator is empty")
	}
	src, frag, found := strings.Cut(locator, "#")
	if !found {
		return src, "", nil
	}
	if !strings.HasPrefix(frag, digestFragment) {
		return "", "", fmt.Errorf("unsupported locator fragment %q (want #%s<hex>)", frag, digestFragment)
	}
	pinned = strings.ToLower(strings.TrimPrefix(frag, digestFragment))
	if _, err := hex.DecodeString(pinned); err != nil || len(pinned) != 64 {
		return "", "", fmt.Errorf("invalid blake3 digest in locator %q", locator)
	}
	return src, pinned, nil
}

func (l *Loader) fetch(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 { // "C:\..." parses as scheme "c"
		return readFile(src)
	}

	switch u.Scheme {
	case "file":
		return readFile(u.Path)
	case "http", "https":
		return l.download(ctx, u.String())
	default:
		return nil, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxResourceBytes {
		return nil, fmt.Errorf("resource %s exceeds %d bytes", path, maxResourceBytes)
	}
	return os.ReadFile(path)
}

func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxResourceBytes {
		return nil, fmt.Errorf("resource %s exceeds %d bytes", rawURL, maxResourceBytes)
	}
	return data, nil
}

func (l *Loader) fromCache(locator, digest string) (Resource, bool) {
	if l.CacheDir == "" {
		return Resource{}, false
	}
	path := filepath.Join(l.CacheDir, digest)
	data, err := os.ReadFile(path)
	if err != nil || Digest(data) != digest {
		return Resource{}, false
	}
	return Resource{Locator: locator, Digest: digest, Path: path, Data: data}, true
}

// store writes data under its digest via a temp file + rename so concurrent
// loaders never observe a partial file.
func (l *Loader) store(digest string, data []byte) (string, error) {
	if err := os.MkdirAll(l.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create resource cache: %w", err)
	}
	path := filepath.Join(l.CacheDir, digest)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(l.CacheDir, digest+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit cache file: %w", err)
	}
	return path, nil
}
