// Package catalog discovers pre-built worker executables on disk.
//
// Each worker lives in its own directory with a manifest.yaml naming its
// entrypoint and the tasks it serves. Entrypoints must pass the trust checks:
// inside a configured root and the worker directory, executable, and the
// directory not world-writable.
package catalog

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Catalog holds discovered workers indexed by name and by task.
type Catalog struct {
	workers map[string]*Worker
	tasks   map[string]*Worker
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		workers: make(map[string]*Worker),
		tasks:   make(map[string]*Worker),
	}
}

// Get retrieves a worker by name.
func (c *Catalog) Get(name string) (*Worker, bool) {
	w, ok := c.workers[name]
	return w, ok
}

// Lookup returns the worker serving task.
func (c *Catalog) Lookup(task string) (*Worker, bool) {
	w, ok := c.tasks[task]
	return w, ok
}

// Workers returns every worker sorted by name.
func (c *Catalog) Workers() []*Worker {
	out := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tasks returns every served task name, sorted.
func (c *Catalog) Tasks() []string {
	out := make([]string, 0, len(c.tasks))
	for name := range c.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Add registers a worker. A task already served by another worker is an error.
func (c *Catalog) Add(w *Worker) error {
	if _, exists := c.workers[w.Name]; exists {
		return fmt.Errorf("worker %q already registered", w.Name)
	}
	for _, t := range w.Tasks {
		if other, exists := c.tasks[t.Name]; exists {
			return fmt.Errorf("task %q already served by worker %q", t.Name, other.Name)
		}
	}
	c.workers[w.Name] = w
	for _, t := range w.Tasks {
		c.tasks[t.Name] = w
	}
	return nil
}

// Discover scans roots for manifest.yaml files. Invalid workers are logged
// and skipped; duplicates keep the first discovered.
func Discover(roots []string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.WithComponent("catalog")
	}

	absRoots := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker root %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("worker root does not exist: %s", abs)
			}
			return nil, fmt.Errorf("failed to stat worker root %s: %w", abs, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("worker root is not a directory: %s", abs)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		absRoots = append(absRoots, abs)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one worker root is required")
	}

	cat := New()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			dir := filepath.Dir(path)
			w, err := loadWorker(dir, root)
			if err != nil {
				logger.Warn("failed to load worker", "root", root, "path", dir, "error", err)
				return nil
			}
			if err := cat.Add(w); err != nil {
				logger.Warn("duplicate worker ignored (keeping first discovered)", "worker", w.Name, "path", w.Path, "error", err)
				return nil
			}

			logger.Info("loaded worker", "worker", w.Name, "path", w.Path, "version", w.Version, "tasks", len(w.Tasks))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker root %s: %w", root, err)
		}
	}

	return cat, nil
}

func loadWorker(dir, root string) (*Worker, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := validateTrust(entrypoint, dir, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Worker{
		Name:        m.Name,
		Path:        dir,
		Entrypoint:  entrypoint,
		Args:        m.Args,
		Protocol:    m.Protocol,
		Version:     m.Version,
		Description: m.Description,
		Tasks:       m.Tasks,
	}, nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("at least one task must be declared")
	}

	seen := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// validateTrust checks that the entrypoint is a trusted executable.
func validateTrust(entrypoint, dir, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve worker path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve worker root symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under worker root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedDir+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under worker directory %s", resolvedEntrypoint, resolvedDir)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("worker directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("worker directory is world-writable: %s", resolvedDir)
	}
	return nil
}
