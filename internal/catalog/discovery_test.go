package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeWorker(t *testing.T, root, dir, manifest string, mode os.FileMode) string {
	t.Helper()
	workerDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(workerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workerDir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workerDir, "run.sh"), []byte("#!/bin/sh\nexec offload worker \"$@\"\n"), mode))
	return workerDir
}

const validManifest = `name: builtin
version: 1.0.0
protocol: 1
entrypoint: run.sh
args: [worker]
tasks:
  - multiply
  - {name: grep, description: search loaded resources}
`

func TestDiscover(t *testing.T) {
	tests := []struct {
		name      string
		setupFn   func(t *testing.T) string
		wantTasks []string
		wantErr   bool
	}{
		{
			name: "valid worker discovered",
			setupFn: func(t *testing.T) string {
				root := t.TempDir()
				writeWorker(t, root, "builtin", validManifest, 0o755)
				return root
			},
			wantTasks: []string{"grep", "multiply"},
		},
		{
			name: "non-executable entrypoint skipped",
			setupFn: func(t *testing.T) string {
				root := t.TempDir()
				writeWorker(t, root, "builtin", validManifest, 0o644)
				return root
			},
			wantTasks: []string{},
		},
		{
			name: "unsupported protocol skipped",
			setupFn: func(t *testing.T) string {
				root := t.TempDir()
				writeWorker(t, root, "old", "name: old\nversion: 0.1.0\nprotocol: 2\nentrypoint: run.sh\ntasks: [sum]\n", 0o755)
				return root
			},
			wantTasks: []string{},
		},
		{
			name: "task conflict keeps first discovered",
			setupFn: func(t *testing.T) string {
				root := t.TempDir()
				writeWorker(t, root, "a", "name: a\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\ntasks: [sum]\n", 0o755)
				writeWorker(t, root, "b", "name: b\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\ntasks: [sum, echo]\n", 0o755)
				return root
			},
			wantTasks: []string{"sum"},
		},
		{
			name: "missing root",
			setupFn: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := Discover([]string{tt.setupFn(t)}, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTasks, cat.Tasks())
		})
	}
}

func TestWorker_Spawner(t *testing.T) {
	root := t.TempDir()
	dir := writeWorker(t, root, "builtin", validManifest, 0o755)

	cat, err := Discover([]string{root}, nil)
	require.NoError(t, err)

	w, ok := cat.Lookup("grep")
	require.True(t, ok)
	assert.True(t, w.Serves("multiply"))
	assert.False(t, w.Serves("sum"))
	assert.Equal(t, "search loaded resources", w.Tasks[1].Description)

	sp := w.Spawner("grep", time.Second)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker", "--task", "grep"}, sp.Args)
	assert.Equal(t, filepath.Join(dir, "run.sh"), sp.Path)
	assert.Contains(t, []string{dir, resolved}, sp.Dir)
	assert.Equal(t, time.Second, sp.Grace)
	assert.Equal(t, []string{"worker"}, w.Args, "spawner must not alias manifest args")
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"valid", validManifest, ""},
		{"no name", "protocol: 1\nentrypoint: run.sh\ntasks: [a]\n", "name is required"},
		{"no protocol", "name: x\nentrypoint: run.sh\ntasks: [a]\n", "protocol version is required"},
		{"traversal", "name: x\nprotocol: 1\nentrypoint: ../run.sh\ntasks: [a]\n", "path traversal"},
		{"no tasks", "name: x\nprotocol: 1\nentrypoint: run.sh\n", "at least one task"},
		{"duplicate task", "name: x\nprotocol: 1\nentrypoint: run.sh\ntasks: [a, a]\n", "declared twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Manifest
			require.NoError(t, yaml.Unmarshal([]byte(tt.yaml), &m))
			err := validateManifest(&m)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateTrust_WorldWritable(t *testing.T) {
	root := t.TempDir()
	dir := writeWorker(t, root, "open", validManifest, 0o755)
	require.NoError(t, os.Chmod(dir, 0o777))

	err := validateTrust(filepath.Join(dir, "run.sh"), dir, root)
	assert.ErrorContains(t, err, "world-writable")
}

func TestTasks_RejectsMapping(t *testing.T) {
	var m Manifest
	err := yaml.Unmarshal([]byte("tasks: {a: b}\n"), &m)
	assert.ErrorContains(t, err, "tasks must be a sequence")
}
