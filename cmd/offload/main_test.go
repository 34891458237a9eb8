package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/journal"
	"github.com/mattjoyce/offload/internal/storage"
)

// TestMain lets the test binary stand in for `offload worker` when subprocess
// mode re-executes itself.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(runWorker(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutCh := make(chan []byte)
	stderrCh := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func TestRunOnce_InProcess(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runOnce([]string{"multiply", "[3,5]"})
	})
	if code != 0 {
		t.Fatalf("runOnce() code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "15" {
		t.Fatalf("stdout = %q, want 15", stdout)
	}
}

func TestRunOnce_Subprocess(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runOnce([]string{"--mode", "subprocess", "sum", "[1,2,3.5]"})
	})
	if code != 0 {
		t.Fatalf("runOnce() code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "6.5" {
		t.Fatalf("stdout = %q, want 6.5", stdout)
	}
}

func TestRunOnce_WithResource(t *testing.T) {
	notes := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notes, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runOnce([]string{"--resource", notes, "grep", `"t"`})
	})
	if code != 0 {
		t.Fatalf("runOnce() code = %d, stderr: %s", code, stderr)
	}
	var matches []map[string]any
	if err := json.Unmarshal([]byte(stdout), &matches); err != nil {
		t.Fatalf("stdout not JSON: %q", stdout)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %v, want 2", matches)
	}
}

func TestRunOnce_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"job error", []string{"multiply", `"x"`}, "job 1 failed"},
		{"unknown task", []string{"nope"}, "unknown builtin task"},
		{"typo", []string{"mulitply", "[1,2]"}, `did you mean "multiply"?`},
		{"bad json", []string{"echo", "{"}, "not valid JSON"},
		{"missing task", nil, "task name is required"},
		{"bad mode", []string{"--mode", "thread", "echo"}, "mode must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := captureOutputWithExitCode(t, func() int { return runOnce(tt.args) })
			if code != 1 {
				t.Fatalf("runOnce() code = %d, want 1", code)
			}
			if !strings.Contains(stderr, tt.wantErr) {
				t.Fatalf("stderr = %q, want %q", stderr, tt.wantErr)
			}
		})
	}
}

func TestRunBench_Plain(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runBench([]string{"--plain", "-n", "25", "multiply", "[2,21]"})
	})
	if code != 0 {
		t.Fatalf("runBench() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "multiply: 25/25 resolved, 0 failed") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunTasks_ListsBuiltinsAndWorkers(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "text")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "name: text\nversion: 1.2.0\nprotocol: 1\nentrypoint: run.sh\ntasks:\n  - {name: wc, description: count words}\n"
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runTasks([]string{"--workers", root})
	})
	if code != 0 {
		t.Fatalf("runTasks() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"multiply", "digest", "worker text@1.2.0  count words"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunCheck(t *testing.T) {
	dir := writeTestConfig(t, `
state:
  path: $DIR/offload.db
workers:
  dir: $DIR/workers
tasks:
  multiply: {}
  ocr:
    mode: subprocess
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", dir})
	})
	if code != 1 {
		t.Fatalf("runCheck() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, `task "ocr" is subprocess but no worker`) {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunConfigLock(t *testing.T) {
	dir := writeTestConfig(t, "tasks:\n  echo: {}\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"lock", "--config", dir})
	})
	if code != 0 {
		t.Fatalf("config lock code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Locked 1 file(s)") {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); err != nil {
		t.Fatalf(".checksums not written: %v", err)
	}
}

func TestRunJobs(t *testing.T) {
	dir := writeTestConfig(t, "state:\n  path: $DIR/offload.db\n")
	dbPath := filepath.Join(dir, "offload.db")

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	j := journal.New(db)
	for _, e := range []dispatch.Event{
		{Kind: dispatch.EventStarted, DispatcherID: "abcdef0123456789", Task: "multiply"},
		{Kind: dispatch.EventJobQueued, DispatcherID: "abcdef0123456789", Task: "multiply", JobID: 1, Input: json.RawMessage(`[3,5]`)},
		{Kind: dispatch.EventJobResolved, DispatcherID: "abcdef0123456789", JobID: 1, Output: json.RawMessage(`15`)},
	} {
		if err := j.Record(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJobs([]string{"--config", dir})
	})
	if code != 0 {
		t.Fatalf("runJobs() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"STATUS", "abcdef01", "multiply", "resolved", "15"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}
