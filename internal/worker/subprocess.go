package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/transport"
)

const maxStderrBytes = 64 * 1024

// Subprocess starts an executable that serves the protocol on stdin/stdout.
type Subprocess struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env    []string
	Dir    string
	Grace  time.Duration
	Logger *slog.Logger
}

// Spawn starts the process. The returned endpoint's Close runs the shutdown
// sequence and reports an abnormal exit.
func (p Subprocess) Spawn(ctx context.Context) (transport.Endpoint, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("subprocess worker: path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	grace := p.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	// Termination is driven by Close, not by ctx.
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Dir = p.Dir

	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout is an os.Pipe so cmd.Wait never closes the read end under the reader.
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("start worker %s: %w", p.Path, err)
	}
	_ = outW.Close()

	logger = logger.With("pid", cmd.Process.Pid, "path", p.Path)
	logger.Debug("worker process started")

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	r := &reaper{cmd: cmd, exited: exited, grace: grace, stderr: stderr, logger: logger}
	return transport.NewStream(outR, stdin, r.reap), nil
}

type reaper struct {
	cmd    *exec.Cmd
	exited <-chan error
	grace  time.Duration
	stderr *cappedBuffer
	logger *slog.Logger
}

// reap runs after stdin has been closed.
func (r *reaper) reap() error {
	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case err := <-r.exited:
		return r.exitError(err, false)
	case <-timer.C:
	}

	r.logger.Warn("worker did not exit after stdin closed, sending SIGTERM")
	_ = r.cmd.Process.Signal(syscall.SIGTERM)
	timer.Reset(r.grace)

	select {
	case err := <-r.exited:
		return r.exitError(err, true)
	case <-timer.C:
	}

	r.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	_ = r.cmd.Process.Kill()
	return r.exitError(<-r.exited, true)
}

func (r *reaper) exitError(err error, signalled bool) error {
	if tail := r.stderr.String(); tail != "" {
		r.logger.Debug("worker stderr", "stderr", tail)
	}
	if err == nil {
		r.logger.Debug("worker process exited")
		return nil
	}
	var exitErr *exec.ExitError
	if signalled && errors.As(err, &exitErr) {
		r.logger.Debug("worker process stopped by signal", "state", exitErr.ProcessState.String())
		return nil
	}
	if tail := strings.TrimSpace(r.stderr.String()); tail != "" {
		return fmt.Errorf("worker exited: %w: %s", err, tail)
	}
	return fmt.Errorf("worker exited: %w", err)
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	switch {
	case room <= 0:
		b.truncated = true
	case len(p) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n[truncated]"
	}
	return string(b.buf)
}
