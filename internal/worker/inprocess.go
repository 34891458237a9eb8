package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/resource"
	"github.com/mattjoyce/offload/internal/task"
	"github.com/mattjoyce/offload/internal/transport"
)

// DefaultGrace bounds how long a shutdown waits at each step.
const DefaultGrace = 5 * time.Second

// InProcess runs a task on a goroutine in this process. The dispatcher and the
// goroutine talk only through encoded messages on an in-memory pipe.
type InProcess struct {
	Handler task.Handler
	Loader  *resource.Loader
	Logger  *slog.Logger
	// Grace bounds how long Close waits for a busy task to return.
	Grace time.Duration
}

// Spawn starts the worker goroutine and returns the dispatcher's endpoint.
// ctx only supplies values; the worker lives until the endpoint is closed.
func (p InProcess) Spawn(ctx context.Context) (transport.Endpoint, error) {
	if p.Handler == nil {
		return nil, fmt.Errorf("in-process worker: handler is nil")
	}
	logger := p.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	grace := p.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exited := make(chan struct{})

	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	remote := transport.NewStream(bR, bW, nil)
	local := transport.NewStream(aR, aW, func() error {
		cancel()
		select {
		case <-exited:
		case <-time.After(grace):
			logger.Warn("in-process worker still busy after close, detaching", "task", p.Handler.Name(), "grace", grace)
		}
		return nil
	})

	go func() {
		defer close(exited)
		defer remote.Close()
		if err := Serve(wctx, remote, p.Handler, p.Loader, logger); !clean(err) {
			logger.Error("in-process worker exited", "task", p.Handler.Name(), "error", err)
		}
	}()

	return local, nil
}
