// Package runner keeps one long-lived dispatcher per task and runs jobs on
// it synchronously. A dispatcher that dies is replaced on the next Run.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"

	"github.com/mattjoyce/offload/internal/catalog"
	"github.com/mattjoyce/offload/internal/config"
	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/resource"
	"github.com/mattjoyce/offload/internal/task"
	"github.com/mattjoyce/offload/internal/worker"
)

var (
	// ErrUnknownTask means no builtin or discovered worker serves the task.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("runner closed")
)

type rawDispatcher = dispatch.Dispatcher[json.RawMessage, json.RawMessage]

// Options wires a Runner to its task sources and observers.
type Options struct {
	Builtins  *task.Registry
	Catalog   *catalog.Catalog
	Loader    *resource.Loader
	Observers []dispatch.Observer
	Logger    *slog.Logger
}

// Runner runs jobs by task name.
type Runner struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	dispatchers map[string]*rawDispatcher
	closed      bool
}

// New creates a runner. Dispatchers are started lazily on first use.
func New(cfg *config.Config, opts Options) *Runner {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if opts.Builtins == nil {
		opts.Builtins = task.Builtins()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New()
	}
	if opts.Loader == nil {
		opts.Loader = resource.NewLoader(cfg.Workers.CacheDir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("runner")
	}
	return &Runner{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		dispatchers: make(map[string]*rawDispatcher),
	}
}

// Tasks returns every runnable task name, sorted.
func (r *Runner) Tasks() []string {
	names := mapset.NewThreadUnsafeSet(r.opts.Builtins.Names()...)
	names.Append(r.opts.Catalog.Tasks()...)
	for name := range r.cfg.Tasks {
		names.Add(name)
	}
	out := names.ToSlice()
	slices.Sort(out)
	return out
}

// Run submits input to the task's dispatcher and waits for the result.
// Task failures come back as *dispatch.JobError.
func (r *Runner) Run(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	d, err := r.dispatcher(ctx, name)
	if err != nil {
		return nil, err
	}
	return dispatch.Call(ctx, d, input)
}

// Close terminates every dispatcher. Run fails with ErrClosed afterwards.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	ds := r.dispatchers
	r.dispatchers = make(map[string]*rawDispatcher)
	r.mu.Unlock()

	var errs error
	for name, d := range ds {
		if err := d.Terminate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("task %s: %w", name, err))
		}
	}
	return errs
}

func (r *Runner) dispatcher(ctx context.Context, name string) (*rawDispatcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if d, ok := r.dispatchers[name]; ok {
		select {
		case <-d.Done():
			r.logger.Info("replacing dead dispatcher", "task", name, "dispatcher_id", d.ID(), "error", d.Err())
			delete(r.dispatchers, name)
		default:
			return d, nil
		}
	}

	spawner, tc, err := r.spawner(name)
	if err != nil {
		return nil, err
	}

	opts := []dispatch.Option{
		dispatch.WithTask(name),
		dispatch.WithResources(tc.Resources...),
		dispatch.WithErrorHandler(func(err error) {
			r.logger.Warn("dispatcher failed", "task", name, "error", err)
		}),
	}
	for _, obs := range r.opts.Observers {
		opts = append(opts, dispatch.WithObserver(obs))
	}

	d, err := dispatch.New[json.RawMessage, json.RawMessage](ctx, spawner, opts...)
	if err != nil {
		return nil, fmt.Errorf("start dispatcher for %s: %w", name, err)
	}
	r.dispatchers[name] = d
	r.logger.Info("dispatcher started", "task", name, "mode", tc.Mode, "dispatcher_id", d.ID())
	return d, nil
}

// spawner resolves a task to its execution context. Unconfigured tasks run
// in-process when built in, otherwise in a discovered worker.
func (r *Runner) spawner(name string) (dispatch.Spawner, config.TaskConf, error) {
	tc, configured := r.cfg.Tasks[name]
	if !configured {
		tc = config.DefaultTaskConf()
		if _, ok := r.opts.Builtins.Get(name); !ok {
			tc.Mode = config.ModeSubprocess
		}
	}

	switch tc.Mode {
	case config.ModeInProcess:
		h, ok := r.opts.Builtins.Get(name)
		if !ok {
			return nil, tc, r.unknown(name)
		}
		return worker.InProcess{
			Handler: h,
			Loader:  r.opts.Loader,
			Logger:  log.WithTask(name),
			Grace:   r.grace(),
		}, tc, nil

	case config.ModeSubprocess:
		w, ok := r.opts.Catalog.Lookup(name)
		if !ok {
			return nil, tc, r.unknown(name)
		}
		sp := w.Spawner(name, r.grace())
		sp.Logger = log.WithTask(name)
		return sp, tc, nil
	}
	return nil, tc, fmt.Errorf("task %q: unknown mode %q", name, tc.Mode)
}

func (r *Runner) unknown(name string) error {
	if guess := task.Suggest(name, r.Tasks()); guess != "" && guess != name {
		return fmt.Errorf("%w: %s (did you mean %q?)", ErrUnknownTask, name, guess)
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

func (r *Runner) grace() time.Duration {
	if r.cfg.Workers.TerminationGrace > 0 {
		return r.cfg.Workers.TerminationGrace
	}
	return worker.DefaultGrace
}
