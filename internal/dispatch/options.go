package dispatch

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/offload/internal/transport"
)

// Spawner starts an execution context and returns the dispatcher's end of
// the channel to it.
type Spawner interface {
	Spawn(ctx context.Context) (transport.Endpoint, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context) (transport.Endpoint, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context) (transport.Endpoint, error) { return f(ctx) }

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	resources  []string
	task       string
	logger     *slog.Logger
	observers  []Observer
	onError    func(error)
	onJobError func(*JobError)
}

// WithResources sets the auxiliary resources the context loads before it
// accepts work.
func WithResources(locators ...string) Option {
	return func(o *options) {
		o.resources = append(o.resources, locators...)
	}
}

// WithTask labels events and logs with the task name.
func WithTask(name string) Option {
	return func(o *options) { o.task = name }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver adds an observer of lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithErrorHandler is called once, after the dispatcher has terminated
// itself on a fatal error.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithJobErrorHandler receives task failures for active subscriptions that
// were submitted without their own failure callback. By default they are logged.
func WithJobErrorHandler(fn func(*JobError)) Option {
	return func(o *options) { o.onJobError = fn }
}
