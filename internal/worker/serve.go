package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/protocol"
	"github.com/mattjoyce/offload/internal/resource"
	"github.com/mattjoyce/offload/internal/task"
	"github.com/mattjoyce/offload/internal/transport"
)

// ErrUnexpectedMessage is returned by Serve when the dispatcher breaks the handshake.
var ErrUnexpectedMessage = errors.New("unexpected message")

// Serve runs handler on ep until ctx is cancelled or the dispatcher closes the
// channel. A clean close returns nil.
func Serve(ctx context.Context, ep transport.Endpoint, handler task.Handler, loader *resource.Loader, logger *slog.Logger) error {
	err := serve(ctx, ep, handler, loader, logger)
	if errors.Is(err, errChannelClosed) {
		return nil
	}
	return err
}

func serve(ctx context.Context, ep transport.Endpoint, handler task.Handler, loader *resource.Loader, logger *slog.Logger) error {
	if handler == nil {
		return fmt.Errorf("worker handler is nil")
	}
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	logger = logger.With("task", handler.Name())

	if err := ep.Send(protocol.Initialize()); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}

	msg, err := next(ctx, ep)
	if err != nil {
		return err
	}
	if msg.Type != protocol.TypeResources {
		return fmt.Errorf("%w: expected resources, got %s", ErrUnexpectedMessage, msg.Type)
	}

	set, err := loadAll(ctx, loader, msg.Resources, logger)
	if err != nil {
		return err
	}
	if err := ep.Send(protocol.Ready()); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	logger.Debug("worker ready", "resources", set.Len())

	taskCtx := resource.WithSet(ctx, set)
	for {
		msg, err := next(ctx, ep)
		if err != nil {
			return err
		}
		if msg.Type != protocol.TypeRequest {
			return fmt.Errorf("%w: expected request, got %s", ErrUnexpectedMessage, msg.Type)
		}
		if err := ep.Send(run(taskCtx, handler, msg, logger)); err != nil {
			return fmt.Errorf("send result %d: %w", msg.ID, err)
		}
	}
}

// ServeStdio serves handler over the process's stdin/stdout.
func ServeStdio(ctx context.Context, handler task.Handler, loader *resource.Loader, logger *slog.Logger) error {
	ep := transport.NewStream(os.Stdin, os.Stdout, nil)
	defer ep.Close()
	return Serve(ctx, ep, handler, loader, logger)
}

// errChannelClosed marks a clean close by the dispatcher.
var errChannelClosed = errors.New("channel closed")

func next(ctx context.Context, ep transport.Endpoint) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case msg, ok := <-ep.Messages():
		if ok {
			return msg, nil
		}
		if err := ep.Err(); err != nil {
			return protocol.Message{}, fmt.Errorf("read from dispatcher: %w", err)
		}
		return protocol.Message{}, errChannelClosed
	}
}

func loadAll(ctx context.Context, loader *resource.Loader, locators []string, logger *slog.Logger) (*resource.Set, error) {
	set := resource.NewSet(locators)
	if len(locators) == 0 {
		return set, nil
	}
	if loader == nil {
		loader = resource.NewLoader("")
	}

	var g errgroup.Group
	for _, loc := range locators {
		g.Go(func() error {
			res, err := loader.Load(ctx, loc)
			if err != nil {
				logger.Error("failed to load resource", "locator", loc, "error", err)
				return err
			}
			set.Put(res)
			logger.Debug("loaded resource", "locator", loc, "digest", res.Digest, "bytes", len(res.Data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	return set, nil
}

func run(ctx context.Context, handler task.Handler, req protocol.Message, logger *slog.Logger) (reply protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "job_id", req.ID, "panic", r)
			reply = protocol.NewFailure(req.ID, fmt.Sprintf("task panicked: %v", r))
		}
	}()

	out, err := handler.Handle(ctx, req.Payload)
	if err != nil {
		logger.Warn("task failed", "job_id", req.ID, "error", err)
		return protocol.NewFailure(req.ID, err.Error())
	}
	return protocol.NewResult(req.ID, out)
}

// clean reports whether err is a normal way for Serve to end.
func clean(err error) bool {
	return err == nil || errors.Is(err, errChannelClosed) || errors.Is(err, context.Canceled)
}
