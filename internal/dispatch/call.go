package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Process runs a single job on a transient dispatcher. The dispatcher is
// terminated before fn is called, so fn may start new work straight away.
//
// fn only runs on success. A task failure goes to the WithJobErrorHandler
// handler and a crash of the execution context to the WithErrorHandler one;
// without the matching option the failure is only logged, so callers waiting
// on fn should pass both.
func Process[IN, OUT any](ctx context.Context, spawner Spawner, input IN, fn func(OUT), opts ...Option) error {
	if fn == nil {
		return fmt.Errorf("process requires a callback")
	}
	d, err := New[IN, OUT](ctx, spawner, opts...)
	if err != nil {
		return err
	}

	_, err = d.SubmitFunc(input,
		func(out OUT) {
			_ = d.Terminate()
			fn(out)
		},
		func(err error) {
			_ = d.Terminate()
			var jobErr *JobError
			switch {
			case errors.As(err, &jobErr) && d.opts.onJobError != nil:
				d.opts.onJobError(jobErr)
			case jobErr == nil && d.opts.onError != nil:
				// Crash: the error handler receives it.
			default:
				d.logger.Warn("one-shot job failed", "error", err)
			}
		})
	if err != nil {
		_ = d.Terminate()
		return err
	}
	return nil
}

// Call submits input and waits for its outcome: the result, the task's
// *JobError, the dispatcher's fatal error, or ctx ending. When ctx ends first
// the subscription is cancelled.
func Call[IN, OUT any](ctx context.Context, d *Dispatcher[IN, OUT], input IN) (OUT, error) {
	type outcome struct {
		out OUT
		err error
	}
	var zero OUT

	ch := make(chan outcome, 1)
	sub, err := d.SubmitFunc(input,
		func(out OUT) { ch <- outcome{out: out} },
		func(err error) { ch <- outcome{err: err} })
	if err != nil {
		return zero, err
	}

	select {
	case o := <-ch:
		return o.out, o.err
	case <-d.Done():
		select {
		case o := <-ch:
			return o.out, o.err
		default:
		}
		if err := d.Err(); err != nil {
			return zero, err
		}
		return zero, ErrTerminated
	case <-ctx.Done():
		sub.Cancel()
		return zero, ctx.Err()
	}
}
