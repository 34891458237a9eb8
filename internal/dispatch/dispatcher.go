package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/protocol"
	"github.com/mattjoyce/offload/internal/transport"
)

type handshakeState int

const (
	stateCreated handshakeState = iota
	stateLoading
	stateReady
)

// entry is the registry record for one in-flight request.
type entry[OUT any] struct {
	id      int64
	active  atomic.Bool
	deliver func(OUT)
	fail    func(error)
}

// Subscription is the cancellation capability for one submitted job.
type Subscription struct {
	id     int64
	cancel func()
	once   sync.Once
}

// ID returns the request id assigned to the job.
func (s *Subscription) ID() int64 { return s.id }

// Cancel suppresses delivery of the job's result. The execution context still
// computes it. Calling Cancel after the job resolved, or more than once, does nothing.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Dispatcher owns one execution context and routes its results to callbacks.
// Submit and Terminate are safe for concurrent use. Callbacks run on the
// dispatcher's receive goroutine, one at a time, and may call back into it.
type Dispatcher[IN, OUT any] struct {
	id     string
	opts   options
	logger *slog.Logger

	mu       sync.Mutex
	ep       transport.Endpoint // nil once terminated
	state    handshakeState
	nextID   int64
	handlers map[int64]*entry[OUT]
	pending  []protocol.Message
	err      error

	events   []Event // queued for observers, delivered by flush
	emitting bool

	done     chan struct{}
	loopDone chan struct{}
}

// New spawns an execution context and starts the handshake. ctx is only used
// while spawning.
func New[IN, OUT any](ctx context.Context, spawner Spawner, opts ...Option) (*Dispatcher[IN, OUT], error) {
	if spawner == nil {
		return nil, fmt.Errorf("dispatcher requires a spawner")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := o.logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	logger = logger.With("dispatcher_id", id)
	if o.task != "" {
		logger = logger.With("task", o.task)
	}

	ep, err := spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn execution context: %w", err)
	}

	d := &Dispatcher[IN, OUT]{
		id:       id,
		opts:     o,
		logger:   logger,
		ep:       ep,
		state:    stateCreated,
		handlers: make(map[int64]*entry[OUT]),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	logger.Debug("dispatcher started", "resources", len(o.resources))
	d.emit(Event{Kind: EventStarted})

	go d.loop(ep)
	return d, nil
}

// ID returns the dispatcher's unique id.
func (d *Dispatcher[IN, OUT]) ID() string { return d.id }

// Done is closed once the dispatcher has terminated, by request or on a fatal error.
func (d *Dispatcher[IN, OUT]) Done() <-chan struct{} { return d.done }

// Err returns the fatal error that terminated the dispatcher, if any.
func (d *Dispatcher[IN, OUT]) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Submit sends input to the execution context, or queues it until the context
// is ready. fn is called once with the result unless the subscription is
// cancelled first. Task failures go to the job-error handler.
func (d *Dispatcher[IN, OUT]) Submit(input IN, fn func(OUT)) (*Subscription, error) {
	return d.submit(input, fn, nil)
}

// SubmitFunc is Submit with a per-job failure callback. onFail receives a
// *JobError when the task fails for this request, or the fatal dispatcher
// error when a crash abandons it. It is not called after Terminate or Cancel.
func (d *Dispatcher[IN, OUT]) SubmitFunc(input IN, fn func(OUT), onFail func(error)) (*Subscription, error) {
	return d.submit(input, fn, onFail)
}

func (d *Dispatcher[IN, OUT]) submit(input IN, fn func(OUT), onFail func(error)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("submit requires a callback")
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	d.mu.Lock()
	e, err := d.register(payload, fn, onFail)
	d.mu.Unlock()
	d.flush()
	if err != nil {
		return nil, err
	}
	return &Subscription{id: e.id, cancel: func() { d.cancel(e) }}, nil
}

// register allocates an id and sends or queues the request. Caller holds d.mu.
func (d *Dispatcher[IN, OUT]) register(payload json.RawMessage, fn func(OUT), onFail func(error)) (*entry[OUT], error) {
	if d.ep == nil {
		return nil, ErrTerminated
	}

	d.nextID++
	e := &entry[OUT]{id: d.nextID, deliver: fn, fail: onFail}
	e.active.Store(true)
	d.handlers[e.id] = e

	req := protocol.NewRequest(e.id, payload)
	d.queue(Event{Kind: EventJobQueued, JobID: e.id, Input: payload})
	if d.state != stateReady {
		d.pending = append(d.pending, req)
		return e, nil
	}
	if err := d.ep.Send(req); err != nil {
		delete(d.handlers, e.id)
		return nil, fmt.Errorf("send request %d: %w", e.id, err)
	}
	d.queue(Event{Kind: EventJobSent, JobID: e.id})
	return e, nil
}

func (d *Dispatcher[IN, OUT]) cancel(e *entry[OUT]) {
	if !e.active.CompareAndSwap(true, false) {
		return
	}
	d.mu.Lock()
	if d.handlers[e.id] == e {
		d.logger.Debug("subscription cancelled", "job_id", e.id)
		d.queue(Event{Kind: EventJobCancelled, JobID: e.id})
	}
	d.mu.Unlock()
	d.flush()
}

// Terminate shuts down the execution context. Pending and in-flight work is
// abandoned. Calling it again does nothing.
func (d *Dispatcher[IN, OUT]) Terminate() error {
	d.mu.Lock()
	if d.ep == nil {
		d.mu.Unlock()
		return nil
	}
	ep, abandoned := d.detach()
	d.queue(Event{Kind: EventTerminated})
	d.queueAbandoned(abandoned)
	d.mu.Unlock()
	d.flush()

	d.logger.Debug("dispatcher terminated", "abandoned", len(abandoned))

	if err := ep.Close(); err != nil {
		d.logger.Warn("execution context did not shut down cleanly", "error", err)
		return fmt.Errorf("close execution context: %w", err)
	}
	return nil
}

// detach clears the endpoint and drops every reference to outstanding work,
// returning the abandoned entries in id order. Caller holds d.mu.
func (d *Dispatcher[IN, OUT]) detach() (transport.Endpoint, []*entry[OUT]) {
	ep := d.ep
	d.ep = nil

	abandoned := make([]*entry[OUT], 0, len(d.handlers))
	for _, e := range d.handlers {
		abandoned = append(abandoned, e)
	}
	sort.Slice(abandoned, func(i, j int) bool { return abandoned[i].id < abandoned[j].id })

	d.handlers = nil
	d.pending = nil
	close(d.done)
	return ep, abandoned
}

func (d *Dispatcher[IN, OUT]) fail(err error) {
	d.mu.Lock()
	if d.ep == nil {
		d.mu.Unlock()
		return
	}
	d.err = err
	ep, abandoned := d.detach()
	d.queue(Event{Kind: EventFailed, Error: err.Error()})
	d.queueAbandoned(abandoned)
	d.mu.Unlock()
	d.flush()

	d.logger.Error("dispatcher failed", "error", err, "abandoned", len(abandoned))

	if cerr := ep.Close(); cerr != nil {
		d.logger.Warn("execution context did not shut down cleanly", "error", cerr)
	}
	for _, e := range abandoned {
		if e.fail != nil && e.active.Load() {
			e.fail(err)
		}
	}
	if d.opts.onError != nil {
		d.opts.onError(err)
	}
}

func (d *Dispatcher[IN, OUT]) loop(ep transport.Endpoint) {
	defer close(d.loopDone)

	for msg := range ep.Messages() {
		if err := d.handle(ep, msg); err != nil {
			d.fail(err)
		}
	}

	d.mu.Lock()
	terminated := d.ep == nil
	d.mu.Unlock()
	if terminated {
		return
	}

	readErr := ep.Err()
	switch {
	case errors.Is(readErr, protocol.ErrInvalidMessage):
		d.fail(d.protocolError(0, readErr.Error()))
	case readErr != nil:
		d.fail(fmt.Errorf("%w: %v", ErrContextExited, readErr))
	default:
		d.fail(ErrContextExited)
	}
}

func (d *Dispatcher[IN, OUT]) handle(ep transport.Endpoint, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeInitialize:
		return d.onInitialize(ep)
	case protocol.TypeReady:
		return d.onReady(ep)
	case protocol.TypeResult:
		return d.route(msg)
	default:
		return d.protocolError(msg.ID, fmt.Sprintf("unexpected %s message from execution context", msg.Type))
	}
}

func (d *Dispatcher[IN, OUT]) onReady(ep transport.Endpoint) error {
	d.mu.Lock()
	err := d.flushPending(ep)
	d.mu.Unlock()
	d.flush()
	return err
}

func (d *Dispatcher[IN, OUT]) onInitialize(ep transport.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ep != ep {
		return nil
	}
	if d.state != stateCreated {
		return d.protocolError(0, "initialize received twice")
	}
	d.state = stateLoading
	if err := ep.Send(protocol.Resources(d.opts.resources)); err != nil {
		return fmt.Errorf("send resources: %w", err)
	}
	d.logger.Debug("execution context initialized, resources sent", "resources", len(d.opts.resources))
	return nil
}

// flushPending marks the context ready and sends the queued requests in
// submission order. Caller holds d.mu.
func (d *Dispatcher[IN, OUT]) flushPending(ep transport.Endpoint) error {
	if d.ep != ep {
		return nil
	}
	switch d.state {
	case stateCreated:
		return d.protocolError(0, "ready received before initialize")
	case stateReady:
		return d.protocolError(0, "ready received twice")
	}

	d.state = stateReady
	pending := d.pending
	d.pending = nil
	d.logger.Debug("execution context ready", "pending", len(pending))
	d.queue(Event{Kind: EventReady})

	for _, req := range pending {
		if err := ep.Send(req); err != nil {
			return fmt.Errorf("flush request %d: %w", req.ID, err)
		}
		d.queue(Event{Kind: EventJobSent, JobID: req.ID})
	}
	return nil
}

// route delivers a result to its handler. The entry is removed before the
// callback runs.
func (d *Dispatcher[IN, OUT]) route(msg protocol.Message) error {
	d.mu.Lock()
	if d.ep == nil {
		d.mu.Unlock()
		return nil
	}
	e, ok := d.handlers[msg.ID]
	if !ok {
		d.mu.Unlock()
		return d.protocolError(msg.ID, "result for unknown request id")
	}
	delete(d.handlers, msg.ID)
	d.mu.Unlock()

	if msg.Failed() {
		jobErr := &JobError{ID: msg.ID, Message: msg.Error}
		if !e.active.Load() {
			d.emit(Event{Kind: EventJobSuppressed, JobID: msg.ID, Error: msg.Error})
			return nil
		}
		d.emit(Event{Kind: EventJobFailed, JobID: msg.ID, Error: msg.Error})
		d.reportJobError(e, jobErr)
		return nil
	}

	var out OUT
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return d.protocolError(msg.ID, fmt.Sprintf("undecodable result payload: %v", err))
	}
	if !e.active.Load() {
		d.logger.Debug("result suppressed for cancelled subscription", "job_id", msg.ID)
		d.emit(Event{Kind: EventJobSuppressed, JobID: msg.ID})
		return nil
	}
	d.emit(Event{Kind: EventJobResolved, JobID: msg.ID, Output: msg.Payload})
	e.deliver(out)
	return nil
}

func (d *Dispatcher[IN, OUT]) reportJobError(e *entry[OUT], jobErr *JobError) {
	switch {
	case e.fail != nil:
		e.fail(jobErr)
	case d.opts.onJobError != nil:
		d.opts.onJobError(jobErr)
	default:
		d.logger.Warn("job failed", "job_id", jobErr.ID, "error", jobErr.Message)
	}
}

func (d *Dispatcher[IN, OUT]) protocolError(id int64, reason string) *ProtocolError {
	return &ProtocolError{DispatcherID: d.id, ID: id, Reason: reason}
}

func (d *Dispatcher[IN, OUT]) emit(e Event) {
	d.mu.Lock()
	d.queue(e)
	d.mu.Unlock()
	d.flush()
}

// queue stamps e and appends it for delivery. Caller holds d.mu.
func (d *Dispatcher[IN, OUT]) queue(e Event) {
	if len(d.opts.observers) == 0 {
		return
	}
	e.DispatcherID = d.id
	e.Task = d.opts.task
	e.At = time.Now().UTC()
	d.events = append(d.events, e)
}

func (d *Dispatcher[IN, OUT]) queueAbandoned(abandoned []*entry[OUT]) {
	for _, e := range abandoned {
		d.queue(Event{Kind: EventJobAbandoned, JobID: e.id})
	}
}

// flush delivers queued events to observers without holding d.mu. Only one
// goroutine delivers at a time, so observers see events in queue order; a
// caller that finds delivery in progress leaves its events to that goroutine.
func (d *Dispatcher[IN, OUT]) flush() {
	d.mu.Lock()
	if d.emitting {
		d.mu.Unlock()
		return
	}
	d.emitting = true
	for len(d.events) > 0 {
		batch := d.events
		d.events = nil
		d.mu.Unlock()
		for _, e := range batch {
			for _, obs := range d.opts.observers {
				obs.Observe(e)
			}
		}
		d.mu.Lock()
	}
	d.emitting = false
	d.mu.Unlock()
}
