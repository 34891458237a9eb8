package transport

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/multierr"

	"github.com/mattjoyce/offload/internal/protocol"
)

// ErrClosed is returned by Send once the endpoint has been closed.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is one side of the message channel between a dispatcher and its
// execution context. Delivery is asynchronous and order-preserving.
type Endpoint interface {
	// Send queues msg for delivery. It never waits for the peer.
	Send(msg protocol.Message) error
	// Messages yields inbound messages in arrival order. It is closed when the
	// peer goes away or the endpoint is closed.
	Messages() <-chan protocol.Message
	// Close tears the endpoint down. Safe to call more than once.
	Close() error
	// Err reports the first read or write failure, if any.
	Err() error
}

// Stream is an Endpoint over a byte stream pair (pipes, stdio).
type Stream struct {
	r       io.ReadCloser
	w       io.WriteCloser
	onClose func() error

	outbox *queue.Queue
	in     chan protocol.Message
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

var _ Endpoint = (*Stream)(nil)

// NewStream starts the reader and writer goroutines for r and w.
// onClose, when set, runs after w has been closed and before r is closed;
// process-backed endpoints use it to reap the child.
func NewStream(r io.ReadCloser, w io.WriteCloser, onClose func() error) *Stream {
	s := &Stream{
		r:       r,
		w:       w,
		onClose: onClose,
		outbox:  queue.New(16),
		in:      make(chan protocol.Message, 16),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Send validates msg and appends it to the unbounded outbox.
func (s *Stream) Send(msg protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	if err := s.outbox.Put(msg); err != nil {
		return ErrClosed
	}
	return nil
}

// Messages implements Endpoint.
func (s *Stream) Messages() <-chan protocol.Message {
	return s.in
}

// Err implements Endpoint.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close disposes the outbox (unsent messages are dropped), closes the writer,
// runs onClose and finally closes the reader.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.outbox.Dispose()

		var errs error
		if err := s.w.Close(); err != nil && !isClosedErr(err) {
			errs = multierr.Append(errs, err)
		}
		if s.onClose != nil {
			errs = multierr.Append(errs, s.onClose())
		}
		_ = s.r.Close()
		s.closeErr = errs
	})
	return s.closeErr
}

func (s *Stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) setErr(err error) {
	if s.closed() {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) readLoop() {
	defer close(s.in)

	dec := protocol.NewDecoder(s.r)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				s.setErr(err)
			}
			return
		}
		select {
		case s.in <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) writeLoop() {
	enc := protocol.NewEncoder(s.w)
	for {
		items, err := s.outbox.Get(1)
		if err != nil {
			return // disposed
		}
		for _, item := range items {
			if err := enc.Encode(item.(protocol.Message)); err != nil {
				s.setErr(err)
				s.outbox.Dispose()
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

// Pipe returns two connected in-memory endpoints. Every message is encoded to
// bytes on one side and decoded on the other, so the peers share no memory.
func Pipe() (*Stream, *Stream) {
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	return NewStream(aR, aW, nil), NewStream(bR, bW, nil)
}
