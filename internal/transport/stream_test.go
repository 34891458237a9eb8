package transport

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/offload/internal/protocol"
)

func receive(t *testing.T, ep Endpoint) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-ep.Messages():
		require.True(t, ok, "channel closed before a message arrived")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func waitClosed(t *testing.T, ep Endpoint) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ep.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestPipe_PreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	for i := int64(1); i <= 50; i++ {
		require.NoError(t, a.Send(protocol.NewRequest(i, json.RawMessage(`{"n":1}`))))
	}
	for i := int64(1); i <= 50; i++ {
		msg := receive(t, b)
		assert.Equal(t, i, msg.ID)
	}
}

func TestPipe_Bidirectional(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Send(protocol.Initialize()))
	assert.Equal(t, protocol.TypeInitialize, receive(t, a).Type)

	require.NoError(t, a.Send(protocol.Resources([]string{"x"})))
	msg := receive(t, b)
	assert.Equal(t, protocol.TypeResources, msg.Type)
	assert.Equal(t, []string{"x"}, msg.Resources)
}

func TestPipe_SendDoesNotWaitForPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := Pipe()
	defer b.Close()
	defer a.Close()

	// Nobody reads b yet; the outbox absorbs everything.
	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 1000; i++ {
			_ = a.Send(protocol.NewRequest(i, json.RawMessage(`0`)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a slow peer")
	}
}

func TestPipe_CloseEndsPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := Pipe()
	require.NoError(t, a.Close())
	waitClosed(t, b)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, a.Send(protocol.Ready()), ErrClosed)
	assert.NoError(t, a.Close(), "second Close is a no-op")
}

func TestStream_RejectsInvalidOutbound(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	err := a.Send(protocol.Message{Version: protocol.Version, Type: protocol.TypeRequest})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestStream_InvalidInboundRecordsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, w := io.Pipe()
	_, sink := io.Pipe()
	s := NewStream(r, sink, nil)
	defer s.Close()

	go func() {
		_, _ = w.Write([]byte(`{"v":1,"type":"result","id":-1,"payload":1}` + "\n"))
		_ = w.Close()
	}()

	waitClosed(t, s)
	assert.True(t, errors.Is(s.Err(), protocol.ErrInvalidMessage), "got %v", s.Err())
}

func TestStream_OnCloseRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, _ := io.Pipe()
	_, w := io.Pipe()
	calls := 0
	s := NewStream(r, w, func() error {
		calls++
		return errors.New("child exited 1")
	})

	err := s.Close()
	assert.EqualError(t, err, "child exited 1")
	_ = s.Close()
	assert.Equal(t, 1, calls)
}
