package dispatch

import (
	"encoding/json"
	"time"
)

//go:generate mockgen -destination=mocks/mock_observer.go -package=mocks github.com/mattjoyce/offload/internal/dispatch Observer

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventStarted    EventKind = "dispatcher.started"
	EventReady      EventKind = "dispatcher.ready"
	EventTerminated EventKind = "dispatcher.terminated"
	EventFailed     EventKind = "dispatcher.failed"

	EventJobQueued     EventKind = "job.queued"
	EventJobSent       EventKind = "job.sent"
	EventJobResolved   EventKind = "job.resolved"
	EventJobSuppressed EventKind = "job.suppressed"
	EventJobFailed     EventKind = "job.failed"
	EventJobCancelled  EventKind = "job.cancelled"
	EventJobAbandoned  EventKind = "job.abandoned"
)

// Event describes one transition of a dispatcher or one of its jobs.
type Event struct {
	Kind         EventKind       `json:"kind"`
	DispatcherID string          `json:"dispatcher_id"`
	Task         string          `json:"task,omitempty"`
	JobID        int64           `json:"job_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	At           time.Time       `json:"at"`
}

// Observer receives lifecycle events. A dispatcher delivers its events one at
// a time, in order, and never while holding its lock, but not always from the
// goroutine that caused them. Observe must not call back into the dispatcher.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }
