package protocol

import "encoding/json"

// Version is the only envelope version this build speaks.
const Version = 1

// Type tags an envelope on the wire.
type Type string

const (
	// TypeInitialize is sent by the execution context once it has booted.
	TypeInitialize Type = "initialize"
	// TypeResources carries the auxiliary resource locators to the context.
	TypeResources Type = "resources"
	// TypeReady is sent by the context after every resource finished loading.
	TypeReady Type = "ready"
	// TypeRequest asks the context to run its task with a payload.
	TypeRequest Type = "request"
	// TypeResult carries the task output (or a failure) back to the dispatcher.
	TypeResult Type = "result"
)

// Message is the envelope exchanged between a dispatcher and its execution context.
// Control messages (initialize, resources, ready) carry no id.
type Message struct {
	Version   int             `json:"v"`
	Type      Type            `json:"type"`
	ID        int64           `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Resources []string        `json:"resources,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Initialize builds the context boot signal.
func Initialize() Message {
	return Message{Version: Version, Type: TypeInitialize}
}

// Ready builds the context readiness signal.
func Ready() Message {
	return Message{Version: Version, Type: TypeReady}
}

// Resources builds the resource list message. An empty list is valid.
func Resources(locators []string) Message {
	return Message{Version: Version, Type: TypeResources, Resources: append([]string(nil), locators...)}
}

// NewRequest builds a work request for id.
func NewRequest(id int64, payload json.RawMessage) Message {
	return Message{Version: Version, Type: TypeRequest, ID: id, Payload: payload}
}

// NewResult builds a successful work result for id.
func NewResult(id int64, payload json.RawMessage) Message {
	return Message{Version: Version, Type: TypeResult, ID: id, Payload: payload}
}

// NewFailure builds a result that reports the task could not produce output.
func NewFailure(id int64, reason string) Message {
	return Message{Version: Version, Type: TypeResult, ID: id, Error: reason}
}

// Failed reports whether a result message carries a failure instead of a payload.
func (m Message) Failed() bool {
	return m.Type == TypeResult && m.Error != ""
}
