package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLineBytes bounds a single envelope on the wire.
const maxLineBytes = 16 << 20

// Encoder writes newline-delimited envelopes to w.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode validates msg and writes it as one JSON line.
func (e *Encoder) Encode(msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited envelopes from r.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// Decode reads the next envelope. Blank lines are skipped.
// Returns io.EOF once the stream is exhausted.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeLine(line)
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("failed to read message: %w", err)
	}
	return Message{}, io.EOF
}

// DecodeLine strictly parses one envelope. The returned message owns its bytes.
func DecodeLine(line []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields() // Strict parsing
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: failed to decode message: %v", ErrInvalidMessage, err)
	}
	if len(msg.Payload) > 0 {
		msg.Payload = append(json.RawMessage(nil), msg.Payload...)
	}
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the envelope shape for its type.
func Validate(msg Message) error {
	if msg.Version != Version {
		return fmt.Errorf("%w: unsupported protocol version: %d", ErrInvalidMessage, msg.Version)
	}

	switch msg.Type {
	case TypeInitialize, TypeReady:
		if msg.ID != 0 || len(msg.Payload) > 0 || len(msg.Resources) > 0 {
			return fmt.Errorf("%w: %s must not carry id, payload or resources", ErrInvalidMessage, msg.Type)
		}
	case TypeResources:
		if msg.ID != 0 || len(msg.Payload) > 0 {
			return fmt.Errorf("%w: resources must not carry id or payload", ErrInvalidMessage)
		}
		for i, loc := range msg.Resources {
			if loc == "" {
				return fmt.Errorf("%w: resources[%d] is empty", ErrInvalidMessage, i)
			}
		}
	case TypeRequest:
		if msg.ID <= 0 {
			return fmt.Errorf("%w: request id must be positive (got %d)", ErrInvalidMessage, msg.ID)
		}
		if len(msg.Payload) == 0 {
			return fmt.Errorf("%w: request %d has no payload", ErrInvalidMessage, msg.ID)
		}
	case TypeResult:
		if msg.ID <= 0 {
			return fmt.Errorf("%w: result id must be positive (got %d)", ErrInvalidMessage, msg.ID)
		}
		if msg.Error == "" && len(msg.Payload) == 0 {
			return fmt.Errorf("%w: result %d has neither payload nor error", ErrInvalidMessage, msg.ID)
		}
		if msg.Error != "" && len(msg.Payload) > 0 {
			return fmt.Errorf("%w: result %d has both payload and error", ErrInvalidMessage, msg.ID)
		}
	case "":
		return fmt.Errorf("%w: missing required field: type", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}

	if msg.Type != TypeResult && msg.Error != "" {
		return fmt.Errorf("%w: %s must not carry error", ErrInvalidMessage, msg.Type)
	}
	if msg.Type != TypeResources && len(msg.Resources) > 0 {
		return fmt.Errorf("%w: %s must not carry resources", ErrInvalidMessage, msg.Type)
	}
	return nil
}
