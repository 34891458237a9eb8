package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "request",
			msg:  NewRequest(7, json.RawMessage(`[3,5]`)),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"v":1`) {
					t.Error("missing version field")
				}
				if !strings.Contains(output, `"type":"request"`) {
					t.Error("missing type field")
				}
				if !strings.Contains(output, `"id":7`) {
					t.Error("missing id field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("message must be newline terminated")
				}
			},
		},
		{
			name: "empty resource list omits the field",
			msg:  Resources(nil),
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"resources"`) {
					t.Errorf("unexpected resources field in %s", output)
				}
			},
		},
		{
			name:    "unsupported version",
			msg:     Message{Version: 2, Type: TypeReady},
			wantErr: true,
		},
		{
			name:    "request without id",
			msg:     NewRequest(0, json.RawMessage(`1`)),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msg)

			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, msg Message)
	}{
		{
			name:  "initialize",
			input: `{"v":1,"type":"initialize"}`,
			checkFn: func(t *testing.T, msg Message) {
				if msg.Type != TypeInitialize {
					t.Errorf("want initialize, got %s", msg.Type)
				}
			},
		},
		{
			name:  "resources keep order",
			input: `{"v":1,"type":"resources","resources":["b.txt","a.txt"]}`,
			checkFn: func(t *testing.T, msg Message) {
				if len(msg.Resources) != 2 || msg.Resources[0] != "b.txt" || msg.Resources[1] != "a.txt" {
					t.Errorf("unexpected resources %v", msg.Resources)
				}
			},
		},
		{
			name:  "result with payload",
			input: `{"v":1,"type":"result","id":3,"payload":15}`,
			checkFn: func(t *testing.T, msg Message) {
				if msg.ID != 3 || string(msg.Payload) != "15" {
					t.Errorf("unexpected result %+v", msg)
				}
				if msg.Failed() {
					t.Error("result should not be failed")
				}
			},
		},
		{
			name:  "failed result",
			input: `{"v":1,"type":"result","id":3,"error":"boom"}`,
			checkFn: func(t *testing.T, msg Message) {
				if !msg.Failed() {
					t.Error("result should be failed")
				}
			},
		},
		{name: "unknown field", input: `{"v":1,"type":"ready","extra":true}`, wantErr: true},
		{name: "unknown type", input: `{"v":1,"type":"cancel","id":1}`, wantErr: true},
		{name: "missing type", input: `{"v":1}`, wantErr: true},
		{name: "ready with id", input: `{"v":1,"type":"ready","id":4}`, wantErr: true},
		{name: "result with payload and error", input: `{"v":1,"type":"result","id":1,"payload":1,"error":"x"}`, wantErr: true},
		{name: "result without anything", input: `{"v":1,"type":"result","id":1}`, wantErr: true},
		{name: "request with error", input: `{"v":1,"type":"request","id":1,"payload":1,"error":"x"}`, wantErr: true},
		{name: "empty locator", input: `{"v":1,"type":"resources","resources":[""]}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeLine([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, msg)
			}
		})
	}
}

func TestValidateWrapsSentinel(t *testing.T) {
	err := Validate(Message{Version: Version, Type: "bogus"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	_, err = DecodeLine([]byte("hello"))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for garbage, got %v", err)
	}
}

func TestDecoderStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, msg := range []Message{
		Initialize(),
		Resources([]string{"lib.txt"}),
		Ready(),
		NewRequest(1, json.RawMessage(`[2,3]`)),
		NewResult(1, json.RawMessage(`6`)),
	} {
		if err := enc.Encode(msg); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	buf.WriteString("\n\n") // blank lines are ignored

	dec := NewDecoder(&buf)
	var got []Type
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, msg.Type)
	}

	want := []Type{TypeInitialize, TypeResources, TypeReady, TypeRequest, TypeResult}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %s, want %s", i, got[i], want[i])
		}
	}
}
