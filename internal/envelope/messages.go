// Package envelope implements the newline-delimited JSON framing layered on
// the bridge socket. Each transport line carries exactly one message;
// binary payloads are base64-encoded so they cannot corrupt the framing.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Type names for envelope messages.
const (
	TypeProxyFetch     = "proxy_fetch"
	TypeResponse       = "response"
	TypeCommandRequest = "command_request"
	TypeStdout         = "stdout"
	TypeStderr         = "stderr"
	TypeExit           = "exit"
	TypeError          = "error"
)

// Message is the discriminated union exchanged over the bridge socket.
// Only the fields belonging to its Type are populated.
type Message struct {
	Type string `json:"type"`

	// proxy_fetch; Headers and Body are shared with response. Headers
	// preserves key case but not insertion order: HTTP header semantics
	// do not depend on ordering, so a Go map stands in for the ordered
	// mapping older peers emitted.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`

	// response
	Status int `json:"status,omitempty"`

	// command_request. Env carries only the allow-listed subset of the
	// caller's environment, never the full environment.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// stdout / stderr chunk, base64-encoded.
	Data string `json:"data,omitempty"`

	// exit
	Code int `json:"code,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// EncodeBody encodes a binary payload for embedding in a message. The
// encoded form never contains a newline byte.
func EncodeBody(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// BodyPtr encodes data and returns a pointer suitable for Message.Body.
// A nil slice yields nil, matching the wire convention of body: null for
// bodyless requests.
func BodyPtr(data []byte) *string {
	if data == nil {
		return nil
	}
	encoded := EncodeBody(data)
	return &encoded
}

// DecodeBodyPtr decodes an optional body field. A nil pointer yields nil.
func DecodeBodyPtr(body *string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	return DecodeBody(*body)
}

// NewResponse builds a response message for a completed fetch.
func NewResponse(status int, headers map[string]string, body []byte) *Message {
	encoded := EncodeBody(body)
	return &Message{
		Type:    TypeResponse,
		Status:  status,
		Headers: headers,
		Body:    &encoded,
	}
}

// NewChunk builds a stdout or stderr stream message.
func NewChunk(typ string, data []byte) *Message {
	return &Message{Type: typ, Data: EncodeBody(data)}
}

// NewExit builds the terminal message for a completed command.
func NewExit(code int) *Message {
	return &Message{Type: TypeExit, Code: code}
}

// NewError builds the terminal message for a failed exchange.
func NewError(message string) *Message {
	return &Message{Type: TypeError, Message: message}
}

// Write marshals one message as a single newline-terminated line.
func Write(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}
