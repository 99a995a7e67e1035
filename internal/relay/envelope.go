// ABOUTME: Wire envelopes exchanged across the embedded/host boundary.
// ABOUTME: Requests flow to the host, Events (responses and pushes) flow back.

package relay

import (
	"encoding/json"
)

// Action names a privileged operation the host performs.
type Action string

const (
	ActionConnect    Action = "connect"
	ActionSend       Action = "send"
	ActionDisconnect Action = "disconnect"
	ActionPing       Action = "ping"
)

// EventKind names what an Event reports.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventError      EventKind = "error"
	EventMessage    EventKind = "message"
	EventPong       EventKind = "pong"
	EventAck        EventKind = "ack" // success for send, ping and disconnect
)

// Request is posted from the embedded context to the host.
// An empty CorrelationID marks a notification the host must not answer.
type Request struct {
	Action        Action          `json:"action"`
	ConnectionID  string          `json:"connectionId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Event is delivered from the host to the embedded context.
type Event struct {
	ConnectionID  string          `json:"connectionId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Event         EventKind       `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error or disconnect event.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// CodeBoundaryInvalid marks the disconnect pushed when the host link is gone.
const CodeBoundaryInvalid = "boundary_invalid"

// successKind returns the event kind that resolves a call for action.
func successKind(action Action) EventKind {
	if action == ActionConnect {
		return EventConnect
	}
	return EventAck
}

// MustMarshal marshals v to JSON, panics on error
func MustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
