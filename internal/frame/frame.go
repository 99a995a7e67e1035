// ABOUTME: Application-level frames carried inside relay message events.
// ABOUTME: Decodes the {type, content, metadata} envelope and builds outbound frames.

package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type identifies an application frame.
type Type string

// Inbound frame types sent by the agent.
const (
	TypeSessionConnected Type = "session_connected"
	TypeAgentResponse    Type = "agent_response"
	TypeAgentThinking    Type = "agent_thinking"
	TypeError            Type = "error"
	TypeToolCall         Type = "tool_call"
	TypePong             Type = "pong"
)

// Outbound frame types sent to the agent.
const (
	TypeUserMessage Type = "user_message"
	TypePing        Type = "ping"
)

var (
	// ErrMalformed means the payload is not a frame envelope.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType means the envelope names a type nobody handles.
	ErrUnknownType = errors.New("unknown frame type")
)

// Metadata is the free-form metadata object of a frame.
type Metadata map[string]any

// String returns the string value at key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Bool returns the boolean value at key and whether it was present as a bool.
func (m Metadata) Bool(key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	b, ok := m[key].(bool)
	return b, ok
}

// Frame is a decoded inbound frame.
type Frame struct {
	Type     Type     `json:"type"`
	Content  string   `json:"content,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// MessageID returns metadata.message_id, used to recognize replays.
func (f Frame) MessageID() string {
	return f.Metadata.String("message_id")
}

func known(t Type) bool {
	switch t {
	case TypeSessionConnected, TypeAgentResponse, TypeAgentThinking,
		TypeError, TypeToolCall, TypePong:
		return true
	}
	return false
}

// Decode parses an inbound frame. Hosts forward the socket's text frame
// either as a JSON object or as a JSON string holding one; both are accepted.
func Decode(data []byte) (Frame, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Frame{}, fmt.Errorf("empty payload: %w", ErrMalformed)
	}

	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return Frame{}, fmt.Errorf("%v: %w", err, ErrMalformed)
		}
		trimmed = inner
	}

	var f Frame
	if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
		return Frame{}, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("missing type: %w", ErrMalformed)
	}
	if !known(f.Type) {
		return f, fmt.Errorf("%q: %w", f.Type, ErrUnknownType)
	}
	return f, nil
}

// Outbound is a frame sent to the agent.
type Outbound struct {
	Type      Type   `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// UserMessage builds the frame for a user chat message.
func UserMessage(sessionID, messageID, content string) Outbound {
	return Outbound{
		Type:      TypeUserMessage,
		Content:   content,
		SessionID: sessionID,
		MessageID: messageID,
	}
}

// Ping builds a heartbeat frame.
func Ping() Outbound {
	return Outbound{Type: TypePing}
}
