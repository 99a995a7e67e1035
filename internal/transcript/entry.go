// ABOUTME: Transcript entry and update types shared by the store, persistence, and UI.
// ABOUTME: An Update is one change pushed to subscribers.

package transcript

import (
	"time"

	"github.com/2389/coven-relay/internal/session"
)

// Role says who produced an entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleError Role = "error"
)

// Entry is one line of the chat transcript.
type Entry struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	// MessageID is the agent's metadata.message_id, when it sent one.
	MessageID string
	At        time.Time
}

// Message converts the entry to the session-level view.
func (e Entry) Message() session.Message {
	return session.Message{
		ID:      e.ID,
		Role:    string(e.Role),
		Content: e.Content,
		At:      e.At,
	}
}

// UpdateKind names what changed.
type UpdateKind string

const (
	UpdateEntry   UpdateKind = "entry"
	UpdateStatus  UpdateKind = "status"
	UpdateTyping  UpdateKind = "typing"
	UpdateSession UpdateKind = "session"
)

// Update is delivered to subscribers on every change.
type Update struct {
	Kind UpdateKind

	// UpdateEntry
	Entry *Entry

	// UpdateStatus
	Status string
	Err    string

	// UpdateTyping
	AgentTyping bool
	UserTyping  bool

	// UpdateSession
	Session map[string]any
}
