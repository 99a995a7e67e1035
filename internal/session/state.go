// ABOUTME: Connection states, the per-manager Session identity, and error values.
// ABOUTME: State strings are what the UI shows as connection status.

package session

import (
	"errors"

	"github.com/google/uuid"
)

// State is the connection state owned by a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session identifies one manager to the agent and to the relay.
type Session struct {
	ID           string
	ConnectionID string
}

// NewSession generates a fresh session identity.
func NewSession() Session {
	return SessionFor(uuid.NewString())
}

// SessionFor derives the identity for an existing session id.
func SessionFor(id string) Session {
	return Session{ID: id, ConnectionID: "conn-" + id}
}

var (
	// ErrMaxRetries is returned once the manager gives up reconnecting.
	ErrMaxRetries = errors.New("max retries exceeded")

	// ErrManualDisconnect rejects work cancelled by Disconnect.
	ErrManualDisconnect = errors.New("disconnected by user")

	// ErrSendFailed rejects a message that failed MaxSendAttempts times.
	ErrSendFailed = errors.New("send failed")

	// ErrHeartbeatTimeout is the cause recorded when pings go unanswered.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrEmptyMessage rejects a send with no content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("session manager closed")
)
