// ABOUTME: Error values returned by relay calls.
// ABOUTME: Sentinels are matched with errors.Is; RemoteError carries the host's message.

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrBoundaryInvalid means the host process is gone. Not retryable.
	ErrBoundaryInvalid = errors.New("relay boundary invalid")

	// ErrRelayTimeout means no correlated event arrived in time.
	ErrRelayTimeout = errors.New("relay timeout")

	// ErrProtocol means the host answered with something that is not a valid response.
	ErrProtocol = errors.New("relay protocol error")

	// ErrRemote is wrapped by every RemoteError.
	ErrRemote = errors.New("relay remote error")
)

// RemoteError is a correlated error event reported by the host.
type RemoteError struct {
	Action  Action
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Action, e.Message, e.Code)
	}
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}
