// ABOUTME: Channel correlates requests posted across the boundary with their async events.
// ABOUTME: Each call settles exactly once: on its event, its timeout, ctx cancel, or CancelAll.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Boundary posts requests to the host. Valid reports whether the host
// process is still reachable; once false it never becomes true again.
type Boundary interface {
	Post(req Request) error
	Valid() bool
}

// PushHandler receives events that are not answers to a call.
type PushHandler func(ev Event)

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	id       string
	action   Action
	issuedAt time.Time
	done     chan result
}

// Channel is the embedded side of one logical connection.
type Channel struct {
	connectionID string
	boundary     Boundary

	pending map[string]*pendingRequest
	push    PushHandler
	mu      sync.Mutex

	logger *slog.Logger
}

// NewChannel creates a Channel for connectionID over boundary.
func NewChannel(connectionID string, boundary Boundary, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		connectionID: connectionID,
		boundary:     boundary,
		pending:      make(map[string]*pendingRequest),
		logger:       logger.With("connection_id", connectionID),
	}
}

// ConnectionID returns the id this channel serves.
func (c *Channel) ConnectionID() string {
	return c.connectionID
}

// SetPushHandler installs the handler for uncorrelated events.
func (c *Channel) SetPushHandler(h PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push = h
}

// Pending returns the number of calls awaiting settlement.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call posts action to the host and blocks until its correlated event
// arrives, timeout elapses, or ctx is done. A non-positive timeout waits on
// ctx alone. The returned data is the event's data for a success event.
func (c *Channel) Call(ctx context.Context, action Action, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !c.boundary.Valid() {
		return nil, fmt.Errorf("%s: %w", action, ErrBoundaryInvalid)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", action, err)
	}

	p := &pendingRequest{
		id:       uuid.NewString(),
		action:   action,
		issuedAt: time.Now(),
		done:     make(chan result, 1),
	}

	c.mu.Lock()
	c.pending[p.id] = p
	c.mu.Unlock()

	req := Request{
		Action:        action,
		ConnectionID:  c.connectionID,
		CorrelationID: p.id,
		Payload:       raw,
	}
	if err := c.boundary.Post(req); err != nil {
		c.settle(p.id, result{err: err})
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case r := <-p.done:
		return r.data, r.err
	case <-timerC:
		c.settle(p.id, result{err: fmt.Errorf("%s after %s: %w", action, timeout, ErrRelayTimeout)})
	case <-ctx.Done():
		c.settle(p.id, result{err: ctx.Err()})
	}

	// Whichever settlement removed the entry first wrote the result.
	r := <-p.done
	return r.data, r.err
}

// Notify posts action without a correlation id. The host does not answer
// notifications, so nothing is registered.
func (c *Channel) Notify(action Action, payload any) error {
	if !c.boundary.Valid() {
		return fmt.Errorf("%s: %w", action, ErrBoundaryInvalid)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", action, err)
	}
	return c.boundary.Post(Request{
		Action:       action,
		ConnectionID: c.connectionID,
		Payload:      raw,
	})
}

// settle removes the pending entry and hands it r. Only the caller that
// removes the entry writes, so later attempts are no-ops.
func (c *Channel) settle(id string, r result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- r
	return true
}

// CancelAll rejects every pending call with err.
func (c *Channel) CancelAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: fmt.Errorf("%s: %w", p.action, err)}
	}
	return len(pending)
}

// Deliver routes an event from the host. Correlated events settle their
// call; late ones are logged and dropped. Uncorrelated events are pushes.
func (c *Channel) Deliver(ev Event) {
	if ev.ConnectionID != c.connectionID {
		c.logger.Debug("ignoring event for other connection", "event_connection_id", ev.ConnectionID)
		return
	}

	if ev.CorrelationID == "" {
		c.mu.Lock()
		push := c.push
		c.mu.Unlock()

		if push == nil {
			c.logger.Debug("dropping push event, no handler", "event", ev.Event)
			return
		}
		push(ev)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[ev.CorrelationID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received event for unknown request",
			"correlation_id", ev.CorrelationID,
			"event", ev.Event,
		)
		return
	}

	c.settle(ev.CorrelationID, c.resolve(p, ev))
}

func (c *Channel) resolve(p *pendingRequest, ev Event) result {
	switch ev.Event {
	case successKind(p.action):
		if len(ev.Data) > 0 && !json.Valid(ev.Data) {
			return result{err: fmt.Errorf("%s: invalid response data: %w", p.action, ErrProtocol)}
		}
		c.logger.Debug("request settled",
			"action", p.action,
			"correlation_id", p.id,
			"elapsed", time.Since(p.issuedAt),
		)
		return result{data: ev.Data}

	case EventError:
		var ed ErrorData
		if err := json.Unmarshal(ev.Data, &ed); err != nil || ed.Message == "" {
			return result{err: fmt.Errorf("%s: undecodable error event: %w", p.action, ErrProtocol)}
		}
		return result{err: &RemoteError{Action: p.action, Message: ed.Message, Code: ed.Code}}

	case EventDisconnect:
		return result{err: &RemoteError{Action: p.action, Message: "connection closed"}}

	default:
		return result{err: fmt.Errorf("%s: unexpected %q event: %w", p.action, ev.Event, ErrProtocol)}
	}
}

// IsRetryable reports whether err from Call is worth retrying on a fresh attempt.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrBoundaryInvalid)
}
