// ABOUTME: Link is a Boundary over a byte stream carrying newline-delimited JSON.
// ABOUTME: It demultiplexes host events to channels and invalidates itself on EOF.

package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// maxLineSize bounds one encoded event. Agent responses can carry long
// markdown bodies, so this is well above bufio's default.
const maxLineSize = 1 << 20

// Link connects channels to a host process over a pair of streams.
type Link struct {
	enc   *json.Encoder
	encMu sync.Mutex

	channels map[string]*Channel
	mu       sync.RWMutex

	valid  atomic.Bool
	logger *slog.Logger
}

// NewLink creates a Link that writes requests to w. Call Run with the
// host's output to start delivering events.
func NewLink(w io.Writer, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		enc:      json.NewEncoder(w),
		channels: make(map[string]*Channel),
		logger:   logger.With("component", "relay.link"),
	}
	l.valid.Store(true)
	return l
}

// Valid implements Boundary.
func (l *Link) Valid() bool {
	return l.valid.Load()
}

// Post implements Boundary.
func (l *Link) Post(req Request) error {
	if !l.valid.Load() {
		return fmt.Errorf("post %s: %w", req.Action, ErrBoundaryInvalid)
	}

	l.encMu.Lock()
	err := l.enc.Encode(req)
	l.encMu.Unlock()

	if err != nil {
		l.Invalidate(err.Error())
		return fmt.Errorf("post %s: %v: %w", req.Action, err, ErrBoundaryInvalid)
	}
	return nil
}

// Open returns the channel for connectionID, creating it on first use.
func (l *Link) Open(connectionID string) *Channel {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.channels[connectionID]; ok {
		return ch
	}
	ch := NewChannel(connectionID, l, l.logger)
	l.channels[connectionID] = ch
	return ch
}

// Detach stops routing events to connectionID.
func (l *Link) Detach(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.channels, connectionID)
}

// Run reads events from r until EOF or a read error, then invalidates the
// link. It returns nil on clean EOF.
func (l *Link) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.logger.Warn("dropping malformed event", "error", err)
			continue
		}

		l.mu.RLock()
		ch, ok := l.channels[ev.ConnectionID]
		l.mu.RUnlock()

		if !ok {
			l.logger.Debug("dropping event for unknown connection",
				"connection_id", ev.ConnectionID,
				"event", ev.Event,
			)
			continue
		}
		ch.Deliver(ev)
	}

	err := scanner.Err()
	reason := "host closed"
	if err != nil {
		reason = err.Error()
	}
	l.Invalidate(reason)

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Invalidate marks the boundary gone. Pending calls fail with
// ErrBoundaryInvalid and every channel receives a disconnect push.
// Only the first call has any effect.
func (l *Link) Invalidate(reason string) {
	if !l.valid.CompareAndSwap(true, false) {
		return
	}
	l.logger.Warn("relay boundary invalidated", "reason", reason)

	l.mu.RLock()
	channels := make([]*Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		channels = append(channels, ch)
	}
	l.mu.RUnlock()

	data := MustMarshal(ErrorData{Message: reason, Code: CodeBoundaryInvalid})
	for _, ch := range channels {
		ch.CancelAll(ErrBoundaryInvalid)
		ch.Deliver(Event{
			ConnectionID: ch.ConnectionID(),
			Event:        EventDisconnect,
			Data:         data,
		})
	}
}
