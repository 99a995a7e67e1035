// ABOUTME: Store is the application-side transcript: entries, typing, and connection status.
// ABOUTME: It receives routed frames from the session and fans changes out to the UI.

package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/frame"
	"github.com/2389/coven-relay/internal/session"
	"github.com/google/uuid"
)

// Params configures a Store.
type Params struct {
	SessionID string
	Persister Persister // optional
	Logger    *slog.Logger
}

// Store records a session's transcript. It is safe for concurrent use.
type Store struct {
	sessionID string
	persist   Persister
	fanout    *fanout
	logger    *slog.Logger

	mu          sync.RWMutex
	entries     []Entry
	status      string
	lastErr     string
	agentTyping bool
	userTyping  bool
	info        map[string]any
}

var (
	_ frame.Handler = (*Store)(nil)
	_ session.Store = (*Store)(nil)
)

// NewStore creates an empty Store.
func NewStore(p Params) *Store {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transcript")
	return &Store{
		sessionID: p.SessionID,
		persist:   p.Persister,
		fanout:    newFanout(logger),
		logger:    logger,
		status:    session.StateDisconnected.String(),
	}
}

// Load fills the store with up to limit persisted entries for its session.
func (s *Store) Load(ctx context.Context, limit int) error {
	if s.persist == nil {
		return nil
	}
	entries, err := s.persist.Entries(ctx, s.sessionID, limit)
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}

	s.mu.Lock()
	s.entries = append(entries, s.entries...)
	s.mu.Unlock()
	return nil
}

// Subscribe returns a channel of updates and its subscription id. The
// subscription ends when ctx is done.
func (s *Store) Subscribe(ctx context.Context) (<-chan Update, string) {
	return s.fanout.subscribe(ctx)
}

// Unsubscribe ends a subscription and closes its channel.
func (s *Store) Unsubscribe(subID string) {
	s.fanout.unsubscribe(subID)
}

// Close ends every subscription.
func (s *Store) Close() {
	s.fanout.close()
}

// SessionConnected records the session metadata the agent reported.
func (s *Store) SessionConnected(f frame.Frame) {
	info := make(map[string]any, len(f.Metadata))
	for k, v := range f.Metadata {
		info[k] = v
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	s.fanout.publish(Update{Kind: UpdateSession, Session: info})
}

// AgentResponse appends the agent's reply.
func (s *Store) AgentResponse(f frame.Frame) {
	s.append(Entry{Role: RoleAgent, Content: f.Content, MessageID: f.MessageID()})
}

// AgentThinking sets the agent typing indicator.
func (s *Store) AgentThinking(active bool) {
	s.mu.Lock()
	changed := s.agentTyping != active
	s.agentTyping = active
	u := s.typingLocked()
	s.mu.Unlock()

	if changed {
		s.fanout.publish(u)
	}
}

// AgentError appends an error reported by the agent.
func (s *Store) AgentError(message string) {
	s.append(Entry{Role: RoleError, Content: message})
}

// ConnectionStatus records a connection state change. Entering the error
// state also appends the cause to the transcript so the user sees it once.
func (s *Store) ConnectionStatus(status string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	s.mu.Lock()
	s.status = status
	s.lastErr = errMsg
	if status != session.StateConnected.String() {
		s.agentTyping = false
	}
	s.mu.Unlock()

	s.fanout.publish(Update{Kind: UpdateStatus, Status: status, Err: errMsg})

	if status == session.StateError.String() && errMsg != "" {
		s.append(Entry{Role: RoleError, Content: "connection failed: " + errMsg})
	}
}

// UserMessage appends a message the user sent.
func (s *Store) UserMessage(id, content string) {
	s.append(Entry{ID: id, Role: RoleUser, Content: content})
}

// History returns the transcript as session messages.
func (s *Store) History(context.Context) ([]session.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]session.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message()
	}
	return out, nil
}

// SetUserTyping sets the local typing flag.
func (s *Store) SetUserTyping(active bool) {
	s.mu.Lock()
	changed := s.userTyping != active
	s.userTyping = active
	u := s.typingLocked()
	s.mu.Unlock()

	if changed {
		s.fanout.publish(u)
	}
}

// Entries returns a copy of the transcript.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// Status returns the last reported connection status and its error text.
func (s *Store) Status() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.lastErr
}

// Typing returns the agent and user typing flags.
func (s *Store) Typing() (agent, user bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentTyping, s.userTyping
}

// SessionInfo returns the metadata from the last session_connected frame.
func (s *Store) SessionInfo() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *Store) typingLocked() Update {
	return Update{Kind: UpdateTyping, AgentTyping: s.agentTyping, UserTyping: s.userTyping}
}

func (s *Store) append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.SessionID = s.sessionID
	e.At = time.Now()

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.persist.Append(ctx, e); err != nil {
			s.logger.Error("failed to persist transcript entry", "entry_id", e.ID, "error", err)
		}
		cancel()
	}

	s.fanout.publish(Update{Kind: UpdateEntry, Entry: &e})
}
