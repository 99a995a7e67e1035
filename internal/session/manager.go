// ABOUTME: Manager keeps one logical chat connection alive across the relay boundary.
// ABOUTME: A single loop goroutine owns all state; timers and relay results post back to it.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/frame"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/google/uuid"
)

// opsBuffer bounds how many loop operations can queue before posters block.
const opsBuffer = 128

// Relay is the send/receive primitive the manager drives. *relay.Channel
// implements it; tests substitute fakes.
type Relay interface {
	Call(ctx context.Context, action relay.Action, payload any, timeout time.Duration) (json.RawMessage, error)
	Notify(action relay.Action, payload any) error
	CancelAll(err error) int
	SetPushHandler(h relay.PushHandler)
}

// Message is one transcript entry as the store reports it.
type Message struct {
	ID      string
	Role    string
	Content string
	At      time.Time
}

// Store is the application collaborator that receives frames, status
// changes, and user input, and answers history queries.
type Store interface {
	frame.Handler
	ConnectionStatus(status string, err error)
	UserMessage(id, content string)
	History(ctx context.Context) ([]Message, error)
	SetUserTyping(active bool)
}

// Params configures a Manager.
type Params struct {
	Policy RetryPolicy

	// Session is generated when zero.
	Session Session

	// Relay opens the relay for the session's connection id.
	Relay func(connectionID string) Relay

	Store   Store
	Deduper frame.Deduper
	Logger  *slog.Logger
}

type connectPayload struct {
	SessionID string `json:"sessionId"`
}

// Manager is the connection state machine for one chat session.
type Manager struct {
	policy  RetryPolicy
	session Session
	relay   Relay
	store   Store
	router  *frame.Router
	hb      *HeartbeatMonitor
	queue   *Queue
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ops       chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// postMu guards closed. Posters hold it shared so Close can fence them out.
	postMu sync.RWMutex
	closed bool

	status atomic.Int32

	// Owned by the loop goroutine.
	state      State
	gen        uint64
	retryCount int
	sending    bool
	timer      *time.Timer
	waiters    []chan error
}

// New creates a Manager in the Disconnected state and starts its loop.
func New(p Params) (*Manager, error) {
	if err := p.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if p.Relay == nil {
		return nil, errors.New("relay opener is required")
	}

	sess := p.Session
	if sess.ID == "" {
		sess = NewSession()
	}
	if sess.ConnectionID == "" {
		sess = SessionFor(sess.ID)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "session_id", sess.ID)

	store := p.Store
	if store == nil {
		store = nopStore{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		policy:   p.Policy,
		session:  sess,
		relay:    p.Relay(sess.ConnectionID),
		store:    store,
		queue:    NewQueue(p.Policy.MaxSendAttempts),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(chan func(), opsBuffer),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    StateDisconnected,
	}

	m.hb = NewHeartbeatMonitor(p.Policy.HeartbeatInterval, p.Policy.MaxMissedHeartbeats,
		func(d time.Duration, fn func()) func() {
			t := m.after(m.gen, d, fn)
			return func() { t.Stop() }
		},
		m.sendPing,
		m.onHeartbeatExpired,
	)

	m.router = frame.NewRouter(store, logger)
	m.router.SetPongHandler(m.hb.Pong)
	if p.Deduper != nil {
		m.router.SetDeduper(p.Deduper)
	}

	m.relay.SetPushHandler(func(ev relay.Event) {
		m.post(func() { m.onPush(ev) })
	})

	go m.run()
	return m, nil
}

// Session returns the manager's identity.
func (m *Manager) Session() Session {
	return m.session
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.status.Load())
}

// Status returns the current connection state as a string.
func (m *Manager) Status() string {
	return m.State().String()
}

// Connect starts connecting if idle and waits until Connected or until the
// manager gives up. It is a no-op when already connected, and joins the
// attempt in progress when connecting or reconnecting.
func (m *Manager) Connect(ctx context.Context) error {
	ch := make(chan error, 1)
	err := m.do(ctx, func() {
		switch m.state {
		case StateConnected:
			ch <- nil
			return
		case StateDisconnected, StateError:
			m.begin()
		}
		m.waiters = append(m.waiters, ch)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrClosed
	}
}

// Disconnect stops the connection and disables auto-reconnect. Every
// queued and in-flight message is rejected before it returns. Calling it
// again is harmless.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, m.disconnect)
}

// Enqueue queues content for delivery and returns its handle. It connects
// first if the manager is idle.
func (m *Manager) Enqueue(content string) *Pending {
	p := newPending(uuid.NewString())
	if strings.TrimSpace(content) == "" {
		p.settle(ErrEmptyMessage)
		return p
	}
	if !m.post(func() { m.enqueue(p, content) }) {
		p.settle(ErrClosed)
	}
	return p
}

// SendMessage queues content and waits for it to be delivered or rejected.
func (m *Manager) SendMessage(ctx context.Context, content string) error {
	return m.Enqueue(content).Wait(ctx)
}

// GetHistory returns the store's transcript.
func (m *Manager) GetHistory(ctx context.Context) ([]Message, error) {
	return m.store.History(ctx)
}

// StartTyping marks the local user as typing.
func (m *Manager) StartTyping() {
	m.store.SetUserTyping(true)
}

// StopTyping clears the local typing flag.
func (m *Manager) StopTyping() {
	m.store.SetUserTyping(false)
}

// Close disconnects and stops the loop. Every message still queued, and
// every Connect still waiting, fails with ErrClosed. Later calls fail with
// ErrClosed too.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.postMu.Lock()
		m.closed = true
		m.postMu.Unlock()

		// Nothing can be posted after this, so shutdown runs last.
		m.ops <- m.shutdown
		close(m.quit)
		m.cancel()
		<-m.loopDone
	})
	return nil
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.quit:
			for {
				select {
				case fn := <-m.ops:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post schedules fn on the loop. It reports false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.closed {
		return false
	}
	m.ops <- fn
	return true
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrClosed
	}
}

// after runs fn on the loop after d, unless the generation has moved on.
func (m *Manager) after(gen uint64, d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		m.post(func() {
			if gen != m.gen {
				return
			}
			fn()
		})
	})
}

func (m *Manager) setState(s State, cause error) {
	if s == m.state && cause == nil {
		return
	}
	prev := m.state
	m.state = s
	m.status.Store(int32(s))

	if cause != nil {
		m.logger.Info("connection state changed", "from", prev, "to", s, "cause", cause)
	} else {
		m.logger.Info("connection state changed", "from", prev, "to", s)
	}
	m.store.ConnectionStatus(s.String(), cause)
}

func (m *Manager) notifyWaiters(err error) {
	for _, ch := range m.waiters {
		ch <- err
	}
	m.waiters = nil
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// begin starts a fresh connection cycle from Disconnected or Error.
func (m *Manager) begin() {
	m.retryCount = 0
	m.startAttempt()
}

func (m *Manager) startAttempt() {
	m.gen++
	gen := m.gen
	m.setState(StateConnecting, nil)

	payload := connectPayload{SessionID: m.session.ID}
	timeout := m.policy.ConnectionTimeout
	go func() {
		_, err := m.relay.Call(m.ctx, relay.ActionConnect, payload, timeout)
		m.post(func() { m.onConnectResult(gen, err) })
	}()
}

func (m *Manager) onConnectResult(gen uint64, err error) {
	if gen != m.gen {
		m.logger.Debug("ignoring stale connect result", "generation", gen, "current", m.gen)
		return
	}

	if err == nil {
		m.retryCount = 0
		m.setState(StateConnected, nil)
		m.hb.Start()
		m.notifyWaiters(nil)
		m.drain()
		return
	}

	if !relay.IsRetryable(err) {
		m.fail(err)
		return
	}
	m.logger.Warn("connect attempt failed", "attempt", m.retryCount+1, "error", err)
	m.scheduleReconnect(err)
}

func (m *Manager) scheduleReconnect(cause error) {
	m.hb.Stop()
	if m.retryCount >= m.policy.MaxRetries {
		m.fail(fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, m.retryCount+1, cause))
		return
	}

	delay := m.policy.Backoff(m.retryCount)
	m.setState(StateReconnecting, cause)
	m.logger.Info("scheduling reconnect", "retry", m.retryCount+1, "delay", delay)

	m.cancelTimer()
	m.timer = m.after(m.gen, delay, func() {
		m.timer = nil
		m.retryCount++
		m.startAttempt()
	})
}

// dropConnection leaves Connected after a transport loss or heartbeat expiry.
func (m *Manager) dropConnection(cause error) {
	m.gen++
	m.hb.Stop()
	m.queue.Requeue()
	m.sending = false
	m.scheduleReconnect(cause)
}

// fail enters the terminal Error state.
func (m *Manager) fail(err error) {
	m.gen++
	m.cancelTimer()
	m.hb.Stop()
	m.relay.CancelAll(err)
	if n := m.queue.RejectAll(err); n > 0 {
		m.logger.Warn("rejected queued messages", "count", n, "error", err)
	}
	m.sending = false
	m.setState(StateError, err)
	m.notifyWaiters(err)
}

func (m *Manager) disconnect() {
	m.stop(ErrManualDisconnect)
}

// shutdown is the last operation the loop runs before Close returns.
func (m *Manager) shutdown() {
	m.stop(ErrClosed)
}

// stop drops to Disconnected and rejects all outstanding work with cause.
func (m *Manager) stop(cause error) {
	active := m.state == StateConnected || m.state == StateConnecting
	if m.state == StateDisconnected && m.queue.Len() == 0 && len(m.waiters) == 0 {
		return
	}

	m.gen++
	m.cancelTimer()
	m.hb.Stop()
	m.relay.CancelAll(cause)
	if n := m.queue.RejectAll(cause); n > 0 {
		m.logger.Debug("rejected queued messages", "count", n, "error", cause)
	}
	m.sending = false

	if active {
		r := m.relay
		go func() {
			if err := r.Notify(relay.ActionDisconnect, nil); err != nil {
				m.logger.Debug("disconnect notify failed", "error", err)
			}
		}()
	}

	m.setState(StateDisconnected, nil)
	m.notifyWaiters(cause)
}

func (m *Manager) enqueue(p *Pending, content string) {
	m.store.UserMessage(p.ID, content)
	m.queue.Enqueue(&QueuedMessage{
		ID:      p.ID,
		Payload: frame.UserMessage(m.session.ID, p.ID, content),
		pending: p,
	})

	switch m.state {
	case StateConnected:
		m.drain()
	case StateDisconnected, StateError:
		m.begin()
	}
}

// drain sends the queue head if connected and nothing is in flight.
func (m *Manager) drain() {
	if m.state != StateConnected || m.sending {
		return
	}
	msg := m.queue.Next()
	if msg == nil {
		return
	}
	m.sending = true

	gen := m.gen
	timeout := m.policy.SendTimeout
	go func() {
		_, err := m.relay.Call(m.ctx, relay.ActionSend, msg.Payload, timeout)
		m.post(func() { m.onSendResult(gen, msg, err) })
	}()
}

func (m *Manager) onSendResult(gen uint64, msg *QueuedMessage, err error) {
	if gen != m.gen || m.queue.InFlight() != msg {
		return
	}
	m.sending = false

	switch {
	case err == nil:
		m.queue.Ack()
	case !relay.IsRetryable(err):
		m.fail(err)
		return
	default:
		if m.queue.Fail(err) {
			m.logger.Warn("message rejected", "message_id", msg.ID, "attempts", msg.Attempts, "error", err)
		} else {
			m.logger.Debug("send failed, requeued", "message_id", msg.ID, "attempts", msg.Attempts, "error", err)
		}
	}
	m.drain()
}

func (m *Manager) sendPing() {
	timeout := m.policy.HeartbeatInterval
	go func() {
		if _, err := m.relay.Call(m.ctx, relay.ActionPing, frame.Ping(), timeout); err != nil {
			m.logger.Debug("ping failed", "error", err)
		}
	}()
}

func (m *Manager) onHeartbeatExpired(missed int) {
	m.logger.Warn("heartbeat expired, forcing reconnect", "missed", missed)
	m.dropConnection(fmt.Errorf("%w: %d pings unanswered", ErrHeartbeatTimeout, missed))
}

func (m *Manager) onPush(ev relay.Event) {
	switch ev.Event {
	case relay.EventMessage:
		m.router.Route(ev.Data)

	case relay.EventPong:
		m.hb.Pong()

	case relay.EventDisconnect, relay.EventError:
		if code, msg := pushError(ev); code == relay.CodeBoundaryInvalid {
			if m.state == StateDisconnected || m.state == StateError {
				return
			}
			m.logger.Warn("relay host is gone", "reason", msg)
			m.fail(fmt.Errorf("%s: %w", msg, relay.ErrBoundaryInvalid))
			return
		}
		if m.state != StateConnected {
			m.logger.Debug("ignoring transport event outside connected state", "event", ev.Event, "state", m.state)
			return
		}
		cause := pushCause(ev)
		m.logger.Warn("connection lost", "error", cause)
		m.dropConnection(cause)

	default:
		m.logger.Debug("ignoring push event", "event", ev.Event)
	}
}

func pushError(ev relay.Event) (code, message string) {
	var ed relay.ErrorData
	if err := json.Unmarshal(ev.Data, &ed); err != nil {
		return "", ""
	}
	return ed.Code, ed.Message
}

func pushCause(ev relay.Event) error {
	if _, msg := pushError(ev); msg != "" {
		return fmt.Errorf("%s: %s", ev.Event, msg)
	}
	return fmt.Errorf("%s event from host", ev.Event)
}

type nopStore struct{}

func (nopStore) SessionConnected(frame.Frame)               {}
func (nopStore) AgentResponse(frame.Frame)                  {}
func (nopStore) AgentThinking(bool)                         {}
func (nopStore) AgentError(string)                          {}
func (nopStore) ConnectionStatus(string, error)             {}
func (nopStore) UserMessage(string, string)                 {}
func (nopStore) History(context.Context) ([]Message, error) { return nil, nil }
func (nopStore) SetUserTyping(bool)                         {}
