// ABOUTME: Echo agent: a websocket endpoint speaking the chat frame protocol, for tests and demos.
// ABOUTME: Replies to user messages with markdown, answers pings, and can simulate faults.

package echoagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/frame"
	"github.com/gorilla/websocket"
)

// Options configures an Agent.
type Options struct {
	Name string

	// Signer verifies the bearer token on upgrade. Nil accepts anyone.
	Signer *auth.Signer

	// ThinkDelay is how long the agent "thinks" before replying.
	ThinkDelay time.Duration

	// ReplayOnResume resends the last reply when a session reconnects.
	ReplayOnResume bool

	Logger *slog.Logger
}

// Received is a user message the agent got.
type Received struct {
	SessionID string
	MessageID string
	Content   string
}

// Agent is an http.Handler serving the echo agent.
type Agent struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	dropPongs atomic.Bool

	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	lastReply map[string]frame.Frame
	received  []Received
	dials     int
}

// New creates an Agent.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "Echo Agent"
	}
	return &Agent{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    logger.With("component", "echoagent"),
		conns:     make(map[*websocket.Conn]struct{}),
		lastReply: make(map[string]frame.Frame),
	}
}

// SetDropPongs makes the agent ignore pings, both frames and control pings.
func (a *Agent) SetDropPongs(drop bool) {
	a.dropPongs.Store(drop)
}

// DropAll closes every open socket without a close handshake.
func (a *Agent) DropAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.conns {
		_ = c.Close()
	}
	return len(a.conns)
}

// Received returns the user messages seen so far.
func (a *Agent) Received() []Received {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Received(nil), a.received...)
}

// Dials returns how many sockets have been accepted.
func (a *Agent) Dials() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

// ServeHTTP upgrades the request and runs the session.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}

	if a.opts.Signer != nil {
		claims, err := a.opts.Signer.VerifyRequest(r)
		if err != nil {
			a.logger.Warn("rejected dial", "session", sessionID, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.ConnectionID != "" && claims.ConnectionID != sessionID {
			http.Error(w, "token does not match session", http.StatusForbidden)
			return
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.dials++
	last, resumed := a.lastReply[sessionID]
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		_ = conn.Close()
	}()

	conn.SetPingHandler(func(data string) error {
		if a.dropPongs.Load() {
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	logger := a.logger.With("session", sessionID)
	logger.Info("session connected", "resumed", resumed)

	if err := a.write(conn, frame.Frame{
		Type: frame.TypeSessionConnected,
		Metadata: frame.Metadata{
			"session_id": sessionID,
			"agent":      a.opts.Name,
			"resumed":    resumed,
		},
	}); err != nil {
		return
	}
	if resumed && a.opts.ReplayOnResume {
		if err := a.write(conn, last); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("session ended", "error", err)
			return
		}
		if err := a.handle(conn, sessionID, data); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
	}
}

func (a *Agent) handle(conn *websocket.Conn, sessionID string, data []byte) error {
	var in frame.Outbound
	if err := json.Unmarshal(data, &in); err != nil {
		return a.write(conn, frame.Frame{Type: frame.TypeError, Content: "invalid frame"})
	}

	switch in.Type {
	case frame.TypePing:
		if a.dropPongs.Load() {
			return nil
		}
		return a.write(conn, frame.Frame{Type: frame.TypePong})

	case frame.TypeUserMessage:
		a.mu.Lock()
		a.received = append(a.received, Received{SessionID: sessionID, MessageID: in.MessageID, Content: in.Content})
		a.mu.Unlock()

		if err := a.write(conn, frame.Frame{
			Type:     frame.TypeAgentThinking,
			Metadata: frame.Metadata{"thinking": true},
		}); err != nil {
			return err
		}
		if a.opts.ThinkDelay > 0 {
			time.Sleep(a.opts.ThinkDelay)
		}

		reply := frame.Frame{
			Type:     frame.TypeAgentResponse,
			Content:  Reply(in.Content),
			Metadata: frame.Metadata{"message_id": "reply-" + in.MessageID},
		}
		a.mu.Lock()
		a.lastReply[sessionID] = reply
		a.mu.Unlock()
		return a.write(conn, reply)

	default:
		return a.write(conn, frame.Frame{
			Type:     frame.TypeError,
			Metadata: frame.Metadata{"message": fmt.Sprintf("unsupported frame type %q", in.Type)},
		})
	}
}

func (a *Agent) write(conn *websocket.Conn, f frame.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

// Reply is the echo agent's answer to input.
func Reply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
