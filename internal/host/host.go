// ABOUTME: Host is the privileged side of the relay: it owns one websocket per connection id.
// ABOUTME: It reads relay requests line by line and writes correlated replies and pushes.

package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/frame"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/gorilla/websocket"
)

const (
	maxRequestSize = 1 << 20
	workerBuffer   = 64
)

// Error codes carried in error events.
const (
	CodeDialFailed    = "dial_failed"
	CodeNotConnected  = "not_connected"
	CodeWriteFailed   = "write_failed"
	CodeBadRequest    = "bad_request"
	CodeUnknownAction = "unknown_action"
	CodeSocketClosed  = "socket_closed"
)

// Config holds the host's dial settings.
type Config struct {
	AgentURL string

	// Signer mints a bearer token per dial. Nil dials anonymously.
	Signer *auth.Signer

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// ConfigFrom derives host settings from the loaded configuration. A token
// secret enables signed dials.
func ConfigFrom(cfg *config.Config) Config {
	hc := Config{
		AgentURL:         cfg.Agent.URL,
		HandshakeTimeout: cfg.Agent.HandshakeTimeout,
		WriteTimeout:     cfg.Retry.SendTimeout,
	}
	if cfg.Agent.TokenSecret != "" {
		hc.Signer = auth.NewSigner([]byte(cfg.Agent.TokenSecret), cfg.Agent.TokenTTL)
	}
	return hc
}

// Host serves relay requests from one embedded peer.
type Host struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	enc   *json.Encoder
	encMu sync.Mutex

	mu      sync.Mutex
	sockets map[string]*socket
	workers map[string]chan relay.Request
	wg      sync.WaitGroup
	pumps   sync.WaitGroup
}

// New creates a Host.
func New(cfg Config, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Host{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:  logger.With("component", "host"),
		sockets: make(map[string]*socket),
		workers: make(map[string]chan relay.Request),
	}
}

// Serve reads requests from r and writes events to w until r reaches EOF
// or ctx is done. Requests for one connection id are handled in order;
// different connection ids proceed independently. All sockets are closed
// before Serve returns.
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	h.enc = json.NewEncoder(w)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	requests := make(chan relay.Request)
	errc := make(chan error, 1)
	go func() { errc <- h.readRequests(ctx, r, requests) }()

	h.logger.Info("relay host serving", "agent_url", h.cfg.AgentURL)

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				h.shutdown(cancel)
				return <-errc
			}
			h.dispatch(ctx, req)
		case <-ctx.Done():
			h.shutdown(cancel)
			return ctx.Err()
		}
	}
}

func (h *Host) readRequests(ctx context.Context, r io.Reader, out chan<- relay.Request) error {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req relay.Request
		if err := json.Unmarshal(line, &req); err != nil {
			h.logger.Warn("dropping malformed request", "error", err)
			continue
		}
		if req.ConnectionID == "" {
			h.logger.Warn("dropping request without connection id", "action", req.Action)
			continue
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

func (h *Host) dispatch(ctx context.Context, req relay.Request) {
	h.mu.Lock()
	ch, ok := h.workers[req.ConnectionID]
	if !ok {
		ch = make(chan relay.Request, workerBuffer)
		h.workers[req.ConnectionID] = ch
		h.wg.Add(1)
		go h.work(ctx, ch)
	}
	h.mu.Unlock()

	select {
	case ch <- req:
	case <-ctx.Done():
	}
}

func (h *Host) work(ctx context.Context, requests <-chan relay.Request) {
	defer h.wg.Done()
	for req := range requests {
		h.handle(ctx, req)
	}
}

func (h *Host) shutdown(cancel context.CancelFunc) {
	cancel()

	h.mu.Lock()
	for id, ch := range h.workers {
		close(ch)
		delete(h.workers, id)
	}
	h.mu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	sockets := h.sockets
	h.sockets = make(map[string]*socket)
	h.mu.Unlock()

	for _, s := range sockets {
		s.close()
	}
	h.pumps.Wait()
	h.logger.Info("relay host stopped", "closed_sockets", len(sockets))
}

func (h *Host) handle(ctx context.Context, req relay.Request) {
	logger := h.logger.With("connection_id", req.ConnectionID, "action", req.Action)
	logger.Debug("handling request", "correlation_id", req.CorrelationID)

	switch req.Action {
	case relay.ActionConnect:
		h.connect(ctx, req, logger)
	case relay.ActionSend:
		h.write(req, req.Payload, false, logger)
	case relay.ActionPing:
		payload := req.Payload
		if len(payload) == 0 {
			payload = relay.MustMarshal(frame.Ping())
		}
		h.write(req, payload, true, logger)
	case relay.ActionDisconnect:
		if s := h.detach(req.ConnectionID, nil); s != nil {
			s.close()
			logger.Info("socket closed on request")
		}
		if req.CorrelationID != "" {
			h.reply(req, relay.EventAck, nil)
		}
	default:
		h.fail(req, CodeUnknownAction, fmt.Sprintf("unknown action %q", req.Action))
	}
}

type connectPayload struct {
	SessionID string `json:"sessionId"`
}

func (h *Host) connect(ctx context.Context, req relay.Request, logger *slog.Logger) {
	// Reconnecting replaces whatever socket this id had.
	if old := h.detach(req.ConnectionID, nil); old != nil {
		old.close()
		logger.Debug("replaced existing socket")
	}

	var p connectPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			h.fail(req, CodeBadRequest, "invalid connect payload: "+err.Error())
			return
		}
	}
	if p.SessionID == "" {
		p.SessionID = strings.TrimPrefix(req.ConnectionID, "conn-")
	}

	target, err := dialURL(h.cfg.AgentURL, req.ConnectionID)
	if err != nil {
		h.fail(req, CodeDialFailed, err.Error())
		return
	}

	header := http.Header{}
	if h.cfg.Signer != nil {
		token, err := h.cfg.Signer.Issue(p.SessionID, req.ConnectionID)
		if err != nil {
			h.fail(req, CodeDialFailed, "issuing token: "+err.Error())
			return
		}
		header = auth.Header(token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	ws, resp, err := h.dialer.DialContext(dialCtx, target, header)
	if err != nil {
		msg := err.Error()
		if resp != nil {
			msg = fmt.Sprintf("%s (HTTP %d)", msg, resp.StatusCode)
		}
		logger.Warn("dial failed", "error", msg)
		h.fail(req, CodeDialFailed, msg)
		return
	}

	s := newSocket(ws)
	ws.SetPongHandler(func(string) error {
		h.emit(relay.Event{ConnectionID: req.ConnectionID, Event: relay.EventPong})
		return nil
	})

	h.mu.Lock()
	h.sockets[req.ConnectionID] = s
	h.mu.Unlock()

	logger.Info("socket connected", "url", target)
	h.reply(req, relay.EventConnect, relay.MustMarshal(map[string]string{"url": target}))

	h.pumps.Add(1)
	go h.readPump(req.ConnectionID, s)
}

func (h *Host) write(req relay.Request, payload json.RawMessage, ping bool, logger *slog.Logger) {
	if len(payload) == 0 {
		h.fail(req, CodeBadRequest, "empty payload")
		return
	}

	h.mu.Lock()
	s := h.sockets[req.ConnectionID]
	h.mu.Unlock()

	if s == nil {
		h.fail(req, CodeNotConnected, "not connected")
		return
	}

	if ping {
		if err := s.ping(h.cfg.WriteTimeout); err != nil {
			logger.Debug("control ping failed", "error", err)
		}
	}
	if err := s.write(payload, h.cfg.WriteTimeout); err != nil {
		logger.Warn("write failed", "error", err)
		h.fail(req, CodeWriteFailed, err.Error())
		return
	}
	h.reply(req, relay.EventAck, nil)
}

func (h *Host) readPump(connectionID string, s *socket) {
	defer h.pumps.Done()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			h.detach(connectionID, s)
			s.close()

			code := CodeSocketClosed
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = fmt.Sprintf("close_%d", ce.Code)
			}
			h.logger.Warn("socket lost", "connection_id", connectionID, "error", err)
			h.emit(relay.Event{
				ConnectionID: connectionID,
				Event:        relay.EventDisconnect,
				Data:         relay.MustMarshal(relay.ErrorData{Message: err.Error(), Code: code}),
			})
			return
		}

		h.emit(relay.Event{
			ConnectionID: connectionID,
			Event:        relay.EventMessage,
			Data:         messageData(data),
		})
	}
}

// messageData forwards a socket frame as JSON: objects pass through, and
// anything else travels as a JSON string.
func messageData(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return relay.MustMarshal(string(data))
}

// detach removes the socket for id. With want set, only that socket is removed.
func (h *Host) detach(id string, want *socket) *socket {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[id]
	if !ok || (want != nil && s != want) {
		return nil
	}
	delete(h.sockets, id)
	return s
}

func (h *Host) reply(req relay.Request, kind relay.EventKind, data json.RawMessage) {
	h.emit(relay.Event{
		ConnectionID:  req.ConnectionID,
		CorrelationID: req.CorrelationID,
		Event:         kind,
		Data:          data,
	})
}

func (h *Host) fail(req relay.Request, code, message string) {
	if req.CorrelationID == "" {
		h.logger.Warn("request failed", "connection_id", req.ConnectionID, "action", req.Action, "code", code, "error", message)
		return
	}
	h.reply(req, relay.EventError, relay.MustMarshal(relay.ErrorData{Message: message, Code: code}))
}

func (h *Host) emit(ev relay.Event) {
	h.encMu.Lock()
	defer h.encMu.Unlock()
	if err := h.enc.Encode(ev); err != nil {
		h.logger.Error("failed to write event", "event", ev.Event, "error", err)
	}
}

func dialURL(base, connectionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid agent url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("agent url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("session", connectionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
