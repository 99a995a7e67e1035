// ABOUTME: Router dispatches decoded inbound frames to the application store.
// ABOUTME: Malformed, unknown, and replayed frames are logged and dropped.

package frame

import (
	"errors"
	"log/slog"
)

// Handler is the application-side collaborator that receives frames.
type Handler interface {
	SessionConnected(f Frame)
	AgentResponse(f Frame)
	AgentThinking(active bool)
	AgentError(message string)
}

// Deduper reports whether key was already seen, marking it otherwise.
type Deduper interface {
	CheckAndMark(key string) bool
}

// Router decodes frames and dispatches each to exactly one handler method.
// It is not safe for concurrent use; callers route from a single goroutine
// so frames are handled in arrival order.
type Router struct {
	handler Handler
	onPong  func()
	dedupe  Deduper
	logger  *slog.Logger
}

// NewRouter creates a Router that forwards to handler.
func NewRouter(handler Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handler: handler,
		logger:  logger.With("component", "frame.router"),
	}
}

// SetPongHandler sets the hook that consumes pong frames.
func (r *Router) SetPongHandler(fn func()) {
	r.onPong = fn
}

// SetDeduper enables replay suppression by metadata.message_id.
func (r *Router) SetDeduper(d Deduper) {
	r.dedupe = d
}

// Route decodes data and dispatches it. It reports whether the frame was
// handled; it never returns an error because a bad frame must not take the
// channel down.
func (r *Router) Route(data []byte) bool {
	f, err := Decode(data)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			r.logger.Warn("dropping frame with unknown type", "type", f.Type)
		} else {
			r.logger.Warn("dropping malformed frame", "error", err)
		}
		return false
	}

	if r.dedupe != nil {
		if id := f.MessageID(); id != "" && r.dedupe.CheckAndMark(string(f.Type)+":"+id) {
			r.logger.Debug("dropping replayed frame", "type", f.Type, "message_id", id)
			return false
		}
	}

	switch f.Type {
	case TypeSessionConnected:
		r.logger.Info("session connected", "session_id", f.Metadata.String("session_id"))
		r.handler.SessionConnected(f)

	case TypeAgentResponse:
		r.handler.AgentResponse(f)
		r.handler.AgentThinking(false)

	case TypeAgentThinking:
		r.handler.AgentThinking(thinking(f))

	case TypeError:
		msg := f.Content
		if msg == "" {
			msg = f.Metadata.String("message")
		}
		if msg == "" {
			msg = "agent reported an error"
		}
		r.handler.AgentError(msg)
		r.handler.AgentThinking(false)

	case TypeToolCall:
		r.logger.Debug("tool call",
			"tool", f.Metadata.String("name"),
			"content", f.Content,
		)

	case TypePong:
		if r.onPong != nil {
			r.onPong()
		}
	}
	return true
}

// thinking reads the indicator state. Agents send either a metadata flag or
// nothing at all, which means "started".
func thinking(f Frame) bool {
	if b, ok := f.Metadata.Bool("thinking"); ok {
		return b
	}
	return f.Content != "false"
}
