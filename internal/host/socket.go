// ABOUTME: socket wraps one agent websocket with serialized writes.
// ABOUTME: A socket closed on purpose never reports a disconnect.

package host

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type socket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closing atomic.Bool
}

func newSocket(ws *websocket.Conn) *socket {
	return &socket{ws: ws}
}

func (s *socket) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) ping(timeout time.Duration) error {
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close sends a close frame and tears the connection down. Safe to call
// more than once.
func (s *socket) close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.ws.Close()
}
