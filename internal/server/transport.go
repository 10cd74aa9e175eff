package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errTransportClosed = errors.New("transport closed")

// DefaultWriteTimeout bounds a single frame write on either transport.
const DefaultWriteTimeout = 10 * time.Second

// sseTransport writes frames to a text event stream response.
//
// The handler goroutine owns the ResponseWriter; broadcaster goroutines
// write through it while the handler waits. close blocks until any write in
// progress finishes so nothing touches the writer after the handler returns.
//
// Every write carries a deadline. A client that stops reading fails the
// write instead of stalling the broadcaster.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool
}

func newSSETransport(w http.ResponseWriter, timeout time.Duration) *sseTransport {
	return &sseTransport{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: timeout,
	}
}

func (t *sseTransport) WriteEvent(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	err := t.rc.SetWriteDeadline(time.Now().Add(t.timeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	return t.rc.Flush()
}

// close stops further writes and clears the deadline so the server can
// finish the response.
func (t *sseTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	_ = t.rc.SetWriteDeadline(time.Time{})
}

// wsTransport writes each frame as one text message.
type wsTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
	closed  bool
}

func (t *wsTransport) WriteEvent(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = t.conn.Close()
}
