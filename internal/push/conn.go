package push

import (
	"sync"

	"github.com/gorilla/websocket"
)

// conn is one client connection. The write mutex serialises frames from the
// handler goroutines and broadcast fan-out; gorilla sockets allow a single
// concurrent writer.
type conn struct {
	id     string
	ws     *websocket.Conn
	claims *Claims // nil when auth is disabled

	writeMu sync.Mutex
	closed  bool
}

// send encodes and writes one frame. Returns false once the socket has
// failed; the server unregisters on the first failed send.
func (c *conn) send(env *Envelope) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return false
	}
	if err := c.ws.WriteJSON(env); err != nil {
		c.closed = true
		return false
	}
	return true
}

// close sends a close frame and shuts the socket. Safe to call twice.
func (c *conn) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

// userID is the authenticated principal or "anonymous".
func (c *conn) userID() string {
	if c.claims == nil {
		return "anonymous"
	}
	return c.claims.UserID
}
