package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// conn serializes outbound writes for one call socket through a single
// writer goroutine. Enqueue after close is a silent drop; the defensive
// check keeps late synthesis output off a dead socket.
type conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		sendCh: make(chan []byte, 256),
	}
}

func (c *conn) enqueue(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.sendCh <- b:
	default:
		// Outbound buffer full: drop rather than stall the session.
	}
	return nil
}

func (c *conn) writeLoop() {
	for msg := range c.sendCh {
		_ = c.ws.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	return c.ws.Close()
}
