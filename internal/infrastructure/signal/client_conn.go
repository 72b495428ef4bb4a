package signal

import (
	"sync"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/wire"

	"github.com/gorilla/websocket"
)

// clientConn wraps one signaling connection. All outbound frames funnel
// through the send channel and a single write pump, which is what gives the
// relay its per-sender FIFO guarantee.
type clientConn struct {
	id   domain.ParticipantID
	conn *websocket.Conn

	// roomID is touched only by this connection's read loop.
	roomID domain.RoomID

	send   chan wire.Envelope
	mu     sync.Mutex
	closed bool
}

func newClientConn(id domain.ParticipantID, conn *websocket.Conn, sendBuffer int) *clientConn {
	return &clientConn{
		id:   id,
		conn: conn,
		send: make(chan wire.Envelope, sendBuffer),
	}
}

// enqueue hands a frame to the write pump. Returns false when the connection
// is closed or the buffer is full (stalled consumer).
func (c *clientConn) enqueue(env wire.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *clientConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *clientConn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
