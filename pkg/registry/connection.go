package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Application close codes for the long-lived endpoints. 4xxx codes are
// in the private range the RFC reserves for applications.
const (
	CloseUnauthorized       websocket.StatusCode = 4401
	CloseTooManyConnections websocket.StatusCode = 4429
)

// Connection is one live WebSocket client. The reader loop and the
// writer loop are the only goroutines touching the socket; everything
// else communicates through the bounded send queue.
type Connection struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	connectedAt  time.Time
	lastActivity atomic.Int64

	// closed flips once when the manager drops the connection, so a
	// slow-consumer removal and a read-loop exit do not race.
	closed atomic.Bool
}

// NewConnection wraps an accepted socket. The connection is inert until
// the manager registers it and starts its loops.
func NewConnection(parent context.Context, userID string, conn *websocket.Conn, queueSize int) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		conn:        conn,
		send:        make(chan []byte, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
	c.Touch()
	return c
}

// Touch records inbound activity for the idle bookkeeping.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the instant of the most recent inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConnectedAt returns when the socket was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// enqueue offers data to the send queue without blocking. A false
// return means the queue is full and the connection must be dropped as
// a slow consumer.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WriteDirect writes straight to the socket, bypassing the send queue.
// Only valid before the writer loop starts (offline-queue drain during
// connect), while the caller is still the sole writer.
func (c *Connection) WriteDirect(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}
