package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnectionClosed is returned by Send after the connection closed.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrSendQueueFull is returned by Send when the client is not draining
	// its frames fast enough.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Connection represents a single WebSocket client connection. Outbound
// frames go through a bounded queue drained by a dedicated writer goroutine,
// so Send never blocks on the network.
type Connection struct {
	id        string
	conn      net.Conn
	remoteIP  string
	createdAt time.Time

	lastActivity atomic.Int64 // unix nanos of the last frame read
	send         chan []byte
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes frame writes to conn

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(id string, conn net.Conn, remoteIP string, queueSize int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		conn:         conn,
		remoteIP:     remoteIP,
		createdAt:    time.Now(),
		send:         make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection id (UUID).
func (c *Connection) ID() string { return c.id }

// RemoteIP returns the client address the connection was accepted from.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// Send queues a text frame. It fails immediately when the connection is
// closed or its queue is full.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close closes the underlying network connection. It is safe to call more
// than once; the reader goroutine notices and unregisters the connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the last frame was read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// writeLoop drains the send queue until the connection closes. A failed
// write closes the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.writeFrame(func() error {
				return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
			}); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// WriteControl sends a control frame (ping, pong, close) ahead of any queued
// text frames.
func (c *Connection) WriteControl(f ws.Frame) error {
	return c.writeFrame(func() error { return ws.WriteFrame(c.conn, f) })
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.WriteControl(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(write func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return write()
}

// ConnectionManager is a thread-safe index of live connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove forgets a connection. Returns true if the connection was found and
// removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
