package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn abstracts a server-side WebSocket connection so the manager and its
// tests do not depend on the wire library directly.
type Conn interface {
	// Write sends one text frame. Safe for concurrent use.
	Write(data []byte) error
	// Close sends a close frame with the given status and closes the socket.
	Close(code int, reason string) error
	// RemoteAddr returns the peer address, used to derive client IDs.
	RemoteAddr() string
}

// gobwasConn adapts a raw net.Conn upgraded with gobwas/ws. Frame writes are
// serialized with a mutex since wsutil writers are not concurrency safe.
type gobwasConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewConn wraps an upgraded net.Conn as a transport Conn.
func NewConn(conn net.Conn) Conn {
	return &gobwasConn{conn: conn}
}

func (c *gobwasConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *gobwasConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	ws.WriteFrame(c.conn, frame)
	return c.conn.Close()
}

func (c *gobwasConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ConnectionState tracks a registered client connection. Activity and
// disconnect flags are atomics so the send path and the background workers
// never contend on a lock for them.
type ConnectionState struct {
	ClientID    string
	Conn        Conn
	ConnectedAt time.Time

	lastMessageUnixNano int64 // atomic
	retryCount          int32 // atomic
	disconnected        int32 // atomic bool
}

// NewConnectionState wraps a connection for registration.
func NewConnectionState(clientID string, conn Conn) *ConnectionState {
	s := &ConnectionState{
		ClientID:    clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	s.Touch()
	return s
}

// Touch records message activity on the connection.
func (s *ConnectionState) Touch() {
	atomic.StoreInt64(&s.lastMessageUnixNano, time.Now().UnixNano())
}

// LastMessage returns the time of the most recent activity.
func (s *ConnectionState) LastMessage() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastMessageUnixNano))
}

// IsTimeout reports whether the connection has been idle past the limit.
func (s *ConnectionState) IsTimeout(limit time.Duration) bool {
	return time.Since(s.LastMessage()) > limit
}

// MarkRetry counts a consecutive failed send on this connection.
func (s *ConnectionState) MarkRetry() {
	atomic.AddInt32(&s.retryCount, 1)
}

// ResetRetries clears the consecutive-failure counter after a successful send.
func (s *ConnectionState) ResetRetries() {
	atomic.StoreInt32(&s.retryCount, 0)
}

// RetryCount returns the consecutive send failures on this connection.
func (s *ConnectionState) RetryCount() int {
	return int(atomic.LoadInt32(&s.retryCount))
}

// MarkDisconnected flags the connection as dead; queued messages for it are
// held until the cleanup or retry workers decide their fate.
func (s *ConnectionState) MarkDisconnected() {
	atomic.StoreInt32(&s.disconnected, 1)
}

// Disconnected reports whether the connection has been marked dead.
func (s *ConnectionState) Disconnected() bool {
	return atomic.LoadInt32(&s.disconnected) == 1
}
