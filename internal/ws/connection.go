package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// UserID stays empty until the authentication handshake succeeds; an empty
// UserID connection receives nothing but auth responses and pongs.
type Connection struct {
	ID           string     // connection ID (UUID)
	Conn         net.Conn   // underlying TCP connection
	Fd           int        // file descriptor for epoll lookups
	RemoteAddr   string     // client address captured at upgrade time
	CreatedAt    time.Time  // when the connection was established
	LastPing     time.Time  // last heartbeat received from the client
	userID       string     // bound identity, guarded by stateMu
	authFailures int        // failed handshake attempts, guarded by stateMu
	stateMu      sync.Mutex // guards userID and authFailures
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// UserID returns the bound user identity, or "" while unauthenticated.
func (c *Connection) UserID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.userID
}

// BindUser records the authenticated identity on the connection. It returns
// false if the connection was already bound.
func (c *Connection) BindUser(userID string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.userID != "" {
		return false
	}
	c.userID = userID
	return true
}

// RecordAuthFailure increments the failed handshake counter and returns the
// new total, so the caller can enforce the bounded-attempts policy.
func (c *Connection) RecordAuthFailure() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.authFailures++
	return c.authFailures
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs, file
// descriptors, and user identities to their Connection objects. A user may
// hold several simultaneous connections (multi-device); they are kept in a
// per-user set so delivery reaches every device.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in the ID and fd lookup maps. The user map
// is only touched once the connection authenticates via Bind.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Bind adds an authenticated connection to its user's delivery set and
// returns the number of live connections the user now has on this instance.
// It reports false when the connection is no longer registered: a handshake
// that resolved after the heartbeat evicted the connection must not
// resurrect it into the delivery set.
func (cm *ConnectionManager) Bind(conn *Connection, userID string) (int, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, tracked := cm.byID[conn.ID]; !tracked {
		return 0, false
	}
	set, ok := cm.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[userID] = set
	}
	set[conn.ID] = conn
	return len(set), true
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from all lookup maps — including its user's
// delivery set, so no delivery attempt can target it after removal begins.
// Returns true if the connection was found and removed, false if it was
// already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if uid := conn.UserID(); uid != "" {
			if set, exists := cm.byUser[uid]; exists {
				delete(set, id)
				if len(set) == 0 {
					delete(cm.byUser, uid)
				}
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// UserConnections returns a snapshot of the user's live connections. The
// returned slice is safe to iterate without holding the lock.
func (cm *ConnectionManager) UserConnections(userID string) []*Connection {
	cm.mu.RLock()
	set := cm.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
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
