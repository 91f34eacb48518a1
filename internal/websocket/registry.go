package websocket

import (
	"sync"

	"github.com/go-logr/logr"

	"peerprep/internal/logging"
)

// Registry tracks the live connection of each user
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic.
// A user has at most one connection; a newer one replaces the old.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // userID -> Connection
	log         logr.Logger
}

// NewRegistry creates an empty connection registry
func NewRegistry(log logr.Logger) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		log:         log.WithName("connections"),
	}
}

// Register makes conn the user's current connection, closing any previous one
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// FUNCTIONAL DISCOVERY: Close existing connection asynchronously to prevent deadlock
	// during registration while ensuring immediate replacement
	if existing, ok := r.connections[conn.UserID()]; ok && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				r.log.V(logging.VERBOSE).Info("Failed to close replaced connection", "user_id", existing.UserID(), "error", err.Error())
			}
		}()
	}
	r.connections[conn.UserID()] = conn
	return nil
}

// Unregister removes conn if it is still the user's current connection and
// reports whether it did
// RACE CONDITION FIX: an old connection's cleanup must not remove its replacement
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connections[conn.UserID()] != conn {
		return false
	}
	delete(r.connections, conn.UserID())
	return true
}

// Get returns the current connection for userID
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[userID]
	return conn, ok
}

// Count returns the number of connected users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes and forgets every connection
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
