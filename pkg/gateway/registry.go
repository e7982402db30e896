package gateway

import (
	"sync"

	"github.com/harun/syncd/internal/observability"
)

// ConnectionRegistry tracks live connections by id.
type ConnectionRegistry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]*Connection),
	}
}

// Add registers a connection.
func (r *ConnectionRegistry) Add(conn *Connection) {
	r.mu.Lock()
	r.connections[conn.ID] = conn
	count := len(r.connections)
	r.mu.Unlock()

	observability.SetConnectionsActive(count)
}

// Remove unregisters a connection and reports whether it was present.
func (r *ConnectionRegistry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.connections[id]
	delete(r.connections, id)
	count := len(r.connections)
	r.mu.Unlock()

	if ok {
		observability.SetConnectionsActive(count)
	}
	return ok
}

// Get returns a connection by id.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[id]
	return conn, ok
}

// All returns a copy of every registered connection.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

// Infos describes every registered connection.
func (r *ConnectionRegistry) Infos() []ConnectionInfo {
	conns := r.All()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}
