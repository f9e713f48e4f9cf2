package cmpp

import (
	"fmt"
	"sort"
	"sync"
)

// ConnectionManager tracks live connections keyed by remote host:port
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	logger      Logger
}

// NewConnectionManager creates an empty live set
func NewConnectionManager(logger Logger) *ConnectionManager {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// Add registers conn under its remote address
func (cm *ConnectionManager) Add(conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := conn.RemoteAddr()
	if _, exists := cm.connections[key]; exists {
		return fmt.Errorf("connection from %s already registered", key)
	}
	cm.connections[key] = conn
	cm.logger.Debug("Connection added", "key", key, "conn_id", conn.ID())
	return nil
}

// Remove drops conn if it is still the entry registered under its address
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := conn.RemoteAddr()
	if cm.connections[key] != conn {
		return false
	}
	delete(cm.connections, key)
	cm.logger.Debug("Connection removed", "key", key, "conn_id", conn.ID())
	return true
}

// Get returns the connection registered under key
func (cm *ConnectionManager) Get(key string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, ok := cm.connections[key]
	return conn, ok
}

// All returns a snapshot of the live set ordered by key
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	keys := make([]string, 0, len(cm.connections))
	for key := range cm.connections {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*Connection, 0, len(keys))
	for _, key := range keys {
		out = append(out, cm.connections[key])
	}
	return out
}

// Count returns the number of live connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}
