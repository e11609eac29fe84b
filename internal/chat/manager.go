// Package chat provides the websocket transport for conversations.
package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Manager tracks the live connection of each owner's sessions. A new
// connection for the same owner and session replaces the old one.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewManager creates a connection manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Active returns the live connection for an owner and session.
func (m *Manager) Active(ownerID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[ownerID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection for an owner and session.
func (m *Manager) Register(ownerID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[ownerID]; !exists {
		m.active[ownerID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[ownerID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[ownerID][sessionID] = conn
	slog.Info("Chat connection registered", "owner_id", ownerID, "session_id", sessionID)
}

// Unregister removes conn if it is still the live connection.
func (m *Manager) Unregister(ownerID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[ownerID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, ownerID)
			}
			slog.Info("Chat connection unregistered", "owner_id", ownerID, "session_id", sessionID)
		}
	}
}

// CloseSession closes the live connection of a session, whoever owns it.
// Used when housekeeping deletes the session.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	var closing []*websocket.Conn
	for ownerID, sessions := range m.active {
		conn, ok := sessions[sessionID]
		if !ok {
			continue
		}
		closing = append(closing, conn)
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, ownerID)
		}
		slog.Info("Chat connection closed", "owner_id", ownerID, "session_id", sessionID)
	}
	m.mu.Unlock()

	// Close waits for the peer's close frame, so it runs outside the lock.
	for _, conn := range closing {
		_ = conn.Close(websocket.StatusGoingAway, "session expired")
	}
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
