// Package agentmgr tracks the live agent connections, keyed by agent id
// and grouped per user.
package agentmgr

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/49agents/tc2/internal/metrics"
	"github.com/49agents/tc2/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Conn is one authenticated agent connection. Writes are serialized by a
// per-connection mutex.
type Conn struct {
	AgentID  string
	UserID   string
	Hostname string

	ws *websocket.Conn
	mu sync.Mutex
}

func NewConn(ws *websocket.Conn, agentID, userID, hostname string) *Conn {
	return &Conn{ws: ws, AgentID: agentID, UserID: userID, Hostname: hostname}
}

// Send writes one frame; best effort.
func (c *Conn) Send(msgType, id string, payload any) bool {
	frame, err := protocol.Encode(msgType, id, payload)
	if err != nil {
		return false
	}
	return c.SendRaw(frame)
}

// SendRaw forwards an already-encoded frame verbatim.
func (c *Conn) SendRaw(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, frame) == nil
}

// Close tears the websocket down.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

// Manager is the registry of live agent connections.
type Manager struct {
	mu      sync.Mutex
	byAgent map[string]*Conn            // agentID -> conn
	byUser  map[string]map[string]*Conn // userID -> agentID -> conn
}

func NewManager() *Manager {
	return &Manager{
		byAgent: make(map[string]*Conn),
		byUser:  make(map[string]map[string]*Conn),
	}
}

// Register binds a connection. An existing connection for the same agent
// id is closed and replaced.
func (m *Manager) Register(c *Conn) {
	m.mu.Lock()
	old := m.byAgent[c.AgentID]
	m.byAgent[c.AgentID] = c
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[string]*Conn)
	}
	m.byUser[c.UserID][c.AgentID] = c
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusPolicyViolation, "superseded")
	}
	metrics.ActiveAgents.Set(float64(m.Count()))
}

// Unregister removes a connection. A stale unregister (the slot now holds
// a newer connection) is a no-op. Returns true when this was the user's
// last agent.
func (m *Manager) Unregister(c *Conn) (last bool) {
	m.mu.Lock()
	if m.byAgent[c.AgentID] == c {
		delete(m.byAgent, c.AgentID)
		if userConns := m.byUser[c.UserID]; userConns != nil {
			delete(userConns, c.AgentID)
			if len(userConns) == 0 {
				delete(m.byUser, c.UserID)
				last = true
			}
		}
	}
	m.mu.Unlock()

	metrics.ActiveAgents.Set(float64(m.Count()))
	return last
}

// Get returns the live connection for an agent id.
func (m *Manager) Get(agentID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byAgent[agentID]
	return c, ok
}

// ForUser returns the user's live agent connections.
func (m *Manager) ForUser(userID string) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// CountForUser reports how many agents a user has connected.
func (m *Manager) CountForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

// Count reports the total number of connected agents.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAgent)
}

// All returns every live agent connection.
func (m *Manager) All() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.byAgent))
	for _, c := range m.byAgent {
		conns = append(conns, c)
	}
	return conns
}
