// Package browsermgr tracks the live browser connections per user.
package browsermgr

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/49agents/tc2/internal/metrics"
	"github.com/49agents/tc2/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Conn is one authenticated browser connection.
type Conn struct {
	UserID string

	ws *websocket.Conn
	mu sync.Mutex
}

func NewConn(ws *websocket.Conn, userID string) *Conn {
	return &Conn{ws: ws, UserID: userID}
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

// Manager is the registry of live browser connections. A user may have
// any number of browsers open at once.
type Manager struct {
	mu     sync.Mutex
	byUser map[string]map[*Conn]struct{}
	count  int
}

func NewManager() *Manager {
	return &Manager{byUser: make(map[string]map[*Conn]struct{})}
}

// Register adds a connection.
func (m *Manager) Register(c *Conn) {
	m.mu.Lock()
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[*Conn]struct{})
	}
	m.byUser[c.UserID][c] = struct{}{}
	m.count++
	n := m.count
	m.mu.Unlock()

	metrics.ActiveBrowsers.Set(float64(n))
}

// Unregister removes a connection; removing a connection twice is a
// no-op.
func (m *Manager) Unregister(c *Conn) {
	m.mu.Lock()
	if conns := m.byUser[c.UserID]; conns != nil {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			m.count--
			if len(conns) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
	n := m.count
	m.mu.Unlock()

	metrics.ActiveBrowsers.Set(float64(n))
}

// ForUser returns a snapshot of the user's browser connections.
func (m *Manager) ForUser(userID string) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.byUser[userID]))
	for c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends a frame to all of a user's browsers.
func (m *Manager) Broadcast(userID, msgType, id string, payload any) {
	frame, err := protocol.Encode(msgType, id, payload)
	if err != nil {
		return
	}
	for _, c := range m.ForUser(userID) {
		c.SendRaw(frame)
	}
}

// Count reports the total number of connected browsers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
