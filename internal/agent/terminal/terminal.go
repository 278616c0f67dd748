// Package terminal owns terminal records and the attach pipeline: bridge
// connections, history replay ordering, live output forwarding, and
// lifecycle (detach vs close vs resume).
package terminal

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/49agents/tc2/internal/agent/bridge"
	"github.com/49agents/tc2/internal/agent/jsonstore"
	"github.com/49agents/tc2/internal/agent/tmux"
	"github.com/49agents/tc2/internal/id"
	"github.com/49agents/tc2/internal/protocol"
	"github.com/49agents/tc2/internal/util/timefmt"
	"github.com/49agents/tc2/internal/validate"
)

// forceRedrawDelay is how long after an attach completes the session is
// nudged to resend its visible screen.
const forceRedrawDelay = 200 * time.Millisecond

// Record is the persisted terminal metadata. SessionName is always derived
// from ID, 1:1.
type Record struct {
	ID          string `json:"id"`
	SessionName string `json:"sessionName"`
	WorkingDir  string `json:"workingDir"`
	Device      string `json:"device"`
	CreatedAt   string `json:"createdAt"`
}

// SendFn delivers a message to the relay. It returns false when the
// transport is not open; callers decide whether that matters.
type SendFn func(msgType string, id string, payload any) bool

// attachment is the live state for an attached terminal.
type attachment struct {
	conn       *bridge.Conn
	cols, rows int

	pmu       sync.Mutex
	buffering bool
	pending   [][]byte
}

// Manager ties records, sessions, bridges, and attachments together.
type Manager struct {
	tmux    *tmux.Tmux
	bridges *bridge.Manager
	store   *jsonstore.Store[Record]
	device  string
	homeDir string
	send    SendFn

	attachGroup singleflight.Group

	mu          sync.Mutex
	attachments map[string]*attachment // terminalID -> attachment
}

// NewManager builds a Manager. send may be swapped later via SetSender
// (the relay client is constructed after the terminal manager).
func NewManager(t *tmux.Tmux, b *bridge.Manager, store *jsonstore.Store[Record], device string) *Manager {
	home, _ := os.UserHomeDir()
	return &Manager{
		tmux:        t,
		bridges:     b,
		store:       store,
		device:      device,
		homeDir:     home,
		send:        func(string, string, any) bool { return false },
		attachments: make(map[string]*attachment),
	}
}

// SetSender installs the relay send function.
func (m *Manager) SetSender(send SendFn) {
	m.send = send
}

// Reconcile adopts existing reserved-prefix sessions and drops records
// whose session no longer exists. Called once at startup.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.tmux.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	live := make(map[string]bool, len(sessions))
	for _, name := range sessions {
		live[name] = true
	}

	records := m.store.List()

	// Drop stale records.
	for tid, rec := range records {
		if !live[rec.SessionName] {
			slog.Info("dropping stale terminal record", "terminal_id", tid)
			if _, err := m.store.Delete(tid); err != nil {
				return err
			}
		}
	}

	// Adopt sessions without a record.
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.SessionName] = true
	}
	for _, name := range sessions {
		if known[name] {
			continue
		}
		tid := name[len(tmux.SessionPrefix):]
		slog.Info("adopting existing session", "terminal_id", tid, "session", name)
		if err := m.store.Put(tid, Record{
			ID:          tid,
			SessionName: name,
			WorkingDir:  m.homeDir,
			Device:      m.device,
			CreatedAt:   timefmt.Format(time.Now()),
		}); err != nil {
			return err
		}
	}

	return nil
}

// Create starts a new named session and persists its record.
func (m *Manager) Create(ctx context.Context, workingDir string) (*Record, error) {
	dir := validate.SanitizePath(workingDir, m.homeDir)
	if dir == "" {
		dir = m.homeDir
	}
	if !validate.AllowedWorkingDir(dir, m.homeDir) {
		return nil, fmt.Errorf("working directory %q is not allowed", dir)
	}

	tid := id.Generate()
	name := tmux.SessionName(tid)
	if err := m.tmux.NewSession(ctx, name, dir); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	rec := Record{
		ID:          tid,
		SessionName: name,
		WorkingDir:  dir,
		Device:      m.device,
		CreatedAt:   timefmt.Format(time.Now()),
	}
	if err := m.store.Put(tid, rec); err != nil {
		_ = m.tmux.KillSession(ctx, name)
		return nil, err
	}
	return &rec, nil
}

// Resume recreates a dead terminal's session under the same terminal id.
func (m *Manager) Resume(ctx context.Context, tid, workingDir string) (*Record, error) {
	rec, ok := m.store.Get(tid)
	if !ok {
		return nil, fmt.Errorf("no terminal: %s", tid)
	}
	if m.tmux.HasSession(ctx, rec.SessionName) {
		return &rec, nil
	}

	dir := rec.WorkingDir
	if workingDir != "" {
		if d := validate.SanitizePath(workingDir, m.homeDir); d != "" && validate.AllowedWorkingDir(d, m.homeDir) {
			dir = d
		}
	}
	if err := m.tmux.NewSession(ctx, rec.SessionName, dir); err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	rec.WorkingDir = dir
	if err := m.store.Put(tid, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns all records with a liveness flag.
func (m *Manager) ListRecords(ctx context.Context) []RecordStatus {
	records := m.store.List()
	out := make([]RecordStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordStatus{
			Record: rec,
			Alive:  m.tmux.HasSession(ctx, rec.SessionName),
		})
	}
	return out
}

// RecordStatus is a record plus whether its session currently exists.
type RecordStatus struct {
	Record
	Alive bool `json:"alive"`
}

// Get returns a record by terminal id.
func (m *Manager) Get(tid string) (Record, bool) {
	return m.store.Get(tid)
}

// Attach connects a browser viewport to the terminal. Concurrent calls for
// the same id coalesce onto one bridge connection.
func (m *Manager) Attach(ctx context.Context, tid string, cols, rows int) error {
	_, err, _ := m.attachGroup.Do(tid, func() (any, error) {
		return nil, m.attach(ctx, tid, cols, rows)
	})
	if err != nil {
		m.send(protocol.TypeTerminalError, "", protocol.TerminalError{
			TerminalID: tid,
			Message:    err.Error(),
		})
	}
	return err
}

func (m *Manager) attach(ctx context.Context, tid string, cols, rows int) error {
	rec, ok := m.store.Get(tid)
	if !ok {
		return fmt.Errorf("no terminal: %s", tid)
	}
	if !m.tmux.HasSession(ctx, rec.SessionName) {
		return fmt.Errorf("session %s is dead", rec.SessionName)
	}

	m.mu.Lock()
	att := m.attachments[tid]
	m.mu.Unlock()

	if att == nil {
		br, err := m.bridges.Ensure(ctx, rec.SessionName)
		if err != nil {
			return err
		}

		att = &attachment{cols: cols, rows: rows}
		conn, err := bridge.Connect(ctx, br, cols, rows,
			func(data []byte) { m.handleOutput(tid, att, data) },
			func(c *bridge.Conn) { m.handleClosed(tid, c) },
		)
		if err != nil {
			return err
		}
		att.conn = conn

		m.mu.Lock()
		m.attachments[tid] = att
		m.mu.Unlock()
	} else {
		att.cols, att.rows = cols, rows
	}

	// Buffer live output while history is being captured; bytes arriving
	// now must reach the browser after the history frame.
	att.pmu.Lock()
	att.buffering = true
	att.pending = nil
	att.pmu.Unlock()

	// Resize before capturing so the history reflects the browser geometry.
	if err := m.tmux.ResizeWindow(ctx, rec.SessionName, cols, rows); err != nil {
		slog.Warn("pre-capture resize failed", "terminal_id", tid, "error", err)
	}

	history, err := m.tmux.CaptureHistory(ctx, rec.SessionName)
	if err != nil {
		m.flushPending(tid, att)
		return fmt.Errorf("capture history: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(crlf(history))
	if !m.send(protocol.TypeTerminalHistory, "", protocol.TerminalHistory{TerminalID: tid, Data: encoded}) {
		// History replay is never dropped silently.
		m.flushPending(tid, att)
		return fmt.Errorf("transport rejected history frame")
	}

	m.send(protocol.TypeTerminalAttached, "", protocol.TerminalAttached{TerminalID: tid, Cols: cols, Rows: rows})

	m.flushPending(tid, att)

	// Nudge the multiplexer to resend the visible screen. Recovers
	// terminals that were stale when the browser reconnected.
	time.AfterFunc(forceRedrawDelay, func() {
		m.forceRedraw(tid, cols, rows)
	})

	return nil
}

// handleOutput routes bridge output: buffered during history capture,
// otherwise forwarded immediately. Ordering is preserved by emitting the
// backlog under the same lock that gates buffering.
func (m *Manager) handleOutput(tid string, att *attachment, data []byte) {
	att.pmu.Lock()
	defer att.pmu.Unlock()
	if att.buffering {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		att.pending = append(att.pending, chunk)
		return
	}
	m.emitOutput(tid, data)
}

func (m *Manager) flushPending(tid string, att *attachment) {
	att.pmu.Lock()
	defer att.pmu.Unlock()
	for _, chunk := range att.pending {
		m.emitOutput(tid, chunk)
	}
	att.pending = nil
	att.buffering = false
}

func (m *Manager) emitOutput(tid string, data []byte) {
	m.send(protocol.TypeTerminalOutput, "", protocol.TerminalOutput{
		TerminalID: tid,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
}

// handleClosed fires when a bridge connection's read pump exits. The event
// is authoritative only if the closing connection is still the current one;
// a stale close must not affect a newer live connection for the same id.
func (m *Manager) handleClosed(tid string, c *bridge.Conn) {
	m.mu.Lock()
	att := m.attachments[tid]
	current := att != nil && att.conn == c
	if current {
		delete(m.attachments, tid)
	}
	m.mu.Unlock()

	if current {
		m.send(protocol.TypeTerminalClosed, "", protocol.TerminalRef{TerminalID: tid})
	}
}

func (m *Manager) forceRedraw(tid string, cols, rows int) {
	rec, ok := m.store.Get(tid)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.tmux.ResizeWindow(ctx, rec.SessionName, cols, rows+1); err != nil {
		return
	}
	_ = m.tmux.ResizeWindow(ctx, rec.SessionName, cols, rows)
}

// Input decodes keystrokes and writes them to the bridge. Dropped with a
// log line when the bridge connection is not open.
func (m *Manager) Input(ctx context.Context, tid string, data string) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		slog.Warn("bad terminal input encoding", "terminal_id", tid)
		return
	}
	m.mu.Lock()
	att := m.attachments[tid]
	m.mu.Unlock()
	if att == nil {
		slog.Debug("input for unattached terminal dropped", "terminal_id", tid)
		return
	}
	if err := att.conn.WriteInput(ctx, raw); err != nil {
		slog.Warn("terminal input failed", "terminal_id", tid, "error", err)
	}
}

// Resize forwards the geometry to the bridge and resizes the session.
func (m *Manager) Resize(ctx context.Context, tid string, cols, rows int) {
	m.mu.Lock()
	att := m.attachments[tid]
	m.mu.Unlock()
	if att != nil {
		att.cols, att.rows = cols, rows
		if err := att.conn.WriteResize(ctx, cols, rows); err != nil {
			slog.Warn("bridge resize failed", "terminal_id", tid, "error", err)
		}
	}
	if rec, ok := m.store.Get(tid); ok {
		_ = m.tmux.ResizeWindow(ctx, rec.SessionName, cols, rows)
	}
}

// Scroll drives the session's copy-mode.
func (m *Manager) Scroll(ctx context.Context, tid string, lines int) error {
	rec, ok := m.store.Get(tid)
	if !ok {
		return fmt.Errorf("no terminal: %s", tid)
	}
	return m.tmux.Scroll(ctx, rec.SessionName, lines)
}

// Detach closes the local bridge connection. The session survives and the
// bridge process is kept for reuse. No terminal:closed is emitted.
func (m *Manager) Detach(tid string) {
	m.mu.Lock()
	att := m.attachments[tid]
	delete(m.attachments, tid)
	m.mu.Unlock()
	if att != nil {
		att.conn.Close()
	}
}

// Close tears the terminal down: connection, session, bridge, and port.
// Emits exactly one terminal:closed.
func (m *Manager) Close(ctx context.Context, tid string) error {
	rec, ok := m.store.Get(tid)
	if !ok {
		return fmt.Errorf("no terminal: %s", tid)
	}

	m.mu.Lock()
	att := m.attachments[tid]
	delete(m.attachments, tid)
	m.mu.Unlock()
	if att != nil {
		att.conn.Close()
	}

	if err := m.tmux.KillSession(ctx, rec.SessionName); err != nil {
		slog.Warn("kill session failed", "terminal_id", tid, "error", err)
	}
	m.bridges.Release(rec.SessionName)

	m.send(protocol.TypeTerminalClosed, "", protocol.TerminalRef{TerminalID: tid})
	return nil
}

// Delete closes the terminal and removes its record.
func (m *Manager) Delete(ctx context.Context, tid string) error {
	if err := m.Close(ctx, tid); err != nil {
		return err
	}
	_, err := m.store.Delete(tid)
	return err
}

// Shutdown detaches everything without killing sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	atts := make([]*attachment, 0, len(m.attachments))
	for _, att := range m.attachments {
		atts = append(atts, att)
	}
	m.attachments = make(map[string]*attachment)
	m.mu.Unlock()

	for _, att := range atts {
		att.conn.Close()
	}
	m.bridges.StopAll()
}

// crlf translates newlines to CRLF for terminal replay. Existing CRLF
// pairs are preserved, not doubled.
func crlf(data []byte) []byte {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}
