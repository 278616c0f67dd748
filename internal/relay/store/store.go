// Package store is the relay's persistence layer over sqlite: users,
// agents, pane layouts, cloud notes, preferences, view state, messages,
// and the append-only events log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/49agents/tc2/internal/id"
	"github.com/49agents/tc2/internal/util/timefmt"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the relay database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() string {
	return timefmt.Format(s.now())
}

// --- users ---

// User is an account. Tier is one of free, pro, poweruser.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Tier        string `json:"tier"`
	CreatedAt   string `json:"createdAt"`
}

// EnsureUser returns the user with the given email, creating a free-tier
// account on first sight.
func (s *Store) EnsureUser(ctx context.Context, email, displayName string) (*User, error) {
	if u, err := s.UserByEmail(ctx, email); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u := &User{
		ID:          id.Generate(),
		Email:       email,
		DisplayName: displayName,
		Tier:        "free",
		CreatedAt:   s.timestamp(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, tier, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.Tier, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Tier, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) User(ctx context.Context, userID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, tier, created_at FROM users WHERE id = ?`, userID))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, tier, created_at FROM users WHERE email = ?`, email))
}

// SetTier updates a user's tier (driven by billing events).
func (s *Store) SetTier(ctx context.Context, userID, tier string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET tier = ? WHERE id = ?`, tier, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- agents ---

// Agent is a paired host. TokenHash is the sha256 of the agent token;
// the token itself is never stored.
type Agent struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Version    string `json:"version"`
	TokenHash  string `json:"-"`
	LastSeenAt string `json:"lastSeenAt,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// UpsertAgent creates an agent row, replacing a previous pairing of the
// same (user, hostname).
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = id.Generate()
	}
	a.CreatedAt = s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, hostname, os, version, token_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, hostname) DO UPDATE SET
		   os = excluded.os, version = excluded.version, token_hash = excluded.token_hash`,
		a.ID, a.UserID, a.Hostname, a.OS, a.Version, a.TokenHash, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	// On conflict the stored id is the original one.
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM agents WHERE user_id = ? AND hostname = ?`, a.UserID, a.Hostname)
	return row.Scan(&a.ID)
}

func (s *Store) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var lastSeen sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.Hostname, &a.OS, &a.Version, &a.TokenHash, &lastSeen, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.LastSeenAt = lastSeen.String
	return &a, nil
}

const agentColumns = `id, user_id, hostname, os, version, token_hash, last_seen_at, created_at`

func (s *Store) AgentByTokenHash(ctx context.Context, hash string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = ?`, hash))
}

func (s *Store) Agent(ctx context.Context, agentID string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
}

func (s *Store) ListAgents(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var lastSeen sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Hostname, &a.OS, &a.Version, &a.TokenHash, &lastSeen, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.LastSeenAt = lastSeen.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentRuntime refreshes the os/version reported at connect time;
// version changes when the agent self-updates.
func (s *Store) UpdateAgentRuntime(ctx context.Context, agentID, osName, version string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET os = ?, version = ? WHERE id = ?`, osName, version, agentID)
	return err
}

// TouchAgent stamps last_seen_at.
func (s *Store) TouchAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`, s.timestamp(), agentID)
	return err
}

func (s *Store) DeleteAgent(ctx context.Context, userID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE id = ? AND user_id = ?`, agentID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- pane layouts ---

// PaneLayout is one browser-canvas rectangle. Metadata is free-form JSON
// owned by the browser (pane-type specific fields, e.g. terminalId).
type PaneLayout struct {
	ID       string          `json:"id"`
	UserID   string          `json:"-"`
	AgentID  string          `json:"agentId,omitempty"`
	PaneType string          `json:"paneType"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	W        float64         `json:"w"`
	H        float64         `json:"h"`
	ZIndex   int             `json:"zIndex"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ReplaceLayout atomically swaps the user's full layout.
func (s *Store) ReplaceLayout(ctx context.Context, userID string, panes []PaneLayout) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pane_layouts WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for _, p := range panes {
		if p.ID == "" {
			p.ID = id.Generate()
		}
		meta := string(p.Metadata)
		if meta == "" {
			meta = "{}"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pane_layouts (id, user_id, agent_id, pane_type, x, y, w, h, z_index, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, userID, nullable(p.AgentID), p.PaneType, p.X, p.Y, p.W, p.H, p.ZIndex, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PatchLayout updates one pane's geometry (drag/resize).
func (s *Store) PatchLayout(ctx context.Context, userID, paneID string, x, y, w, h float64, zIndex int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pane_layouts SET x = ?, y = ?, w = ?, h = ?, z_index = ? WHERE id = ? AND user_id = ?`,
		x, y, w, h, zIndex, paneID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Layout(ctx context.Context, userID string) ([]PaneLayout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, pane_type, x, y, w, h, z_index, metadata
		 FROM pane_layouts WHERE user_id = ? ORDER BY z_index, id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	panes := []PaneLayout{}
	for rows.Next() {
		var p PaneLayout
		var agentID sql.NullString
		var meta string
		if err := rows.Scan(&p.ID, &p.UserID, &agentID, &p.PaneType, &p.X, &p.Y, &p.W, &p.H, &p.ZIndex, &meta); err != nil {
			return nil, err
		}
		p.AgentID = agentID.String
		p.Metadata = json.RawMessage(meta)
		panes = append(panes, p)
	}
	return panes, rows.Err()
}

// CountPanes counts a user's panes of one type, for tier gating.
func (s *Store) CountPanes(ctx context.Context, userID, paneType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pane_layouts WHERE user_id = ? AND pane_type = ?`,
		userID, paneType).Scan(&n)
	return n, err
}

// --- cloud notes ---

// Note is the cloud-authoritative note record.
type Note struct {
	ID        string          `json:"id"`
	UserID    string          `json:"-"`
	Content   string          `json:"content"`
	FontSize  int             `json:"fontSize"`
	Images    json.RawMessage `json:"images"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

func (s *Store) CreateNote(ctx context.Context, userID, content string, fontSize int) (*Note, error) {
	if fontSize <= 0 {
		fontSize = 14
	}
	n := &Note{
		ID:        id.Generate(),
		UserID:    userID,
		Content:   content,
		FontSize:  fontSize,
		Images:    json.RawMessage("[]"),
		CreatedAt: s.timestamp(),
		UpdatedAt: s.timestamp(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, user_id, content, font_size, images, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Content, n.FontSize, string(n.Images), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) UpdateNote(ctx context.Context, userID, noteID, content string, fontSize int, images json.RawMessage) error {
	if len(images) == 0 {
		images = json.RawMessage("[]")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET content = ?, font_size = ?, images = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		content, fontSize, string(images), s.timestamp(), noteID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListNotes(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, font_size, images, created_at, updated_at
		 FROM notes WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	notes := []Note{}
	for rows.Next() {
		var n Note
		var images string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.FontSize, &images, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Images = json.RawMessage(images)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *Store) DeleteNote(ctx context.Context, userID, noteID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND user_id = ?`, noteID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- preferences / view state ---

func (s *Store) Preferences(ctx context.Context, userID string) (json.RawMessage, error) {
	return s.blob(ctx, "preferences", userID)
}

func (s *Store) SetPreferences(ctx context.Context, userID string, data json.RawMessage) error {
	return s.setBlob(ctx, "preferences", userID, data)
}

func (s *Store) ViewState(ctx context.Context, userID string) (json.RawMessage, error) {
	return s.blob(ctx, "view_state", userID)
}

func (s *Store) SetViewState(ctx context.Context, userID string, data json.RawMessage) error {
	return s.setBlob(ctx, "view_state", userID, data)
}

// blob tables share the shape (user_id PK, data, updated_at). The table
// name is always one of two compile-time constants, never user input.
func (s *Store) blob(ctx context.Context, table, userID string) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+table+` WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage("{}"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *Store) setBlob(ctx context.Context, table, userID string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (user_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, string(data), s.timestamp())
	return err
}

// --- messages ---

// Message is one user↔admin message.
type Message struct {
	ID        string `json:"id"`
	UserID    string `json:"-"`
	Sender    string `json:"sender"` // "user" | "admin"
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

func (s *Store) AddMessage(ctx context.Context, userID, sender, body string) (*Message, error) {
	m := &Message{
		ID:        id.Generate(),
		UserID:    userID,
		Sender:    sender,
		Body:      body,
		CreatedAt: s.timestamp(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, sender, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Sender, m.Body, m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, userID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, sender, body, created_at FROM messages
		 WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- events ---

// AddEvent appends to the analytics log. Failures are the caller's to
// ignore; events never block the serving path.
func (s *Store) AddEvent(ctx context.Context, userID, kind string, data any) error {
	payload := "{}"
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		payload = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (user_id, kind, data, created_at) VALUES (?, ?, ?, ?)`,
		nullable(userID), kind, payload, s.timestamp())
	return err
}

// CountEvents reports how many events of a kind exist (used in tests and
// admin tooling).
func (s *Store) CountEvents(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
