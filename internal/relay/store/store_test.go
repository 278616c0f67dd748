package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/49agents/tc2/internal/relay/db"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn)
}

func TestEnsureUser(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)
	assert.Equal(t, "free", u.Tier)

	// Second call returns the same account.
	again, err := s.EnsureUser(ctx, "dev@example.com", "Someone Else")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "Dev", again.DisplayName)

	require.NoError(t, s.SetTier(ctx, u.ID, "pro"))
	got, err := s.User(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Tier)

	assert.ErrorIs(t, s.SetTier(ctx, "missing", "pro"), ErrNotFound)
}

func TestUpsertAgentDedupesByHostname(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)

	a1 := &Agent{UserID: u.ID, Hostname: "devbox", OS: "linux", Version: "v1", TokenHash: "h1"}
	require.NoError(t, s.UpsertAgent(ctx, a1))

	// Re-pairing the same hostname rotates the token but keeps the id.
	a2 := &Agent{UserID: u.ID, Hostname: "devbox", OS: "linux", Version: "v2", TokenHash: "h2"}
	require.NoError(t, s.UpsertAgent(ctx, a2))
	assert.Equal(t, a1.ID, a2.ID)

	_, err = s.AgentByTokenHash(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.AgentByTokenHash(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, got.ID)
	assert.Equal(t, "v2", got.Version)

	agents, err := s.ListAgents(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestDeleteAgent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)
	other, err := s.EnsureUser(ctx, "other@example.com", "Other")
	require.NoError(t, err)

	a := &Agent{UserID: u.ID, Hostname: "devbox", TokenHash: "h"}
	require.NoError(t, s.UpsertAgent(ctx, a))

	// Another user cannot delete it.
	assert.ErrorIs(t, s.DeleteAgent(ctx, other.ID, a.ID), ErrNotFound)
	require.NoError(t, s.DeleteAgent(ctx, u.ID, a.ID))
	_, err = s.Agent(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayoutReplaceAndPatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)

	panes := []PaneLayout{
		{ID: "p1", PaneType: "terminal", X: 0, Y: 0, W: 400, H: 300, ZIndex: 1,
			Metadata: json.RawMessage(`{"terminalId":"tc2-1"}`)},
		{ID: "p2", PaneType: "note", X: 10, Y: 10, W: 200, H: 100, ZIndex: 2},
	}
	require.NoError(t, s.ReplaceLayout(ctx, u.ID, panes))

	got, err := s.Layout(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.JSONEq(t, `{"terminalId":"tc2-1"}`, string(got[0].Metadata))

	require.NoError(t, s.PatchLayout(ctx, u.ID, "p1", 50, 60, 500, 400, 9))
	got, err = s.Layout(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", got[0].ID) // z-index reordered
	assert.Equal(t, float64(50), got[1].X)
	assert.Equal(t, 9, got[1].ZIndex)

	// Full replace drops rows that are not in the new set.
	require.NoError(t, s.ReplaceLayout(ctx, u.ID, panes[:1]))
	got, err = s.Layout(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	n, err := s.CountPanes(ctx, u.ID, "terminal")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountPanes(ctx, u.ID, "note")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNotesCRUD(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)

	n, err := s.CreateNote(ctx, u.ID, "hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 14, n.FontSize) // default

	require.NoError(t, s.UpdateNote(ctx, u.ID, n.ID, "updated", 18, nil))
	notes, err := s.ListNotes(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "updated", notes[0].Content)
	assert.Equal(t, 18, notes[0].FontSize)

	require.NoError(t, s.DeleteNote(ctx, u.ID, n.ID))
	assert.ErrorIs(t, s.DeleteNote(ctx, u.ID, n.ID), ErrNotFound)
}

func TestPreferencesDefaultEmptyObject(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)

	data, err := s.Preferences(ctx, u.ID)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(data))

	require.NoError(t, s.SetPreferences(ctx, u.ID, json.RawMessage(`{"theme":"dark"}`)))
	require.NoError(t, s.SetPreferences(ctx, u.ID, json.RawMessage(`{"theme":"light"}`)))
	data, err = s.Preferences(ctx, u.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"light"}`, string(data))

	// View state is independent of preferences.
	data, err = s.ViewState(ctx, u.ID)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(data))
}

func TestEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)

	require.NoError(t, s.AddEvent(ctx, u.ID, "tier.limit_hit", map[string]any{"feature": "terminalPanes"}))
	require.NoError(t, s.AddEvent(ctx, "", "relay.started", nil))

	n, err := s.CountEvents(ctx, "tier.limit_hit")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)

	_, err = s.AddMessage(ctx, u.ID, "user", "hi")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, u.ID, "admin", "hello")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Sender)
	assert.Equal(t, "admin", msgs[1].Sender)
}
