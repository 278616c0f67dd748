package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/49agents/tc2/internal/relay/auth"
	"github.com/49agents/tc2/internal/relay/pairing"
	"github.com/49agents/tc2/internal/relay/store"
)

// --- auth ---

// login establishes a browser session. Identity verification happens at
// the OAuth proxy in front of the relay; by the time a request reaches
// us the email is trusted.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))
	if body.Email == "" || !strings.Contains(body.Email, "@") {
		writeError(w, 400, "valid email required")
		return
	}

	user, err := s.store.EnsureUser(r.Context(), body.Email, body.DisplayName)
	if err != nil {
		slog.Error("login failed", "error", err)
		writeError(w, 500, "internal error")
		return
	}
	token, err := s.sessions.Issue(user.ID)
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	s.sessions.SetCookie(w, token)
	writeJSON(w, 200, user)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.User(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, 404, "user not found")
		return
	}
	writeJSON(w, 200, user)
}

// --- pairing ---

func (s *Server) pairStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hostname string `json:"hostname"`
		OS       string `json:"os"`
		Version  string `json:"version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Hostname == "" {
		writeError(w, 400, "hostname required")
		return
	}

	pend, err := s.pool.Create(body.Hostname, body.OS, body.Version)
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]any{
		"code":      pend.Code,
		"pairUrl":   s.cfg.BaseURL + "/pair?code=" + pend.Code,
		"expiresIn": int(pairing.TTL.Seconds()),
	})
}

func (s *Server) pairStatus(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	pend, err := s.pool.Consume(code)
	switch {
	case errors.Is(err, pairing.ErrExpired):
		writeError(w, 410, "pairing code expired")
		return
	case errors.Is(err, pairing.ErrNotFound):
		writeError(w, 404, "pairing code not found")
		return
	case err != nil:
		writeError(w, 500, "internal error")
		return
	}

	if pend.Status != pairing.StatusApproved {
		writeJSON(w, 200, map[string]string{"status": pend.Status})
		return
	}
	writeJSON(w, 200, map[string]string{
		"status":  pend.Status,
		"token":   pend.Token,
		"agentId": pend.AgentID,
	})
}

// pairApprove is the browser side of pairing: it creates the persistent
// agent row and attaches a fresh token to the pending code. The token is
// handed to the agent on its next status poll, exactly once.
func (s *Server) pairApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	userID := auth.UserID(r.Context())

	pend, err := s.pool.Get(body.Code)
	switch {
	case errors.Is(err, pairing.ErrExpired):
		writeError(w, 410, "pairing code expired")
		return
	case errors.Is(err, pairing.ErrNotFound):
		writeError(w, 404, "pairing code not found")
		return
	case err != nil:
		writeError(w, 500, "internal error")
		return
	}

	token := auth.NewAgentToken()
	agent := &store.Agent{
		UserID:    userID,
		Hostname:  pend.Hostname,
		OS:        pend.OS,
		Version:   pend.Version,
		TokenHash: auth.HashToken(token),
	}
	if err := s.store.UpsertAgent(r.Context(), agent); err != nil {
		slog.Error("pairing approve failed", "error", err)
		writeError(w, 500, "internal error")
		return
	}
	if err := s.pool.Approve(body.Code, userID, agent.ID, token); err != nil {
		writeError(w, 409, err.Error())
		return
	}
	_ = s.store.AddEvent(r.Context(), userID, "agent.paired", map[string]string{"agentId": agent.ID})
	writeJSON(w, 200, map[string]any{"ok": true, "agentId": agent.ID})
}

// --- agents ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	agents, err := s.store.ListAgents(r.Context(), userID)
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}

	type agentView struct {
		store.Agent
		Online bool `json:"online"`
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		_, online := s.agents.Get(a.ID)
		views = append(views, agentView{Agent: a, Online: online})
	}
	writeJSON(w, 200, views)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	agentID := chi.URLParam(r, "agentID")

	if err := s.store.DeleteAgent(r.Context(), userID, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, 404, "agent not found")
			return
		}
		writeError(w, 500, "internal error")
		return
	}
	// An unpaired agent's token no longer resolves; drop its connection.
	if conn, ok := s.agents.Get(agentID); ok {
		conn.Close(4001, "unpaired")
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

// --- layout ---

func (s *Server) getLayout(w http.ResponseWriter, r *http.Request) {
	panes, err := s.store.Layout(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]any{"panes": panes})
}

func (s *Server) putLayout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Panes []store.PaneLayout `json:"panes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.store.ReplaceLayout(r.Context(), auth.UserID(r.Context()), body.Panes); err != nil {
		slog.Error("layout replace failed", "error", err)
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) patchLayout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		W      float64 `json:"w"`
		H      float64 `json:"h"`
		ZIndex int     `json:"zIndex"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.store.PatchLayout(r.Context(), auth.UserID(r.Context()),
		chi.URLParam(r, "paneID"), body.X, body.Y, body.W, body.H, body.ZIndex)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, 404, "pane not found")
		return
	}
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

// --- cloud notes ---

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.store.ListNotes(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, notes)
}

func (s *Server) createNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string `json:"content"`
		FontSize int    `json:"fontSize"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	note, err := s.store.CreateNote(r.Context(), auth.UserID(r.Context()), body.Content, body.FontSize)
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 201, note)
}

func (s *Server) updateNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string          `json:"content"`
		FontSize int             `json:"fontSize"`
		Images   json.RawMessage `json:"images"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.store.UpdateNote(r.Context(), auth.UserID(r.Context()),
		chi.URLParam(r, "noteID"), body.Content, body.FontSize, body.Images)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, 404, "note not found")
		return
	}
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) deleteNote(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteNote(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "noteID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, 404, "note not found")
		return
	}
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

// --- preferences / view state ---

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	s.getBlob(w, r, s.store.Preferences)
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	s.putBlob(w, r, s.store.SetPreferences)
}

func (s *Server) getViewState(w http.ResponseWriter, r *http.Request) {
	s.getBlob(w, r, s.store.ViewState)
}

func (s *Server) putViewState(w http.ResponseWriter, r *http.Request) {
	s.putBlob(w, r, s.store.SetViewState)
}

func (s *Server) getBlob(w http.ResponseWriter, r *http.Request, get func(context.Context, string) (json.RawMessage, error)) {
	data, err := get(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request, set func(context.Context, string, json.RawMessage) error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(data) {
		writeError(w, 400, "malformed request body")
		return
	}
	if err := set(r.Context(), auth.UserID(r.Context()), data); err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": true})
}

// --- messages ---

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 200, msgs)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Body) == "" {
		writeError(w, 400, "message body required")
		return
	}
	msg, err := s.store.AddMessage(r.Context(), auth.UserID(r.Context()), "user", body.Body)
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	writeJSON(w, 201, msg)
}
