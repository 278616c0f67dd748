// Package server is the relay's HTTP surface: the two websocket
// endpoints, the browser REST API, pairing, and /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/49agents/tc2/internal/metrics"
	"github.com/49agents/tc2/internal/protocol"
	"github.com/49agents/tc2/internal/relay/agentmgr"
	"github.com/49agents/tc2/internal/relay/auth"
	"github.com/49agents/tc2/internal/relay/browsermgr"
	"github.com/49agents/tc2/internal/relay/config"
	"github.com/49agents/tc2/internal/relay/pairing"
	"github.com/49agents/tc2/internal/relay/router"
	"github.com/49agents/tc2/internal/relay/store"
	"github.com/49agents/tc2/internal/relay/tier"
)

const (
	authTimeout        = 10 * time.Second
	shutdownRetryDelay = 10 // seconds, hinted to agents on graceful stop
)

// Server ties the relay's pieces together.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	sessions *auth.Sessions
	pool     *pairing.Pool
	agents   *agentmgr.Manager
	browsers *browsermgr.Manager
	router   *router.Router

	http *http.Server
}

func New(cfg *config.Config, st *store.Store) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		sessions: auth.NewSessions(cfg.SessionSecret),
		pool:     pairing.NewPool(),
		agents:   agentmgr.NewManager(),
		browsers: browsermgr.NewManager(),
	}
	s.router = router.New(s.agents, s.browsers, st, cfg.UpgradeURL)
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gzhttp.GzipHandler(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/agent-ws", s.agentWS)
	r.Get("/browser-ws", s.browserWS)

	r.Post("/api/auth/login", s.login)
	r.Post("/api/agents/pair", s.pairStart)
	r.Get("/api/agents/pair-status", s.pairStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.Middleware)

		r.Get("/api/me", s.me)
		r.Post("/api/agents/approve", s.pairApprove)
		r.Get("/api/agents", s.listAgents)
		r.Delete("/api/agents/{agentID}", s.deleteAgent)

		r.Get("/api/layout", s.getLayout)
		r.Put("/api/layout", s.putLayout)
		r.Patch("/api/layout/{paneID}", s.patchLayout)

		r.Get("/api/cloud-notes", s.listNotes)
		r.Post("/api/cloud-notes", s.createNote)
		r.Put("/api/cloud-notes/{noteID}", s.updateNote)
		r.Delete("/api/cloud-notes/{noteID}", s.deleteNote)

		r.Get("/api/preferences", s.getPreferences)
		r.Put("/api/preferences", s.putPreferences)
		r.Get("/api/view-state", s.getViewState)
		r.Put("/api/view-state", s.putViewState)

		r.Get("/api/messages", s.listMessages)
		r.Post("/api/messages", s.postMessage)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully: agents
// get a shutdown hint so their reconnect backoff waits out the restart.
func (s *Server) Run(ctx context.Context) error {
	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", s.cfg.ListenAddr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	for _, c := range s.agents.All() {
		c.Send(protocol.TypeAgentShutdown, "", protocol.Shutdown{RetryDelaySeconds: shutdownRetryDelay})
		c.Close(websocket.StatusGoingAway, "relay shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(pairing.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pool.Sweep()
			s.router.Sweep()
		}
	}
}

// --- websocket endpoints ---

func (s *Server) agentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(1 << 22)

	conn, err := s.authenticateAgent(r.Context(), ws)
	if err != nil {
		slog.Info("agent rejected", "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	s.agents.Register(conn)
	_ = s.store.TouchAgent(r.Context(), conn.AgentID)
	_ = s.store.AddEvent(r.Context(), conn.UserID, "agent.connected", map[string]string{"agentId": conn.AgentID})
	s.browsers.Broadcast(conn.UserID, protocol.TypeAgentStatus, "", protocol.AgentStatus{
		AgentID: conn.AgentID, Hostname: conn.Hostname, Online: true,
	})
	slog.Info("agent connected", "agent", conn.AgentID, "hostname", conn.Hostname)

	pingCtx, stopPing := context.WithCancel(context.Background())
	go s.pingLoop(pingCtx, conn)

	for {
		_, frame, err := ws.Read(r.Context())
		if err != nil {
			break
		}
		s.router.HandleAgentFrame(conn, frame)
	}

	stopPing()
	s.agents.Unregister(conn)
	s.router.DropAgent(conn)
	_ = s.store.TouchAgent(context.Background(), conn.AgentID)
	s.browsers.Broadcast(conn.UserID, protocol.TypeAgentStatus, "", protocol.AgentStatus{
		AgentID: conn.AgentID, Hostname: conn.Hostname, Online: false,
	})
	slog.Info("agent disconnected", "agent", conn.AgentID)
}

// authenticateAgent reads the first frame and binds the connection to a
// paired agent. The agents tier limit is enforced at join time.
func (s *Server) authenticateAgent(ctx context.Context, ws *websocket.Conn) (*agentmgr.Conn, error) {
	readCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, frame, err := ws.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type != protocol.TypeAgentAuth {
		return nil, errors.New("expected auth frame")
	}
	var req protocol.AuthRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, errors.New("malformed auth frame")
	}

	agent, err := s.store.AgentByTokenHash(ctx, auth.HashToken(req.Token))
	if err != nil {
		authFail(ws, "invalid token")
		return nil, errors.New("unknown token")
	}

	user, err := s.store.User(ctx, agent.UserID)
	if err != nil {
		authFail(ws, "invalid token")
		return nil, err
	}
	limits := tier.ForTier(user.Tier)
	if !limits.Allowed(tier.FeatureAgents, s.agents.CountForUser(agent.UserID)) {
		authFail(ws, "agent limit reached for your plan")
		return nil, errors.New("agent limit reached")
	}

	// Keep the stored record fresh; version changes on agent upgrades.
	if req.OS != agent.OS || req.Version != agent.Version {
		_ = s.store.UpdateAgentRuntime(ctx, agent.ID, req.OS, req.Version)
	}

	ok, err := protocol.Encode(protocol.TypeAgentAuthOK, "", protocol.AuthOK{
		AgentID: agent.ID, UserID: agent.UserID,
	})
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, ok); err != nil {
		return nil, err
	}
	return agentmgr.NewConn(ws, agent.ID, agent.UserID, agent.Hostname), nil
}

func authFail(ws *websocket.Conn, reason string) {
	frame, err := protocol.Encode(protocol.TypeAgentAuthFail, "", protocol.AuthFail{Reason: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ws.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) pingLoop(ctx context.Context, conn *agentmgr.Conn) {
	t := time.NewTicker(time.Duration(s.cfg.PingInterval) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !conn.Send(protocol.TypeAgentPing, "", struct{}{}) {
				return
			}
			_ = s.store.TouchAgent(ctx, conn.AgentID)
		}
	}
}

func (s *Server) browserWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sessions.UserFromRequest(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(1 << 22)

	conn := browsermgr.NewConn(ws, userID)
	s.browsers.Register(conn)
	defer func() {
		s.browsers.Unregister(conn)
		s.router.DropBrowser(conn)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	// Tell the new browser which of its agents are live right now.
	for _, ac := range s.agents.ForUser(userID) {
		conn.Send(protocol.TypeAgentStatus, "", protocol.AgentStatus{
			AgentID: ac.AgentID, Hostname: ac.Hostname, Online: true,
		})
	}

	for {
		_, frame, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		s.router.HandleBrowserFrame(r.Context(), conn, frame)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, 400, "malformed request body")
		return false
	}
	return true
}

func httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeError(ww, 500, "internal error")
			}
			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = r.URL.Path
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(ww, r)
	})
}
