// Package router forwards frames between a user's browsers and agents.
// Browser-originated requests are ownership-checked and tier-gated before
// they reach an agent; agent frames are correlated back to the requesting
// browser or fanned out to all of the user's browsers.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/49agents/tc2/internal/metrics"
	"github.com/49agents/tc2/internal/protocol"
	"github.com/49agents/tc2/internal/relay/agentmgr"
	"github.com/49agents/tc2/internal/relay/browsermgr"
	"github.com/49agents/tc2/internal/relay/store"
	"github.com/49agents/tc2/internal/relay/tier"
)

// pendingTTL bounds how long an unanswered request keeps its slot.
const pendingTTL = 60 * time.Second

type pending struct {
	browser *browsermgr.Conn
	agentID string
	created time.Time
}

// Router is the per-relay frame switch.
type Router struct {
	agents   *agentmgr.Manager
	browsers *browsermgr.Manager
	store    *store.Store

	upgradeURL string

	mu      sync.Mutex
	pending map[string]pending // request id -> waiting browser
	now     func() time.Time
}

func New(agents *agentmgr.Manager, browsers *browsermgr.Manager, st *store.Store, upgradeURL string) *Router {
	return &Router{
		agents:     agents,
		browsers:   browsers,
		store:      st,
		upgradeURL: upgradeURL,
		pending:    make(map[string]pending),
		now:        time.Now,
	}
}

// targeted is the minimal payload shape of any browser frame that names
// its destination agent.
type targeted struct {
	AgentID string `json:"agentId"`
}

// HandleBrowserFrame routes one frame received from a browser.
func (r *Router) HandleBrowserFrame(ctx context.Context, conn *browsermgr.Conn, frame []byte) {
	metrics.WSMessagesTotal.WithLabelValues("browser_to_agent").Inc()

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		slog.Debug("dropping malformed browser frame", "error", err)
		return
	}

	var target targeted
	if err := json.Unmarshal(env.Payload, &target); err != nil || target.AgentID == "" {
		slog.Debug("dropping browser frame without agent id", "type", env.Type)
		return
	}

	agent, err := r.store.Agent(ctx, target.AgentID)
	if err != nil || agent.UserID != conn.UserID {
		r.respondError(conn, env, 404, "unknown agent")
		return
	}

	if env.Type == protocol.TypeRequest {
		r.routeRequest(ctx, conn, env, frame)
		return
	}

	// Terminal control and other fire-and-forget frames pass through
	// verbatim once ownership checks out.
	if ac, ok := r.agents.Get(target.AgentID); ok {
		ac.SendRaw(frame)
	}
}

func (r *Router) routeRequest(ctx context.Context, conn *browsermgr.Conn, env protocol.Envelope, frame []byte) {
	var req protocol.Request
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.respondError(conn, env, 400, "malformed request")
		return
	}

	if req.Method == "POST" {
		if denied := r.gate(ctx, conn, env, req); denied {
			return
		}
	}

	ac, ok := r.agents.Get(req.AgentID)
	if !ok {
		metrics.RoutedRequests.WithLabelValues("agent_offline").Inc()
		r.respondError(conn, env, 502, "agent offline")
		return
	}

	if env.ID != "" {
		r.mu.Lock()
		r.pending[env.ID] = pending{browser: conn, agentID: req.AgentID, created: r.now()}
		r.mu.Unlock()
	}

	if !ac.SendRaw(frame) {
		r.clearPending(env.ID)
		metrics.RoutedRequests.WithLabelValues("agent_offline").Inc()
		r.respondError(conn, env, 502, "agent offline")
		return
	}
	metrics.RoutedRequests.WithLabelValues("forwarded").Inc()
}

// gate applies tier limits to creation routes. Returns true when the
// request was denied and answered; the agent never sees a denied request.
func (r *Router) gate(ctx context.Context, conn *browsermgr.Conn, env protocol.Envelope, req protocol.Request) bool {
	feature, paneType, gated := tier.GatedRoute(req.Path)
	if !gated {
		return false
	}

	user, err := r.store.User(ctx, conn.UserID)
	if err != nil {
		r.respondError(conn, env, 500, "internal error")
		return true
	}
	limits := tier.ForTier(user.Tier)

	current, err := r.store.CountPanes(ctx, conn.UserID, paneType)
	if err != nil {
		r.respondError(conn, env, 500, "internal error")
		return true
	}
	if limits.Allowed(feature, current) {
		return false
	}

	limit := limits.LimitFor(feature)
	body, _ := json.Marshal(protocol.QuotaBody{
		Feature:    string(feature),
		Message:    tier.Message(feature, limit),
		UpgradeURL: r.upgradeURL,
	})
	conn.Send(protocol.TypeResponse, env.ID, protocol.Response{Status: 403, Body: body})

	metrics.RoutedRequests.WithLabelValues("quota_denied").Inc()
	metrics.TierLimitHits.WithLabelValues(string(feature)).Inc()
	if err := r.store.AddEvent(ctx, conn.UserID, "tier.limit_hit", map[string]any{
		"feature": string(feature),
		"limit":   limit,
	}); err != nil {
		slog.Warn("recording tier limit event failed", "error", err)
	}
	return true
}

// HandleAgentFrame routes one frame received from an agent.
func (r *Router) HandleAgentFrame(conn *agentmgr.Conn, frame []byte) {
	metrics.WSMessagesTotal.WithLabelValues("agent_to_browser").Inc()

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		slog.Debug("dropping malformed agent frame", "agent", conn.AgentID, "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeResponse:
		if browser, ok := r.takePending(env.ID); ok {
			browser.SendRaw(frame)
		}
	case protocol.TypeScanPartial:
		// Partials share the request id but do not terminate it.
		if browser, ok := r.peekPending(env.ID); ok {
			browser.SendRaw(frame)
		}
	default:
		// Unsolicited pushes go to every browser the user has open.
		for _, b := range r.browsers.ForUser(conn.UserID) {
			b.SendRaw(frame)
		}
	}
}

// DropBrowser forgets any in-flight requests waiting on a departed
// browser; late agent responses are then discarded silently.
func (r *Router) DropBrowser(conn *browsermgr.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if p.browser == conn {
			delete(r.pending, id)
		}
	}
}

// DropAgent fails the in-flight requests targeted at a departed agent.
func (r *Router) DropAgent(conn *agentmgr.Conn) {
	r.mu.Lock()
	var orphaned []struct {
		id      string
		browser *browsermgr.Conn
	}
	for id, p := range r.pending {
		if p.agentID == conn.AgentID {
			orphaned = append(orphaned, struct {
				id      string
				browser *browsermgr.Conn
			}{id, p.browser})
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, o := range orphaned {
		sendError(o.browser, o.id, 502, "agent disconnected")
	}
}

// Sweep drops pending slots older than the TTL; run periodically.
func (r *Router) Sweep() int {
	cutoff := r.now().Add(-pendingTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, p := range r.pending {
		if p.created.Before(cutoff) {
			delete(r.pending, id)
			evicted++
		}
	}
	return evicted
}

// PendingCount reports the number of in-flight requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) takePending(id string) (*browsermgr.Conn, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p.browser, ok
}

func (r *Router) peekPending(id string) (*browsermgr.Conn, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	return p.browser, ok
}

func (r *Router) clearPending(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Router) respondError(conn *browsermgr.Conn, env protocol.Envelope, status int, msg string) {
	if env.Type != protocol.TypeRequest {
		return
	}
	sendError(conn, env.ID, status, msg)
}

func sendError(conn *browsermgr.Conn, id string, status int, msg string) {
	body, _ := json.Marshal(protocol.ErrorBody{Error: msg})
	conn.Send(protocol.TypeResponse, id, protocol.Response{Status: status, Body: body})
}
