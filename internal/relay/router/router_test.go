package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/49agents/tc2/internal/protocol"
	"github.com/49agents/tc2/internal/relay/agentmgr"
	"github.com/49agents/tc2/internal/relay/browsermgr"
	"github.com/49agents/tc2/internal/relay/db"
	"github.com/49agents/tc2/internal/relay/store"
)

const upgradeURL = "https://49agents.dev/upgrade"

// wsPair returns both ends of a live websocket.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- c
		<-done
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	server = <-serverCh

	t.Cleanup(func() {
		close(done)
		_ = client.Close(websocket.StatusNormalClosure, "")
		_ = server.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	})
	return server, client
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := ws.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func assertNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err, "expected no frame but one arrived")
}

type fixture struct {
	router   *Router
	store    *store.Store
	user     *store.User
	agentRow *store.Agent

	browserClient *websocket.Conn
	agentClient   *websocket.Conn
	agentConn     *agentmgr.Conn
	browserConn   *browsermgr.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	st := store.New(conn)

	ctx := context.Background()
	user, err := st.EnsureUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)
	agentRow := &store.Agent{UserID: user.ID, Hostname: "devbox", TokenHash: "h"}
	require.NoError(t, st.UpsertAgent(ctx, agentRow))

	agents := agentmgr.NewManager()
	browsers := browsermgr.NewManager()
	r := New(agents, browsers, st, upgradeURL)

	bServer, bClient := wsPair(t)
	aServer, aClient := wsPair(t)

	bConn := browsermgr.NewConn(bServer, user.ID)
	browsers.Register(bConn)
	aConn := agentmgr.NewConn(aServer, agentRow.ID, user.ID, "devbox")
	agents.Register(aConn)

	return &fixture{
		router:        r,
		store:         st,
		user:          user,
		agentRow:      agentRow,
		browserClient: bClient,
		agentClient:   aClient,
		agentConn:     aConn,
		browserConn:   bConn,
	}
}

func requestFrame(t *testing.T, id, agentID, method, path string, body any) []byte {
	t.Helper()
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		raw = b
	}
	frame, err := protocol.Encode(protocol.TypeRequest, id, protocol.Request{
		AgentID: agentID, Method: method, Path: path, Body: raw,
	})
	require.NoError(t, err)
	return frame
}

func TestQuotaDenialNeverReachesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Free tier caps at 7 terminal panes; fill them.
	panes := make([]store.PaneLayout, 7)
	for i := range panes {
		panes[i] = store.PaneLayout{PaneType: "terminal", W: 100, H: 100}
	}
	require.NoError(t, f.store.ReplaceLayout(ctx, f.user.ID, panes))

	frame := requestFrame(t, "req-1", f.agentRow.ID, "POST", "/api/terminals",
		map[string]string{"workingDir": "~"})
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)

	env := readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeResponse, env.Type)
	assert.Equal(t, "req-1", env.ID)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, 403, resp.Status)

	var quota protocol.QuotaBody
	require.NoError(t, json.Unmarshal(resp.Body, &quota))
	assert.Equal(t, "terminalPanes", quota.Feature)
	assert.Contains(t, quota.Message, "Upgrade")
	assert.Equal(t, upgradeURL, quota.UpgradeURL)

	assertNoFrame(t, f.agentClient)
	assert.Zero(t, f.router.PendingCount())

	n, err := f.store.CountEvents(ctx, "tier.limit_hit")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQuotaDenialWithQueryString(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	panes := make([]store.PaneLayout, 7)
	for i := range panes {
		panes[i] = store.PaneLayout{PaneType: "terminal", W: 100, H: 100}
	}
	require.NoError(t, f.store.ReplaceLayout(ctx, f.user.ID, panes))

	// A query string must not dodge the creation-set lookup.
	frame := requestFrame(t, "req-q", f.agentRow.ID, "POST", "/api/terminals?x=1",
		map[string]string{"workingDir": "~"})
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)

	env := readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeResponse, env.Type)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, 403, resp.Status)

	assertNoFrame(t, f.agentClient)
}

func TestRequestForwardedAndAnswered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	frame := requestFrame(t, "req-2", f.agentRow.ID, "POST", "/api/terminals",
		map[string]string{"workingDir": "~"})
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)

	// The agent sees the request verbatim.
	env := readEnvelope(t, f.agentClient)
	assert.Equal(t, protocol.TypeRequest, env.Type)
	assert.Equal(t, "req-2", env.ID)
	assert.Equal(t, 1, f.router.PendingCount())

	respFrame, err := protocol.Encode(protocol.TypeResponse, "req-2",
		protocol.Response{Status: 201, Body: json.RawMessage(`{"id":"tc2-1"}`)})
	require.NoError(t, err)
	f.router.HandleAgentFrame(f.agentConn, respFrame)

	env = readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeResponse, env.Type)
	assert.Equal(t, "req-2", env.ID)
	assert.Zero(t, f.router.PendingCount())
}

func TestScanPartialsPrecedeResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	frame := requestFrame(t, "req-3", f.agentRow.ID, "GET", "/api/git-repos/in-folder", nil)
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)
	readEnvelope(t, f.agentClient)

	partial, err := protocol.Encode(protocol.TypeScanPartial, "req-3",
		map[string]string{"path": "/home/dev/a", "name": "a", "branch": "main"})
	require.NoError(t, err)
	f.router.HandleAgentFrame(f.agentConn, partial)

	env := readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeScanPartial, env.Type)
	assert.Equal(t, "req-3", env.ID)
	// Partials do not terminate the request.
	assert.Equal(t, 1, f.router.PendingCount())

	respFrame, err := protocol.Encode(protocol.TypeResponse, "req-3",
		protocol.Response{Status: 200, Body: json.RawMessage(`[]`)})
	require.NoError(t, err)
	f.router.HandleAgentFrame(f.agentConn, respFrame)
	env = readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeResponse, env.Type)
	assert.Zero(t, f.router.PendingCount())
}

func TestForeignAgentRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.EnsureUser(ctx, "other@example.com", "Other")
	require.NoError(t, err)
	foreign := &store.Agent{UserID: other.ID, Hostname: "otherbox", TokenHash: "h2"}
	require.NoError(t, f.store.UpsertAgent(ctx, foreign))

	frame := requestFrame(t, "req-4", foreign.ID, "GET", "/api/terminals", nil)
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)

	env := readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeResponse, env.Type)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, 404, resp.Status)
	assertNoFrame(t, f.agentClient)
}

func TestOfflineAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Paired but not connected.
	offline := &store.Agent{UserID: f.user.ID, Hostname: "laptop", TokenHash: "h3"}
	require.NoError(t, f.store.UpsertAgent(ctx, offline))

	frame := requestFrame(t, "req-5", offline.ID, "GET", "/api/terminals", nil)
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)

	env := readEnvelope(t, f.browserClient)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, 502, resp.Status)
}

func TestUnsolicitedFrameFansOut(t *testing.T) {
	f := newFixture(t)

	push, err := protocol.Encode(protocol.TypeMetrics, "",
		protocol.Metrics{RAM: protocol.RAM{Total: 1, Used: 1, Available: 0}})
	require.NoError(t, err)
	f.router.HandleAgentFrame(f.agentConn, push)

	env := readEnvelope(t, f.browserClient)
	assert.Equal(t, protocol.TypeMetrics, env.Type)
}

func TestDropAgentFailsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	frame := requestFrame(t, "req-6", f.agentRow.ID, "GET", "/api/terminals", nil)
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)
	readEnvelope(t, f.agentClient)
	require.Equal(t, 1, f.router.PendingCount())

	f.router.DropAgent(f.agentConn)

	env := readEnvelope(t, f.browserClient)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, 502, resp.Status)
	assert.Zero(t, f.router.PendingCount())
}

func TestDropBrowserSilencesLateResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	frame := requestFrame(t, "req-7", f.agentRow.ID, "GET", "/api/terminals", nil)
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)
	readEnvelope(t, f.agentClient)

	f.router.DropBrowser(f.browserConn)
	assert.Zero(t, f.router.PendingCount())

	respFrame, err := protocol.Encode(protocol.TypeResponse, "req-7",
		protocol.Response{Status: 200, Body: json.RawMessage(`[]`)})
	require.NoError(t, err)
	f.router.HandleAgentFrame(f.agentConn, respFrame)
	assertNoFrame(t, f.browserClient)
}

func TestSweepEvictsStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	frame := requestFrame(t, "req-8", f.agentRow.ID, "GET", "/api/terminals", nil)
	f.router.HandleBrowserFrame(ctx, f.browserConn, frame)
	readEnvelope(t, f.agentClient)

	f.router.now = func() time.Time { return time.Now().Add(2 * pendingTTL) }
	assert.Equal(t, 1, f.router.Sweep())
	assert.Zero(t, f.router.PendingCount())
}
