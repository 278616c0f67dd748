package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/49agents/tc2/internal/protocol"
	"github.com/49agents/tc2/internal/relay/auth"
	"github.com/49agents/tc2/internal/relay/config"
	"github.com/49agents/tc2/internal/relay/db"
	"github.com/49agents/tc2/internal/relay/store"
	"github.com/49agents/tc2/internal/util/testutil"
)

type testRelay struct {
	srv     *Server
	httpSrv *httptest.Server
	store   *store.Store
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	st := store.New(conn)
	cfg := &config.Config{
		ListenAddr:    ":0",
		SessionSecret: "test-secret",
		BaseURL:       "https://cloud.test",
		UpgradeURL:    "https://cloud.test/upgrade",
		PingInterval:  20,
	}
	s := New(cfg, st)
	hs := httptest.NewServer(s.http.Handler)
	t.Cleanup(hs.Close)
	return &testRelay{srv: s, httpSrv: hs, store: st}
}

func (tr *testRelay) postJSON(t *testing.T, path string, body any, cookie *http.Cookie) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", tr.httpSrv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (tr *testRelay) get(t *testing.T, path string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", tr.httpSrv.URL+path, nil)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// login creates a session and returns its cookie. The test server speaks
// plain http, so the cookie is extracted by hand rather than via a jar.
func (tr *testRelay) login(t *testing.T, email string) *http.Cookie {
	t.Helper()
	resp := tr.postJSON(t, "/api/auth/login", map[string]string{"email": email, "displayName": "Dev"}, nil)
	require.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie in login response")
	return nil
}

func TestLoginAndMe(t *testing.T) {
	tr := newTestRelay(t)
	cookie := tr.login(t, "dev@example.com")

	resp := tr.get(t, "/api/me", cookie)
	require.Equal(t, 200, resp.StatusCode)
	me := decodeJSON[store.User](t, resp)
	assert.Equal(t, "dev@example.com", me.Email)
	assert.Equal(t, "free", me.Tier)

	resp = tr.get(t, "/api/me", nil)
	assert.Equal(t, 401, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPairingHappyPath(t *testing.T) {
	tr := newTestRelay(t)

	resp := tr.postJSON(t, "/api/agents/pair",
		map[string]string{"hostname": "H", "os": "linux", "version": "v"}, nil)
	require.Equal(t, 200, resp.StatusCode)
	pair := decodeJSON[struct {
		Code      string `json:"code"`
		PairURL   string `json:"pairUrl"`
		ExpiresIn int    `json:"expiresIn"`
	}](t, resp)
	assert.Len(t, pair.Code, 6)
	assert.Equal(t, "https://cloud.test/pair?code="+pair.Code, pair.PairURL)
	assert.Equal(t, 600, pair.ExpiresIn)

	// Poll before approval: still pending, code stays live.
	resp = tr.get(t, "/api/agents/pair-status?code="+pair.Code, nil)
	require.Equal(t, 200, resp.StatusCode)
	status := decodeJSON[map[string]string](t, resp)
	assert.Equal(t, "pending", status["status"])

	cookie := tr.login(t, "dev@example.com")
	resp = tr.postJSON(t, "/api/agents/approve", map[string]string{"code": pair.Code}, cookie)
	require.Equal(t, 200, resp.StatusCode)
	approved := decodeJSON[struct {
		OK      bool   `json:"ok"`
		AgentID string `json:"agentId"`
	}](t, resp)
	assert.True(t, approved.OK)
	assert.NotEmpty(t, approved.AgentID)

	resp = tr.get(t, "/api/agents/pair-status?code="+pair.Code, nil)
	require.Equal(t, 200, resp.StatusCode)
	status = decodeJSON[map[string]string](t, resp)
	assert.Equal(t, "approved", status["status"])
	assert.NotEmpty(t, status["token"])
	assert.Equal(t, approved.AgentID, status["agentId"])

	// Consumed exactly once.
	resp = tr.get(t, "/api/agents/pair-status?code="+pair.Code, nil)
	assert.Equal(t, 404, resp.StatusCode)
	_ = resp.Body.Close()

	// The paired agent shows up for its owner.
	resp = tr.get(t, "/api/agents", cookie)
	require.Equal(t, 200, resp.StatusCode)
	agents := decodeJSON[[]map[string]any](t, resp)
	require.Len(t, agents, 1)
	assert.Equal(t, "H", agents[0]["hostname"])
	assert.Equal(t, false, agents[0]["online"])
}

func TestApproveUnknownCode(t *testing.T) {
	tr := newTestRelay(t)
	cookie := tr.login(t, "dev@example.com")

	resp := tr.postJSON(t, "/api/agents/approve", map[string]string{"code": "NOPE99"}, cookie)
	assert.Equal(t, 404, resp.StatusCode)
	_ = resp.Body.Close()
}

// pairAgent runs the full pairing flow and returns the agent token.
func (tr *testRelay) pairAgent(t *testing.T, cookie *http.Cookie, hostname string) (agentID, token string) {
	t.Helper()
	resp := tr.postJSON(t, "/api/agents/pair",
		map[string]string{"hostname": hostname, "os": "linux", "version": "v"}, nil)
	require.Equal(t, 200, resp.StatusCode)
	pair := decodeJSON[map[string]any](t, resp)
	code := pair["code"].(string)

	resp = tr.postJSON(t, "/api/agents/approve", map[string]string{"code": code}, cookie)
	require.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()

	resp = tr.get(t, "/api/agents/pair-status?code="+code, nil)
	require.Equal(t, 200, resp.StatusCode)
	status := decodeJSON[map[string]string](t, resp)
	return status["agentId"], status["token"]
}

func (tr *testRelay) dialAgent(t *testing.T, token string) (*websocket.Conn, protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(tr.httpSrv.URL, "http") + "/agent-ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })

	frame, err := protocol.Encode(protocol.TypeAgentAuth, "", protocol.AuthRequest{
		Token: token, Hostname: "H", OS: "linux", Version: "v",
	})
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, frame))

	_, reply, err := ws.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(reply, &env))
	return ws, env
}

func TestAgentWebsocketAuth(t *testing.T) {
	tr := newTestRelay(t)
	cookie := tr.login(t, "dev@example.com")
	agentID, token := tr.pairAgent(t, cookie, "H")

	_, env := tr.dialAgent(t, token)
	require.Equal(t, protocol.TypeAgentAuthOK, env.Type)
	var ok protocol.AuthOK
	require.NoError(t, json.Unmarshal(env.Payload, &ok))
	assert.Equal(t, agentID, ok.AgentID)

	// Registration completes just after auth:ok is written.
	testutil.RequireEventually(t, func() bool {
		return tr.srv.agents.Count() == 1
	}, "agent never registered")

	resp := tr.get(t, "/api/agents", cookie)
	require.Equal(t, 200, resp.StatusCode)
	agents := decodeJSON[[]map[string]any](t, resp)
	require.Len(t, agents, 1)
	assert.Equal(t, true, agents[0]["online"])
}

func TestAgentWebsocketRejectsBadToken(t *testing.T) {
	tr := newTestRelay(t)
	_, env := tr.dialAgent(t, "not-a-real-token")
	assert.Equal(t, protocol.TypeAgentAuthFail, env.Type)
}

func TestAgentLimitEnforcedAtJoin(t *testing.T) {
	tr := newTestRelay(t)
	cookie := tr.login(t, "dev@example.com")

	// Free tier allows 2 concurrent agents.
	var tokens []string
	for i := 0; i < 3; i++ {
		_, token := tr.pairAgent(t, cookie, fmt.Sprintf("host-%d", i))
		tokens = append(tokens, token)
	}

	for i := 0; i < 2; i++ {
		_, env := tr.dialAgent(t, tokens[i])
		require.Equal(t, protocol.TypeAgentAuthOK, env.Type)
		want := i + 1
		testutil.RequireEventually(t, func() bool {
			return tr.srv.agents.Count() == want
		}, "agent %d never registered", i)
	}

	_, env := tr.dialAgent(t, tokens[2])
	require.Equal(t, protocol.TypeAgentAuthFail, env.Type)
	var fail protocol.AuthFail
	require.NoError(t, json.Unmarshal(env.Payload, &fail))
	assert.Contains(t, fail.Reason, "limit")
}

func TestLayoutRoundTrip(t *testing.T) {
	tr := newTestRelay(t)
	cookie := tr.login(t, "dev@example.com")

	put := map[string]any{"panes": []map[string]any{
		{"id": "p1", "paneType": "terminal", "x": 0, "y": 0, "w": 400, "h": 300, "zIndex": 1},
	}}
	req, err := http.NewRequest("PUT", tr.httpSrv.URL+"/api/layout", bytes.NewReader(mustJSON(t, put)))
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()

	resp = tr.get(t, "/api/layout", cookie)
	require.Equal(t, 200, resp.StatusCode)
	layout := decodeJSON[struct {
		Panes []store.PaneLayout `json:"panes"`
	}](t, resp)
	require.Len(t, layout.Panes, 1)
	assert.Equal(t, "p1", layout.Panes[0].ID)
	assert.Equal(t, "terminal", layout.Panes[0].PaneType)

	patch, err := http.NewRequest("PATCH", tr.httpSrv.URL+"/api/layout/p1",
		bytes.NewReader(mustJSON(t, map[string]any{"x": 5, "y": 6, "w": 500, "h": 400, "zIndex": 2})))
	require.NoError(t, err)
	patch.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(patch)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPreferencesRoundTrip(t *testing.T) {
	tr := newTestRelay(t)
	cookie := tr.login(t, "dev@example.com")

	resp := tr.get(t, "/api/preferences", cookie)
	require.Equal(t, 200, resp.StatusCode)
	prefs := decodeJSON[map[string]any](t, resp)
	assert.Empty(t, prefs)

	req, err := http.NewRequest("PUT", tr.httpSrv.URL+"/api/preferences",
		bytes.NewReader([]byte(`{"theme":"dark"}`)))
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	_ = resp.Body.Close()

	resp = tr.get(t, "/api/preferences", cookie)
	prefs = decodeJSON[map[string]any](t, resp)
	assert.Equal(t, "dark", prefs["theme"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
