package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/49agents/tc2/internal/protocol"
)

func dispatch(t *testing.T, r *Router, method, path string, body any) protocol.Response {
	t.Helper()
	call := &Call{Method: method, Path: path, Partial: func(any) {}}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		call.Body = raw
	}
	return r.Dispatch(context.Background(), call)
}

func TestRouterExactMatch(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/api/things", func(ctx context.Context, call *Call) Result {
		return OK(map[string]string{"hit": "list"})
	})

	res := dispatch(t, r, "GET", "/api/things", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"hit":"list"}`, string(res.Body))

	res = dispatch(t, r, "POST", "/api/things", nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestRouterParamCapture(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/api/things/:id/data", func(ctx context.Context, call *Call) Result {
		return OK(map[string]string{"id": call.Params["id"]})
	})

	res := dispatch(t, r, "GET", "/api/things/abc123/data", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"id":"abc123"}`, string(res.Body))

	res = dispatch(t, r, "GET", "/api/things/abc123", nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestRouterExactWinsOverParam(t *testing.T) {
	r := NewRouter()
	r.Handle("POST", "/api/things/:id", func(ctx context.Context, call *Call) Result {
		return OK(map[string]string{"hit": "param"})
	})
	r.Handle("POST", "/api/things/resume", func(ctx context.Context, call *Call) Result {
		return OK(map[string]string{"hit": "exact"})
	})

	res := dispatch(t, r, "POST", "/api/things/resume", nil)
	assert.JSONEq(t, `{"hit":"exact"}`, string(res.Body))

	res = dispatch(t, r, "POST", "/api/things/other", nil)
	assert.JSONEq(t, `{"hit":"param"}`, string(res.Body))
}

func TestRouterQueryString(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/api/files/browse", func(ctx context.Context, call *Call) Result {
		return OK(map[string]string{
			"path":   call.Query.Get("path"),
			"hidden": call.Query.Get("showHidden"),
		})
	})

	res := dispatch(t, r, "GET", "/api/files/browse?path=%7E%2Fsrc&showHidden=true", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"path":"~/src","hidden":"true"}`, string(res.Body))
}

func TestRouterPanicBecomes500(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/api/boom", func(ctx context.Context, call *Call) Result {
		panic("unexpected")
	})

	res := dispatch(t, r, "GET", "/api/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.JSONEq(t, `{"error":"internal error"}`, string(res.Body))
}

func TestCallBind(t *testing.T) {
	call := &Call{Body: json.RawMessage(`{"title":"x"}`)}
	var body struct {
		Title string `json:"title"`
	}
	require.NoError(t, call.Bind(&body))
	assert.Equal(t, "x", body.Title)

	empty := &Call{}
	assert.Error(t, empty.Bind(&body))

	bad := &Call{Body: json.RawMessage(`{`)}
	assert.Error(t, bad.Bind(&body))
}
