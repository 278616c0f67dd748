package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/49agents/tc2/internal/protocol"
)

// Call is a decoded multiplexed REST request.
type Call struct {
	ID     string
	Method string
	Path   string
	Params map[string]string // :param captures
	Query  url.Values
	Body   json.RawMessage

	// Partial streams a scan:partial frame tied to this request's id.
	Partial func(payload any)
}

// Bind unmarshals the request body into v.
func (c *Call) Bind(v any) error {
	if len(c.Body) == 0 {
		return fmt.Errorf("request body is required")
	}
	if err := json.Unmarshal(c.Body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Result is a handler's outcome: an HTTP-shaped status plus a JSON body.
type Result struct {
	Status int
	Body   any
}

func OK(body any) Result {
	return Result{Status: http.StatusOK, Body: body}
}

func Created(body any) Result {
	return Result{Status: http.StatusCreated, Body: body}
}

// Invalid is a caller error: 4xx with {error}, not logged as a failure.
func Invalid(format string, args ...any) Result {
	return Result{Status: http.StatusBadRequest, Body: protocol.ErrorBody{Error: fmt.Sprintf(format, args...)}}
}

func NotFound(format string, args ...any) Result {
	return Result{Status: http.StatusNotFound, Body: protocol.ErrorBody{Error: fmt.Sprintf(format, args...)}}
}

func Failure(err error) Result {
	return Result{Status: http.StatusInternalServerError, Body: protocol.ErrorBody{Error: err.Error()}}
}

// Handler answers one route.
type Handler func(ctx context.Context, call *Call) Result

type route struct {
	method   string
	segments []string // literal or ":name"
	handler  Handler
}

// Router dispatches multiplexed requests by method and path. Exact
// literal routes win over :param routes.
type Router struct {
	exact    map[string]Handler // "METHOD path" -> handler
	patterns []route
}

func NewRouter() *Router {
	return &Router{exact: make(map[string]Handler)}
}

// Handle registers a route. Patterns may contain :param segments.
func (r *Router) Handle(method, pattern string, h Handler) {
	if !strings.Contains(pattern, ":") {
		r.exact[method+" "+pattern] = h
		return
	}
	r.patterns = append(r.patterns, route{
		method:   method,
		segments: splitPath(pattern),
		handler:  h,
	})
}

// Dispatch routes a request and returns the response payload. A handler
// panic becomes a 500, never a crash of the transport loop.
func (r *Router) Dispatch(ctx context.Context, call *Call) (res protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panic", "method", call.Method, "path", call.Path,
				"panic", rec, "stack", string(debug.Stack()))
			res = encodeResult(Result{
				Status: http.StatusInternalServerError,
				Body:   protocol.ErrorBody{Error: "internal error"},
			})
		}
	}()

	path := call.Path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		q, err := url.ParseQuery(path[i+1:])
		if err == nil {
			call.Query = q
		}
		path = path[:i]
	}
	if call.Query == nil {
		call.Query = url.Values{}
	}

	h, params := r.match(call.Method, path)
	if h == nil {
		return encodeResult(NotFound("no route for %s %s", call.Method, path))
	}
	call.Params = params
	return encodeResult(h(ctx, call))
}

func (r *Router) match(method, path string) (Handler, map[string]string) {
	if h, ok := r.exact[method+" "+path]; ok {
		return h, nil
	}
	segs := splitPath(path)
	for _, rt := range r.patterns {
		if rt.method != method || len(rt.segments) != len(segs) {
			continue
		}
		params := make(map[string]string)
		matched := true
		for i, ps := range rt.segments {
			if strings.HasPrefix(ps, ":") {
				params[ps[1:]] = segs[i]
				continue
			}
			if ps != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			return rt.handler, params
		}
	}
	return nil, nil
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func encodeResult(res Result) protocol.Response {
	body, err := json.Marshal(res.Body)
	if err != nil {
		slog.Error("encode response body", "error", err)
		body, _ = json.Marshal(protocol.ErrorBody{Error: "internal error"})
		return protocol.Response{Status: http.StatusInternalServerError, Body: body}
	}
	return protocol.Response{Status: res.Status, Body: body}
}
