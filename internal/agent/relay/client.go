// Package relay implements the agent's side of the relay connection: the
// persistent authenticated websocket, the reconnect loop, and the
// dispatch of multiplexed browser requests to local services.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/49agents/tc2/internal/protocol"
	"github.com/49agents/tc2/internal/util/timefmt"
)

const (
	// pingWatchdog closes a connection that has gone silent; the relay
	// pings well inside this window.
	pingWatchdog = 45 * time.Second

	writeTimeout    = 10 * time.Second
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	handshakeWindow = 15 * time.Second
)

// ErrAuthRejected is returned when the relay refuses the agent token.
// Callers must not retry with the same token.
var ErrAuthRejected = errors.New("relay rejected agent credentials")

// Dispatcher handles decoded frames that are not connection control.
type Dispatcher interface {
	// HandleMessage processes a stream frame (terminal:*, etc.).
	HandleMessage(ctx context.Context, env protocol.Envelope)
	// HandleRequest answers one multiplexed REST request.
	HandleRequest(ctx context.Context, call *Call) protocol.Response
}

// Client maintains the agent's outbound relay connection.
type Client struct {
	wsURL      string
	token      string
	version    string
	dispatcher Dispatcher
	onAuthOK   func(protocol.AuthOK)

	newBackoff func() backoff.BackOff // swapped in tests

	mu     sync.Mutex
	ws     *websocket.Conn
	authed bool
}

// NewClient builds a Client for the relay at cloudURL (http/https; the
// scheme is rewritten for the websocket endpoint).
func NewClient(cloudURL, token, version string, d Dispatcher, onAuthOK func(protocol.AuthOK)) (*Client, error) {
	wsURL, err := agentEndpoint(cloudURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		wsURL:      wsURL,
		token:      token,
		version:    version,
		dispatcher: d,
		onAuthOK:   onAuthOK,
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = initialBackoff
			bo.MaxInterval = maxBackoff
			bo.Multiplier = 2.0
			bo.RandomizationFactor = 0.2
			return bo
		},
	}, nil
}

func agentEndpoint(cloudURL string) (string, error) {
	u, err := url.Parse(cloudURL)
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agent-ws"
	return u.String(), nil
}

// Run connects and reconnects until ctx is cancelled or authentication is
// rejected. The backoff grows 1s → 30s and resets on successful auth.
func (c *Client) Run(ctx context.Context) error {
	bo := c.newBackoff()
	var announced bool

	for {
		retryDelay, authed, err := c.runOnce(ctx, bo)
		if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if authed {
			// The outage starts fresh after a successful cycle.
			announced = false
		}

		// Surface the drop once; reconnection attempts stay quiet.
		if !announced {
			slog.Warn("relay connection lost, reconnecting", "error", err)
			announced = true
		} else {
			slog.Debug("reconnect attempt failed", "error", err)
		}

		wait := bo.NextBackOff()
		if retryDelay > wait {
			wait = retryDelay
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// runOnce performs one connect/auth/read cycle. It returns a minimum
// delay before the next attempt when the relay requested one, and whether
// authentication succeeded during the cycle.
func (c *Client) runOnce(ctx context.Context, bo backoff.BackOff) (time.Duration, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeWindow)
	ws, _, err := websocket.Dial(dialCtx, c.wsURL, nil)
	cancel()
	if err != nil {
		return 0, false, fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(1 << 22)

	c.mu.Lock()
	c.ws = ws
	c.authed = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
			c.authed = false
		}
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	hostname, _ := os.Hostname()
	if err := c.writeFrame(ctx, ws, protocol.TypeAgentAuth, "", protocol.AuthRequest{
		Token:    c.token,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Version:  c.version,
	}); err != nil {
		return 0, false, fmt.Errorf("send auth: %w", err)
	}

	return c.readLoop(ctx, ws, bo)
}

// readLoop processes frames until the connection drops. A watchdog closes
// the connection when nothing (including pings) arrives for 45s.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, bo backoff.BackOff) (time.Duration, bool, error) {
	watchdog := time.AfterFunc(pingWatchdog, func() {
		slog.Warn("relay silent past watchdog, closing connection")
		_ = ws.Close(websocket.StatusGoingAway, "ping timeout")
	})
	defer watchdog.Stop()

	var retryDelay time.Duration
	var authed bool

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return retryDelay, authed, fmt.Errorf("relay read: %w", err)
		}
		watchdog.Reset(pingWatchdog)

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("bad frame from relay", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeAgentAuthOK:
			var ok protocol.AuthOK
			if err := json.Unmarshal(env.Payload, &ok); err != nil {
				return retryDelay, authed, fmt.Errorf("bad auth:ok payload: %w", err)
			}
			c.mu.Lock()
			c.authed = true
			c.mu.Unlock()
			authed = true
			bo.Reset()
			slog.Info("authenticated with relay", "agent_id", ok.AgentID)
			if c.onAuthOK != nil {
				c.onAuthOK(ok)
			}

		case protocol.TypeAgentAuthFail:
			var fail protocol.AuthFail
			_ = json.Unmarshal(env.Payload, &fail)
			slog.Error("relay rejected credentials", "reason", fail.Reason)
			return retryDelay, authed, ErrAuthRejected

		case protocol.TypeAgentPing:
			c.Send(protocol.TypeAgentPong, "", protocol.Pong{Timestamp: timefmt.Format(time.Now())})

		case protocol.TypeAgentShutdown:
			var sd protocol.Shutdown
			_ = json.Unmarshal(env.Payload, &sd)
			retryDelay = time.Duration(sd.RetryDelaySeconds) * time.Second
			slog.Info("relay shutting down", "retry_delay", retryDelay)

		case protocol.TypeRequest:
			c.handleRequest(ctx, env)

		default:
			c.dispatcher.HandleMessage(ctx, env)
		}
	}
}

// handleRequest answers one multiplexed request on its own goroutine so a
// slow local service cannot stall terminal streaming.
func (c *Client) handleRequest(ctx context.Context, env protocol.Envelope) {
	var req protocol.Request
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		slog.Warn("bad request payload", "id", env.ID, "error", err)
		return
	}

	call := &Call{
		ID:     env.ID,
		Method: req.Method,
		Path:   req.Path,
		Body:   req.Body,
		Partial: func(payload any) {
			c.Send(protocol.TypeScanPartial, env.ID, payload)
		},
	}

	go func() {
		res := c.dispatcher.HandleRequest(ctx, call)
		c.Send(protocol.TypeResponse, env.ID, res)
	}()
}

// Send writes one frame, best effort. It returns false when no connection
// is open or the write fails; stream frames are regenerable so callers
// usually ignore the result, history replay does not.
func (c *Client) Send(msgType, id string, payload any) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.writeFrame(ctx, ws, msgType, id, payload); err != nil {
		slog.Debug("relay send failed", "type", msgType, "error", err)
		return false
	}
	return true
}

func (c *Client) writeFrame(ctx context.Context, ws *websocket.Conn, msgType, id string, payload any) error {
	frame, err := protocol.Encode(msgType, id, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, frame)
}

// Close shuts the current connection down (intentional close; the caller
// decides whether Run keeps reconnecting via ctx).
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// Connected reports whether an authenticated connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && c.authed
}
