package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Record types on the bridge channel. Each websocket message starts with a
// one-byte record type; the rest is the payload.
const (
	recordInput  = 0x30 // agent → bridge: raw input bytes
	recordResize = 0x31 // agent → bridge: resize JSON {columns, rows}
	recordOutput = '0'  // bridge → agent: raw output bytes
)

const (
	connectAttempts = 5
	connectGap      = 200 * time.Millisecond
	writeTimeout    = 10 * time.Second
)

// OutputFn receives raw output bytes from the bridge.
type OutputFn func(data []byte)

// ClosedFn is called once when the connection's read pump exits. The
// *Conn argument lets listeners verify identity before treating the close
// as authoritative (a stale close must not affect a newer connection).
type ClosedFn func(c *Conn)

// Conn is one live websocket connection to a bridge process.
type Conn struct {
	ws       *websocket.Conn
	onOutput OutputFn
	onClosed ClosedFn
}

type resizePayload struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// Connect dials the bridge's loopback port with the requested geometry,
// retrying a few times while the bridge finishes binding.
func Connect(ctx context.Context, b *Bridge, cols, rows int, onOutput OutputFn, onClosed ClosedFn) (*Conn, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?cols=%d&rows=%d", b.Port, cols, rows)

	var ws *websocket.Conn
	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		ws, _, err = websocket.Dial(ctx, url, nil)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectGap):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect bridge %s: %w", b.SessionName, err)
	}
	ws.SetReadLimit(1 << 20)

	c := &Conn{ws: ws, onOutput: onOutput, onClosed: onClosed}
	go c.readPump(b.SessionName)
	return c, nil
}

func (c *Conn) readPump(sessionName string) {
	defer func() {
		if c.onClosed != nil {
			c.onClosed(c)
		}
	}()
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			slog.Debug("bridge read closed", "session", sessionName, "error", err)
			return
		}
		if len(data) == 0 {
			continue
		}
		if data[0] == recordOutput && c.onOutput != nil {
			c.onOutput(data[1:])
		}
	}
}

// WriteInput frames input bytes for the bridge.
func (c *Conn) WriteInput(ctx context.Context, data []byte) error {
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, recordInput)
	frame = append(frame, data...)
	return c.write(ctx, frame)
}

// WriteResize frames a resize record for the bridge.
func (c *Conn) WriteResize(ctx context.Context, cols, rows int) error {
	payload, err := json.Marshal(resizePayload{Columns: cols, Rows: rows})
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, recordResize)
	frame = append(frame, payload...)
	return c.write(ctx, frame)
}

func (c *Conn) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

// Close shuts the websocket down. The bridge process is unaffected.
func (c *Conn) Close() {
	_ = c.ws.Close(websocket.StatusNormalClosure, "detach")
}
