package claudestate

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/49agents/tc2/internal/protocol"
)

const (
	pushInterval = 2 * time.Second
	slowPass     = 500 * time.Millisecond
)

// SendFn delivers a message to the relay; returns false when not connected.
type SendFn func(msgType string, id string, payload any) bool

// Pusher drives the periodic state-detection loop and pushes a
// claude:states message only when something meaningful changed.
type Pusher struct {
	detector *Detector
	send     SendFn

	running atomic.Bool
	last    protocol.ClaudeStates
}

// NewPusher builds a Pusher.
func NewPusher(d *Detector, send SendFn) *Pusher {
	return &Pusher{detector: d, send: send}
}

// Run ticks every 2s until ctx is cancelled. Ticks are non-reentrant: if
// the previous pass is still running, the tick is skipped.
func (p *Pusher) Run(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				slog.Debug("state pass still running, skipping tick")
				continue
			}
			go func() {
				defer p.running.Store(false)
				p.pass(ctx)
			}()
		}
	}
}

func (p *Pusher) pass(ctx context.Context) {
	start := time.Now()
	states, err := p.detector.DetectAll(ctx)
	if elapsed := time.Since(start); elapsed > slowPass {
		slog.Warn("slow state detection pass", "elapsed", elapsed, "terminals", len(states))
	}
	if err != nil {
		slog.Debug("state detection failed", "error", err)
		return
	}

	if !p.changed(states) {
		return
	}
	p.last = states
	p.send(protocol.TypeClaudeStates, "", states)
}

// changed reports whether any terminal's isClaude, state, or location name
// differs from the previous pass, or terminals appeared/disappeared.
func (p *Pusher) changed(states protocol.ClaudeStates) bool {
	if p.last == nil || len(states) != len(p.last) {
		return true
	}
	for tid, st := range states {
		prev, ok := p.last[tid]
		if !ok || st.IsClaude != prev.IsClaude || st.State != prev.State {
			return true
		}
		if locName(st.Location) != locName(prev.Location) {
			return true
		}
	}
	return false
}

func locName(l *protocol.Location) string {
	if l == nil {
		return ""
	}
	return l.Name
}
