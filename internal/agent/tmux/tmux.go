// Package tmux drives the terminal multiplexer that owns persistent named
// sessions. All invocations go through argv arrays (never a shell line) with
// per-call timeouts; session names are derived from terminal ids, never
// user-supplied.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SessionPrefix is the reserved prefix for sessions owned by the agent.
// Sessions named tc2-<terminal id> are adopted at startup.
const SessionPrefix = "tc2-"

const (
	listTimeout    = 3 * time.Second
	captureTimeout = 3 * time.Second
	controlTimeout = 5 * time.Second

	// maxScrollLines caps a single scroll request to avoid long key bursts.
	maxScrollLines = 15
)

// Tmux invokes the tmux binary. The zero value is not usable; call New.
type Tmux struct {
	bin string
}

// New returns a driver using the given binary, or "tmux" when empty.
func New(bin string) *Tmux {
	if bin == "" {
		bin = "tmux"
	}
	return &Tmux{bin: bin}
}

// SessionName derives the session name for a terminal id.
func SessionName(terminalID string) string {
	return SessionPrefix + terminalID
}

func (t *Tmux) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("tmux %s: %s", args[0], msg)
		}
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// ListSessions returns the names of all sessions with the reserved prefix.
func (t *Tmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, listTimeout, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if strings.Contains(err.Error(), "no server") || strings.Contains(err.Error(), "No such file") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// HasSession reports whether the named session exists.
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	_, err := t.run(ctx, listTimeout, "has-session", "-t", "="+name)
	return err == nil
}

// NewSession creates a detached session in the given working directory.
func (t *Tmux) NewSession(ctx context.Context, name, workingDir string) error {
	_, err := t.run(ctx, controlTimeout, "new-session", "-d", "-s", name, "-c", workingDir)
	return err
}

// KillSession destroys the named session. Missing sessions are not an error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	_, err := t.run(ctx, controlTimeout, "kill-session", "-t", "="+name)
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

// ResizeWindow sets the session's window geometry.
func (t *Tmux) ResizeWindow(ctx context.Context, name string, cols, rows int) error {
	_, err := t.run(ctx, controlTimeout, "resize-window", "-t", "="+name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// CaptureHistory captures scrollback from session start up to, but
// excluding, the live visible screen, with ANSI escapes preserved.
func (t *Tmux) CaptureHistory(ctx context.Context, name string) ([]byte, error) {
	return t.run(ctx, captureTimeout, "capture-pane", "-p", "-e", "-t", "="+name,
		"-S", "-", "-E", "-1")
}

// CaptureVisible captures the visible screen without escapes, for the
// state detector's screen scraping.
func (t *Tmux) CaptureVisible(ctx context.Context, name string) ([]byte, error) {
	return t.run(ctx, captureTimeout, "capture-pane", "-p", "-t", "="+name)
}

// Scroll drives the session's copy-mode: enter with auto-exit on
// reach-bottom, then emit |lines| scroll key events. Lines are clamped.
func (t *Tmux) Scroll(ctx context.Context, name string, lines int) error {
	if lines == 0 {
		return nil
	}
	key := "scroll-up"
	if lines < 0 {
		key = "scroll-down"
		lines = -lines
	}
	if lines > maxScrollLines {
		lines = maxScrollLines
	}
	if _, err := t.run(ctx, controlTimeout, "copy-mode", "-e", "-t", "="+name); err != nil {
		return err
	}
	_, err := t.run(ctx, controlTimeout, "send-keys", "-t", "="+name,
		"-X", "-N", strconv.Itoa(lines), key)
	return err
}

// Pane describes one pane from the batch query used by the state detector.
type Pane struct {
	SessionName    string
	CurrentCommand string
	CWD            string
	IsActive       bool
	PID            int
}

// ListPanes runs one batch query listing every reserved-prefix pane with
// the fields the detector needs.
func (t *Tmux) ListPanes(ctx context.Context) ([]Pane, error) {
	format := strings.Join([]string{
		"#{session_name}",
		"#{pane_current_command}",
		"#{pane_current_path}",
		"#{?pane_active,1,0}",
		"#{pane_pid}",
	}, "\t")
	out, err := t.run(ctx, listTimeout, "list-panes", "-a", "-F", format)
	if err != nil {
		if strings.Contains(err.Error(), "no server") {
			return nil, nil
		}
		return nil, err
	}

	var panes []Pane
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 5 || !strings.HasPrefix(fields[0], SessionPrefix) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		panes = append(panes, Pane{
			SessionName:    fields[0],
			CurrentCommand: fields[1],
			CWD:            fields[2],
			IsActive:       fields[3] == "1",
			PID:            pid,
		})
	}
	return panes, nil
}
