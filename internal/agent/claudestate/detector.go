// Package claudestate decides, per terminal, whether the foreground
// process is the Claude CLI and classifies its high-level state by
// scraping the visible screen and correlating process trees with the
// CLI's log files.
package claudestate

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/49agents/tc2/internal/agent/tmux"
	"github.com/49agents/tc2/internal/protocol"
)

const locationTTL = 30 * time.Second

type locationEntry struct {
	location protocol.Location
	at       time.Time
}

// Detector gathers per-terminal Claude states from one batch pane query
// plus per-pane screen captures.
type Detector struct {
	tmux     *tmux.Tmux
	resolver *sessionResolver
	now      func() time.Time

	locMu sync.Mutex
	locs  map[string]locationEntry // cwd -> location
}

// New builds a Detector rooted at the user's home directory.
func New(t *tmux.Tmux) *Detector {
	home, _ := os.UserHomeDir()
	return &Detector{
		tmux:     t,
		resolver: newSessionResolver(home),
		now:      time.Now,
		locs:     make(map[string]locationEntry),
	}
}

// DetectAll returns the current state for every reserved-prefix terminal,
// keyed by terminal id.
func (d *Detector) DetectAll(ctx context.Context) (protocol.ClaudeStates, error) {
	panes, err := d.tmux.ListPanes(ctx)
	if err != nil {
		return nil, err
	}

	states := make(protocol.ClaudeStates, len(panes))
	for _, pane := range panes {
		tid := strings.TrimPrefix(pane.SessionName, tmux.SessionPrefix)
		states[tid] = d.detectPane(ctx, pane)
	}
	return states, nil
}

func (d *Detector) detectPane(ctx context.Context, pane tmux.Pane) protocol.ClaudeState {
	st := protocol.ClaudeState{
		State:   StateIdle,
		Command: pane.CurrentCommand,
		CWD:     pane.CWD,
	}
	if loc := d.location(pane.CWD); loc.Name != "" {
		st.Location = &loc
	}

	claudePID := d.claudePID(pane)
	st.IsClaude = claudePID != 0
	if !st.IsClaude {
		return st
	}

	screen, err := d.tmux.CaptureVisible(ctx, pane.SessionName)
	if err != nil {
		slog.Debug("capture for state detection failed", "session", pane.SessionName, "error", err)
		st.State = StateWorking
	} else {
		st.State = ClassifyScreen(string(screen))
	}

	st.ClaudeSessionID = d.resolver.SessionID(claudePID)
	if st.ClaudeSessionID != "" {
		st.ClaudeSessionName = d.resolver.SessionName(st.ClaudeSessionID, pane.CWD)
	}
	return st
}

// claudePID returns the pid of the Claude process in the pane, or 0. The
// pane command is matched first; otherwise the pane process's children are
// walked, which handles platforms where the shell reports as foreground.
func (d *Detector) claudePID(pane tmux.Pane) int {
	if claudeCommandRe.MatchString(pane.CurrentCommand) {
		return pane.PID
	}

	proc, err := process.NewProcess(int32(pane.PID))
	if err != nil {
		return 0
	}
	children, err := proc.Children()
	if err != nil {
		return 0
	}
	for _, child := range children {
		cmdline, err := child.Cmdline()
		if err != nil {
			continue
		}
		if claudeChildRe.MatchString(cmdline) {
			return int(child.Pid)
		}
	}
	return 0
}

// location names the project for a working directory: the git repository
// root's basename when inside a repo, else the directory's own basename.
// Cached for 30s per cwd.
func (d *Detector) location(cwd string) protocol.Location {
	if cwd == "" {
		return protocol.Location{}
	}

	d.locMu.Lock()
	if e, ok := d.locs[cwd]; ok && d.now().Sub(e.at) < locationTTL {
		d.locMu.Unlock()
		return e.location
	}
	d.locMu.Unlock()

	loc := protocol.Location{Name: filepath.Base(cwd), Path: cwd}
	out, err := exec.Command("git", "-C", cwd, "rev-parse", "--show-toplevel").Output()
	if err == nil {
		root := strings.TrimSpace(string(out))
		if root != "" {
			loc = protocol.Location{Name: filepath.Base(root), Path: root}
		}
	}

	d.locMu.Lock()
	d.locs[cwd] = locationEntry{location: loc, at: d.now()}
	d.locMu.Unlock()
	return loc
}
