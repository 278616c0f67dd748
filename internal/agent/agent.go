// Package agent assembles the host-side runtime: local services, the
// relay client, and the periodic push loops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/49agents/tc2/internal/agent/beads"
	"github.com/49agents/tc2/internal/agent/bridge"
	"github.com/49agents/tc2/internal/agent/claudestate"
	"github.com/49agents/tc2/internal/agent/config"
	"github.com/49agents/tc2/internal/agent/files"
	"github.com/49agents/tc2/internal/agent/gitgraph"
	"github.com/49agents/tc2/internal/agent/gitscan"
	"github.com/49agents/tc2/internal/agent/jsonstore"
	"github.com/49agents/tc2/internal/agent/panes"
	"github.com/49agents/tc2/internal/agent/relay"
	"github.com/49agents/tc2/internal/agent/sysinfo"
	"github.com/49agents/tc2/internal/agent/terminal"
	"github.com/49agents/tc2/internal/agent/tmux"
	"github.com/49agents/tc2/internal/protocol"
)

// Version is stamped at build time.
var Version = "dev"

// Runtime is one running agent process.
type Runtime struct {
	cfg       *config.Config
	creds     *config.Credentials
	terminals *terminal.Manager
	client    *relay.Client
	pusher    *claudestate.Pusher
	collector *sysinfo.Collector
}

// New wires the agent from its configuration. Credentials must already
// exist (via login or pairing).
func New(cfg *config.Config) (*Runtime, error) {
	creds, err := cfg.LoadCredentials()
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.Token == "" {
		return nil, errors.New("no agent credentials; run login first")
	}

	tm := tmux.New("tmux")
	bridges := bridge.NewManager(cfg.BridgeCommand, bridge.NewPortPool())

	termStore, err := jsonstore.Open[terminal.Record](cfg.ResourcePath("terminals"))
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	terminals := terminal.NewManager(tm, bridges, termStore, hostname)

	fs, err := files.NewService()
	if err != nil {
		return nil, err
	}
	paneSvc, err := panes.NewService(cfg, fs)
	if err != nil {
		return nil, err
	}

	detector := claudestate.New(tm)
	collector := sysinfo.NewCollector()

	handlers := relay.NewHandlers(relay.Services{
		Terminals: terminals,
		Tmux:      tm,
		Files:     fs,
		Panes:     paneSvc,
		Scanner:   gitscan.New(fs.Home()),
		Graphs:    gitgraph.NewService(),
		Beads:     beads.NewService(),
		Detector:  detector,
		Metrics:   collector,
		Version:   Version,
	})

	client, err := relay.NewClient(cfg.CloudURL, creds.Token, Version, handlers, func(ok protocol.AuthOK) {
		if ok.AgentID != "" && ok.AgentID != creds.AgentID {
			creds.AgentID = ok.AgentID
			if err := cfg.SaveCredentials(creds); err != nil {
				slog.Warn("persist agent id failed", "error", err)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	terminals.SetSender(client.Send)
	pusher := claudestate.NewPusher(detector, client.Send)

	return &Runtime{
		cfg:       cfg,
		creds:     creds,
		terminals: terminals,
		client:    client,
		pusher:    pusher,
		collector: collector,
	}, nil
}

// Run starts the relay connection and the push loops and blocks until ctx
// is cancelled or authentication is rejected. Shutdown detaches bridges
// but leaves sessions running.
func (r *Runtime) Run(ctx context.Context) error {
	// A crashed agent can leave bridge processes squatting on the
	// reserved port range; clear them before any spawn.
	bridge.KillStaleHolders(ctx)

	if err := r.terminals.Reconcile(ctx); err != nil {
		slog.Warn("session reconcile failed", "error", err)
	}

	if err := r.cfg.WritePid(os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer r.cfg.RemovePid()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pusher.Run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		r.collector.Run(loopCtx, r.client.Send)
	}()

	err := r.client.Run(ctx)

	cancelLoops()
	wg.Wait()
	r.terminals.Shutdown()
	r.client.Close()

	if errors.Is(err, relay.ErrAuthRejected) {
		return err
	}
	return nil
}
