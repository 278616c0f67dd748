// tc2relay is the cloud relay: it authenticates browsers and agents,
// routes frames between them, enforces tier quotas, and persists
// cross-device state in sqlite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/49agents/tc2/internal/logging"
	"github.com/49agents/tc2/internal/relay/config"
	"github.com/49agents/tc2/internal/relay/db"
	"github.com/49agents/tc2/internal/relay/server"
	"github.com/49agents/tc2/internal/relay/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tc2relay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = fs.Parse(args)

	logging.Setup()
	if lvl, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(lvl)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	conn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer func() { _ = conn.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, store.New(conn))
	if err := srv.Run(ctx); err != nil {
		slog.Error("relay exited", "error", err)
		return 1
	}
	return 0
}
