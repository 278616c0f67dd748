// tc2agent is the host-resident agent: it keeps named terminal sessions
// alive, connects outbound to the cloud relay, and serves browser
// requests against local services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mdp/qrterminal/v3"

	"github.com/49agents/tc2/internal/agent"
	"github.com/49agents/tc2/internal/agent/config"
	"github.com/49agents/tc2/internal/agent/pairclient"
	"github.com/49agents/tc2/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "start":
		return cmdStart(rest)
	case "status":
		return cmdStatus(rest)
	case "stop":
		return cmdStop(rest)
	case "config":
		return cmdConfig(rest)
	case "login":
		return cmdLogin(rest)
	case "install-service":
		return cmdInstallService(rest)
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: tc2agent <command> [flags]

Commands:
  start [--daemon]    run the agent (optionally in the background)
  status              report whether the agent is running
  stop                stop a running agent
  config <url>        set the relay URL (prints it when no url given)
  login [token]       pair this host with your account
  install-service     install a systemd user service
  help                show this help
`)
}

func loadConfig() (*config.Config, error) {
	return config.Load("")
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	daemon := fs.Bool("daemon", false, "run detached in the background")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = fs.Parse(args)

	logging.Setup()
	if lvl, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(lvl)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if *daemon {
		return daemonize(cfg)
	}

	if pid := cfg.ReadPid(); pid != 0 && processAlive(pid) {
		fmt.Fprintf(os.Stderr, "agent already running (pid %d)\n", pid)
		return 1
	}

	rt, err := agent.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// daemonize re-execs the agent detached from the terminal.
func daemonize(cfg *config.Config) int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	logPath := filepath.Join(cfg.StateDir, "agent.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(exe, "start")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("agent started (pid %d), logging to %s\n", cmd.Process.Pid, logPath)
	return 0
}

func cmdStatus(args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	pid := cfg.ReadPid()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("agent: not running")
		return 1
	}
	fmt.Printf("agent: running (pid %d)\n", pid)
	fmt.Printf("relay: %s\n", cfg.CloudURL)
	if creds, err := cfg.LoadCredentials(); err == nil && creds != nil {
		fmt.Printf("agent id: %s\n", creds.AgentID)
	}
	return 0
}

func cmdStop(args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	pid := cfg.ReadPid()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("agent is not running")
		return 0
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return 0
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func cmdConfig(args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if len(args) == 0 {
		fmt.Println(cfg.CloudURL)
		return 0
	}
	if err := cfg.SetCloudURL(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("relay URL set to %s\n", cfg.CloudURL)
	return 0
}

func cmdLogin(args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	// Explicit token: store it directly. A bad token surfaces as an auth
	// rejection on the next start.
	if len(args) > 0 && args[0] != "" {
		if err := cfg.SaveCredentials(&config.Credentials{Token: args[0]}); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Println("token saved")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pc := pairclient.New(cfg.CloudURL, agent.Version)
	pairing, err := pc.Start(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	fmt.Printf("Pairing code: %s\n", pairing.Code)
	fmt.Printf("Approve at:   %s\n\n", pairing.PairURL)
	qrterminal.GenerateWithConfig(pairing.PairURL, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Println("\nWaiting for approval...")

	approval, err := pc.Wait(ctx, pairing.Code)
	if err != nil {
		if errors.Is(err, pairclient.ErrExpired) {
			fmt.Fprintln(os.Stderr, "pairing code expired; run login again")
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}

	if err := cfg.SaveCredentials(&config.Credentials{
		AgentID: approval.AgentID,
		Token:   approval.Token,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("paired as agent %s\n", approval.AgentID)
	return 0
}

const serviceUnit = `[Unit]
Description=tc2 host agent
After=network-online.target

[Service]
ExecStart=%s start
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

func cmdInstallService(args []string) int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	unitPath := filepath.Join(unitDir, "tc2agent.service")
	if err := os.WriteFile(unitPath, []byte(fmt.Sprintf(serviceUnit, exe)), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	fmt.Printf("wrote %s\n", unitPath)
	fmt.Println("enable with: systemctl --user enable --now tc2agent")
	return 0
}
