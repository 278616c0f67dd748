// Package bridge spawns and drives the external web-tty bridge processes
// that expose a named session as a byte stream on a loopback port.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// spawnReadyTimeout bounds the wait for the bridge's "listening"
	// marker on its error stream.
	spawnReadyTimeout = 5 * time.Second
)

// Bridge is one spawned bridge process bound to a session and a port.
type Bridge struct {
	SessionName string
	Port        int

	cmd  *exec.Cmd
	done chan struct{}
}

// Wait blocks until the bridge process has exited.
func (b *Bridge) Wait() {
	<-b.done
}

// Kill terminates the bridge process.
func (b *Bridge) Kill() {
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

// Manager owns all bridge processes. Spawns are serialized (one in flight
// at a time) to avoid lock contention on the multiplexer; per session at
// most one bridge exists.
type Manager struct {
	command string
	ports   *PortPool

	spawnMu sync.Mutex // serializes spawns

	mu      sync.Mutex
	bridges map[string]*Bridge // sessionName -> bridge
}

// NewManager returns a Manager that spawns the given bridge command.
func NewManager(command string, ports *PortPool) *Manager {
	if command == "" {
		command = "tc2-bridge"
	}
	return &Manager{
		command: command,
		ports:   ports,
		bridges: make(map[string]*Bridge),
	}
}

// Get returns the live bridge for a session, if any.
func (m *Manager) Get(sessionName string) *Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bridges[sessionName]
}

// Ensure returns the session's bridge, spawning one if needed.
func (m *Manager) Ensure(ctx context.Context, sessionName string) (*Bridge, error) {
	if b := m.Get(sessionName); b != nil {
		return b, nil
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	// Re-check under the spawn lock: another caller may have won the race.
	if b := m.Get(sessionName); b != nil {
		return b, nil
	}

	port, err := m.ports.Acquire()
	if err != nil {
		return nil, err
	}

	b, err := m.spawn(ctx, sessionName, port)
	if err != nil {
		m.ports.Release(port)
		return nil, err
	}

	m.mu.Lock()
	m.bridges[sessionName] = b
	m.mu.Unlock()

	// Reap on exit: drop the registry entry and release the port, but only
	// if this bridge is still the registered one.
	go func() {
		b.Wait()
		m.mu.Lock()
		if m.bridges[sessionName] == b {
			delete(m.bridges, sessionName)
		}
		m.mu.Unlock()
		m.ports.Release(port)
		slog.Info("bridge exited", "session", sessionName, "port", port)
	}()

	return b, nil
}

// Release kills and forgets the session's bridge, if any.
func (m *Manager) Release(sessionName string) {
	m.mu.Lock()
	b := m.bridges[sessionName]
	delete(m.bridges, sessionName)
	m.mu.Unlock()
	if b != nil {
		b.Kill()
	}
}

// StopAll kills every bridge. Used on agent shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = make(map[string]*Bridge)
	m.mu.Unlock()

	for _, b := range bridges {
		b.Kill()
	}
}

// spawn starts the bridge process and waits for its readiness marker.
func (m *Manager) spawn(ctx context.Context, sessionName string, port int) (*Bridge, error) {
	cmd := exec.Command(m.command, "-s", sessionName, "-p", strconv.Itoa(port))
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn bridge: %w", err)
	}

	b := &Bridge{
		SessionName: sessionName,
		Port:        port,
		cmd:         cmd,
		done:        make(chan struct{}),
	}

	// Readiness is a "listening" marker on the bridge's error stream.
	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(strings.ToLower(line), "listening") {
				close(ready)
				break
			}
		}
		// Drain the rest so the child never blocks on stderr.
		for scanner.Scan() {
		}
	}()

	go func() {
		_ = cmd.Wait()
		close(b.done)
	}()

	select {
	case <-ready:
		slog.Info("bridge ready", "session", sessionName, "port", port)
		return b, nil
	case <-b.done:
		return nil, fmt.Errorf("bridge exited before listening (session %s)", sessionName)
	case <-time.After(spawnReadyTimeout):
		b.Kill()
		return nil, fmt.Errorf("bridge not ready within %s (session %s)", spawnReadyTimeout, sessionName)
	case <-ctx.Done():
		b.Kill()
		return nil, ctx.Err()
	}
}
