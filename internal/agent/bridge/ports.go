package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Bridge ports are allocated from a reserved loopback range. A port is
// claimed before spawn and released when the owning bridge exits or the
// spawn fails; it is never reused while claimed.
const (
	PortRangeStart = 7700
	PortRangeEnd   = 7799
)

// PortPool hands out ports from the reserved range.
type PortPool struct {
	mu     sync.Mutex
	inUse  map[int]bool
	cursor int
}

// NewPortPool returns an empty pool.
func NewPortPool() *PortPool {
	return &PortPool{inUse: make(map[int]bool), cursor: PortRangeStart}
}

// Acquire claims the next free port. Returns an error when the range is
// exhausted.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i <= PortRangeEnd-PortRangeStart; i++ {
		port := PortRangeStart + (p.cursor-PortRangeStart+i)%(PortRangeEnd-PortRangeStart+1)
		if !p.inUse[port] {
			p.inUse[port] = true
			p.cursor = port + 1
			return port, nil
		}
	}
	return 0, fmt.Errorf("bridge port range %d-%d exhausted", PortRangeStart, PortRangeEnd)
}

// Release returns a port to the pool.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse reports whether the port is currently claimed.
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[port]
}

// KillStaleHolders kills any process still listening on a port in the
// reserved range. Called once at agent startup, before any bridge spawns.
// Best-effort: lookup failures are ignored.
func KillStaleHolders(ctx context.Context) {
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		out, err := exec.CommandContext(ctx, "lsof", "-ti", "tcp:"+strconv.Itoa(port)).Output()
		if err != nil {
			continue
		}
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			pid, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil || pid <= 0 {
				continue
			}
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		// Give the kernel a moment to release the socket.
		time.Sleep(10 * time.Millisecond)
	}
}
