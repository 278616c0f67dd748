// Package sysinfo samples host resource usage for the periodic metrics
// push: RAM always, CPU when a utilization figure can be derived, GPU
// only on hosts with nvidia-smi.
package sysinfo

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/49agents/tc2/internal/protocol"
)

const (
	pushInterval  = 5 * time.Second
	nvidiaTimeout = 2 * time.Second
)

// SendFn delivers a message to the relay; returns false when not connected.
type SendFn func(msgType string, id string, payload any) bool

// Collector samples host metrics. CPU utilization is computed from the
// delta between consecutive samples, so the first sample reports no CPU
// figure unless the load-average fallback is available.
type Collector struct {
	mu        sync.Mutex
	lastTimes *cpu.TimesStat
}

func NewCollector() *Collector {
	return &Collector{}
}

// Sample returns the current host metrics snapshot.
func (c *Collector) Sample(ctx context.Context) protocol.Metrics {
	return protocol.Metrics{
		RAM: c.ram(ctx),
		CPU: c.cpuPercent(ctx),
		GPU: c.gpu(ctx),
	}
}

func (c *Collector) ram(ctx context.Context) protocol.RAM {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		slog.Debug("memory sample failed", "error", err)
		return protocol.RAM{}
	}
	return protocol.RAM{
		Total:     vm.Total,
		Used:      vm.Used,
		Available: vm.Available,
	}
}

// cpuPercent derives utilization from aggregate cpu time deltas. When no
// previous sample exists (or the deltas are degenerate) it falls back to
// the 1-minute load average scaled by core count, and returns nil when
// neither source is available.
func (c *Collector) cpuPercent(ctx context.Context) *int {
	times, err := cpu.TimesWithContext(ctx, false)
	if err == nil && len(times) == 1 {
		c.mu.Lock()
		prev := c.lastTimes
		cur := times[0]
		c.lastTimes = &cur
		c.mu.Unlock()

		if prev != nil {
			total := cur.Total() - prev.Total()
			idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
			if total > 0 {
				return clampPct(int(math.Round((total - idle) / total * 100)))
			}
		}
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores == 0 {
		return nil
	}
	return clampPct(int(math.Round(avg.Load1 / float64(cores) * 100)))
}

// gpu shells out to nvidia-smi; absence of the binary means no GPU and is
// not an error.
func (c *Collector) gpu(ctx context.Context) *protocol.GPU {
	ctx, cancel := context.WithTimeout(ctx, nvidiaTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}

	line := string(bytes.TrimSpace(bytes.SplitN(out, []byte("\n"), 2)[0]))
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return nil
	}
	util, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	usedMB, err2 := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	totalMB, err3 := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return &protocol.GPU{
		Utilization: util,
		MemUsed:     usedMB * 1024 * 1024,
		MemTotal:    totalMB * 1024 * 1024,
	}
}

// Run pushes a metrics message every 5s until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, send SendFn) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send(protocol.TypeMetrics, "", c.Sample(ctx))
		}
	}
}

func clampPct(p int) *int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}
