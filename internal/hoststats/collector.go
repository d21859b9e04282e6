// Package hoststats samples host resource usage for the stats reports sent
// to the control plane. Sampling goes through gopsutil; results are cached
// briefly so callers can poll without hammering the kernel.
package hoststats

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/logging"
)

const (
	// cacheTTL is how long one snapshot stays valid. Amortizes the 1 s
	// CPU sampling window across heartbeat and stats consumers.
	cacheTTL      = 5 * time.Second
	cacheKey      = "snapshot"
	cpuSampleTime = 1 * time.Second

	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)

// Snapshot is one host resource sample. Field names follow the wire format
// the control plane already consumes.
type Snapshot struct {
	VpsID         string  `json:"vps_id"`
	CPUUsage      float64 `json:"cpu_usage"`
	RAMUsage      float64 `json:"ram_usage"`
	DiskUsage     float64 `json:"disk_usage"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
	ActiveStreams int     `json:"active_streams"`
	NetworkSentMB float64 `json:"network_sent_mb"`
	NetworkRecvMB float64 `json:"network_recv_mb"`
	Timestamp     int64   `json:"timestamp"`
}

// Collector samples CPU, RAM, disk and network usage. Disk usage is
// measured on the staging root filesystem since that is what fills up.
type Collector struct {
	hostID      string
	stagingRoot string
	activeCount func() int

	cache *gocache.Cache

	mu            sync.Mutex
	prevNetSent   uint64
	prevNetRecv   uint64
	prevNetSample time.Time

	logger *slog.Logger
}

// NewCollector creates a Collector. activeCount is queried on every sample
// and must be safe to call from any goroutine.
func NewCollector(hostID, stagingRoot string, activeCount func() int) *Collector {
	return &Collector{
		hostID:      hostID,
		stagingRoot: stagingRoot,
		activeCount: activeCount,
		cache:       gocache.New(cacheTTL, 2*cacheTTL),
		logger:      logging.ForService("hoststats"),
	}
}

// Snapshot returns the current host sample, reusing a cached one when it is
// younger than the cache TTL.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	if cached, found := c.cache.Get(cacheKey); found {
		snap := *(cached.(*Snapshot))
		snap.ActiveStreams = c.activeCount()
		return &snap, nil
	}

	snap, err := c.sample(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKey, snap, cacheTTL)

	out := *snap
	return &out, nil
}

// sample performs the actual syscall round.
func (c *Collector) sample(ctx context.Context) (*Snapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, cpuSampleTime, false)
	if err != nil || len(cpuPercents) == 0 {
		return nil, errors.New(err).
			Component("hoststats").
			Category(errors.CategorySystem).
			Context("operation", "cpu-sample").
			Build()
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errors.New(err).
			Component("hoststats").
			Category(errors.CategorySystem).
			Context("operation", "mem-sample").
			Build()
	}

	du, err := disk.UsageWithContext(ctx, c.stagingRoot)
	if err != nil {
		// Staging root may not exist yet on a fresh host; fall back to /.
		du, err = disk.UsageWithContext(ctx, "/")
		if err != nil {
			return nil, errors.New(err).
				Component("hoststats").
				Category(errors.CategorySystem).
				Context("operation", "disk-sample").
				Build()
		}
	}

	sentMB, recvMB := c.networkDeltas(ctx)

	return &Snapshot{
		VpsID:         c.hostID,
		CPUUsage:      round1(cpuPercents[0]),
		RAMUsage:      round1(vm.UsedPercent),
		DiskUsage:     round1(du.UsedPercent),
		DiskTotalGB:   round1(float64(du.Total) / bytesPerGB),
		DiskUsedGB:    round1(float64(du.Used) / bytesPerGB),
		DiskFreeGB:    round1(float64(du.Free) / bytesPerGB),
		ActiveStreams: c.activeCount(),
		NetworkSentMB: sentMB,
		NetworkRecvMB: recvMB,
		Timestamp:     time.Now().Unix(),
	}, nil
}

// networkDeltas returns MB sent/received since the previous sample. The
// first call establishes the baseline and reports zero.
func (c *Collector) networkDeltas(ctx context.Context) (sentMB, recvMB float64) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		return 0, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := counters[0]
	if !c.prevNetSample.IsZero() && total.BytesSent >= c.prevNetSent && total.BytesRecv >= c.prevNetRecv {
		sentMB = round1(float64(total.BytesSent-c.prevNetSent) / bytesPerMB)
		recvMB = round1(float64(total.BytesRecv-c.prevNetRecv) / bytesPerMB)
	}
	c.prevNetSent = total.BytesSent
	c.prevNetRecv = total.BytesRecv
	c.prevNetSample = time.Now()
	return sentMB, recvMB
}

// LogCapabilities writes a one-time startup line with the CPU features the
// encoder cares about. libx264 picks codepaths based on AVX2/AVX-512.
func (c *Collector) LogCapabilities() {
	c.logger.Info("Host capabilities",
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"avx512", cpuid.CPU.Supports(cpuid.AVX512F),
		"gomaxprocs", runtime.GOMAXPROCS(0))

	if vm, err := mem.VirtualMemory(); err == nil {
		c.logger.Info("Host memory", "total_gb", round1(float64(vm.Total)/bytesPerGB))
	}
	if du, err := disk.Usage(c.stagingRoot); err == nil {
		c.logger.Info("Staging filesystem",
			"path", c.stagingRoot,
			"total_gb", round1(float64(du.Total)/bytesPerGB),
			"free_gb", round1(float64(du.Free)/bytesPerGB))
	}
}

// round1 rounds to one decimal, matching what the control plane displays.
func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
