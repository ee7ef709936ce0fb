package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"coinflow/logger"
)

// resourceSnapshot is one host utilisation sample. Collectors that fail
// leave their fields zero and are listed in Errors.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
	Errors      []string  `json:"errors,omitempty"`
}

// resourceSampler polls gopsutil on an interval. diskPath is the volume
// holding the warehouse so the status page shows the space it consumes.
type resourceSampler struct {
	buf      *ring[resourceSnapshot]
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		buf:      newRing[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.buf.filter(nil)
}

// latest returns the newest sample, if any.
func (s *resourceSampler) latest() (resourceSnapshot, bool) {
	all := s.snapshot()
	if len(all) == 0 {
		return resourceSnapshot{}, false
	}
	return all[len(all)-1], true
}

func (s *resourceSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.buf.push(s.sample(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *resourceSampler) sample(ctx context.Context) resourceSnapshot {
	entry := s.log.WithComponent("resource_sampler")
	snap := resourceSnapshot{Timestamp: time.Now()}

	// cpu.Percent blocks for the measurement window, so keep it short of the tick.
	if samples, err := cpuPercentFn(ctx, s.interval/2); err != nil {
		entry.WithError(err).Debug("failed to sample cpu usage")
		snap.Errors = append(snap.Errors, "cpu")
	} else {
		snap.CPUPercent = firstSample(samples)
	}

	if memStats, err := memoryStatsFn(ctx); err != nil {
		entry.WithError(err).Debug("failed to sample memory usage")
		snap.Errors = append(snap.Errors, "memory")
	} else {
		snap.MemoryUsed = memStats.Used
		snap.MemoryTotal = memStats.Total
		snap.MemoryPct = memStats.UsedPercent
	}

	if diskStats, err := diskUsageFn(ctx, s.diskPath); err != nil {
		entry.WithError(err).Debug("failed to sample disk usage")
		snap.Errors = append(snap.Errors, "disk")
	} else {
		snap.DiskUsed = diskStats.Used
		snap.DiskTotal = diskStats.Total
		snap.DiskPct = diskStats.UsedPercent
	}

	return snap
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
