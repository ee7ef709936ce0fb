package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	runsSucceeded int64
	runsFailed    int64
	runsDropped   int64
	warnCounts    sync.Map // component -> *int64
	errorCounts   sync.Map // component -> *int64
	rowsLoaded    sync.Map // resource -> *int64
)

func counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warnCounts, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errorCounts, component), 1)
}

// RecordRunOutcome counts a finished pipeline run for the runtime report.
func RecordRunOutcome(succeeded bool) {
	if succeeded {
		atomic.AddInt64(&runsSucceeded, 1)
		return
	}
	atomic.AddInt64(&runsFailed, 1)
}

// RecordRunDropped counts a schedule tick that was dropped because a run was active.
func RecordRunDropped() {
	atomic.AddInt64(&runsDropped, 1)
}

// RecordRowsLoaded adds rows written for a raw resource.
func RecordRowsLoaded(resource string, rows int) {
	atomic.AddInt64(counter(&rowsLoaded, resource), int64(rows))
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of host and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	var memMB, diskMB int64
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = int64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		diskMB = int64(du.Used) / 1024 / 1024
	}

	log.WithComponent("report").WithFields(Fields{
		"runs_succeeded": atomic.LoadInt64(&runsSucceeded),
		"runs_failed":    atomic.LoadInt64(&runsFailed),
		"runs_dropped":   atomic.LoadInt64(&runsDropped),
		"rows_loaded":    snapshotCounters(&rowsLoaded),
		"warns":          snapshotCounters(&warnCounts),
		"errors":         snapshotCounters(&errorCounts),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memMB,
		"disk_mb":        diskMB,
	}).Info("runtime report")
}
