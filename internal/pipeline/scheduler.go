package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"coinflow/config"
	"coinflow/internal/metrics"
	"coinflow/logger"
)

// TickOutcome is what the scheduler did with one tick.
type TickOutcome string

const (
	TickStarted TickOutcome = "started"
	TickQueued  TickOutcome = "queued"
	TickDropped TickOutcome = "dropped"
)

// Scheduler fires runs on ticks aligned to the interval. A tick that
// arrives during a run is dropped, or with the queue policy held as the
// single pending tick.
type Scheduler struct {
	interval time.Duration
	policy   string
	run      func(ctx context.Context)
	log      *logger.Log
	now      func() time.Time

	mu      sync.Mutex
	running bool
	pending bool
	wg      sync.WaitGroup
}

// NewScheduler schedules o.Run with the cadence and overlap policy of cfg.
func NewScheduler(cfg config.PipelineConfig, o *Orchestrator) *Scheduler {
	return newScheduler(cfg, func(ctx context.Context) {
		if _, err := o.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			o.log.WithComponent("scheduler").WithError(err).Debug("scheduled run failed")
		}
	})
}

func newScheduler(cfg config.PipelineConfig, run func(ctx context.Context)) *Scheduler {
	policy := cfg.OverlapPolicy
	if policy == "" {
		policy = config.OverlapDrop
	}
	return &Scheduler{
		interval: cfg.Schedule,
		policy:   policy,
		run:      run,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// NextTick returns the first interval boundary strictly after t.
func (s *Scheduler) NextTick(t time.Time) time.Time {
	return t.Truncate(s.interval).Add(s.interval)
}

// Start blocks, firing ticks until ctx is done, then waits for the active
// run to return.
func (s *Scheduler) Start(ctx context.Context) {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval": s.interval.String(),
		"overlap":  s.policy,
	})
	log.Info("scheduler started")

	timer := time.NewTimer(s.NextTick(s.now()).Sub(s.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopping, waiting for active run")
			s.Wait()
			return
		case <-timer.C:
			s.Tick(ctx)
			now := s.now()
			timer.Reset(s.NextTick(now).Sub(now))
		}
	}
}

// Tick applies the overlap policy to one trigger.
func (s *Scheduler) Tick(ctx context.Context) TickOutcome {
	s.mu.Lock()
	switch {
	case !s.running:
		s.running = true
		s.wg.Add(1)
		s.mu.Unlock()
		go s.loop(ctx)
		return TickStarted
	case s.policy == config.OverlapQueue && !s.pending:
		s.pending = true
		s.mu.Unlock()
		s.log.WithComponent("scheduler").Info("run in progress, tick queued")
		return TickQueued
	default:
		s.mu.Unlock()
		logger.RecordRunDropped()
		metrics.EmitMetric(s.log, "scheduler", metrics.MetricTickDropped, 1, "counter", nil)
		s.log.WithComponent("scheduler").Warn("run in progress, tick dropped")
		return TickDropped
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.run(ctx)

		s.mu.Lock()
		if s.pending && ctx.Err() == nil {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.pending = false
		s.running = false
		s.mu.Unlock()
		return
	}
}

// Wait blocks until no run started by the scheduler is active.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
