package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinflow/config"
	"coinflow/internal/metrics"
	"coinflow/internal/notify"
	"coinflow/internal/quality"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/processor"
	"coinflow/reader/coingecko"
	"coinflow/writer"
)

// ErrRunInProgress is returned by Run while another run holds the gate.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

type Extractor interface {
	FetchMarketSnapshot(ctx context.Context, currency string, perPage int) iter.Seq2[models.MarketSnapshotRecord, error]
	FetchTrending(ctx context.Context) iter.Seq2[models.TrendingCoinRecord, error]
	FetchGlobalStats(ctx context.Context) (models.GlobalStatsRecord, error)
}

type Loader interface {
	LoadMarket(ctx context.Context, records iter.Seq2[models.MarketSnapshotRecord, error]) (writer.LoadSummary, error)
	LoadTrending(ctx context.Context, records iter.Seq2[models.TrendingCoinRecord, error]) (writer.LoadSummary, error)
	LoadGlobal(ctx context.Context, records iter.Seq2[models.GlobalStatsRecord, error]) (writer.LoadSummary, error)
}

type Gate interface {
	CheckIngestion(ctx context.Context) (quality.QualityReport, error)
	CheckViews(ctx context.Context, views []string) map[string]int64
}

type Transformer interface {
	Transform(ctx context.Context) error
	Version() string
}

// RunRecorder persists finished runs. Failures are logged, never fatal.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary RunSummary) error
}

// Stages are the components a run drives once the warehouse is reachable.
type Stages struct {
	Extractor   Extractor
	Loader      Loader
	Gate        Gate
	Transformer Transformer
	// Recorder is optional.
	Recorder    RunRecorder
}

// Connector opens the warehouse and builds the stages. The preflight task
// calls it once configuration has been validated; the result is reused by
// later runs.
type Connector func(ctx context.Context) (*Stages, error)

// TaskError is the final failure of a task after its attempts ran out or a
// non-retryable error occurred.
type TaskError struct {
	Task     TaskID
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

type gateState int

const (
	gateIdle gateState = iota
	gateRunning
)

// runGate admits one run at a time.
type runGate struct {
	mu    sync.Mutex
	state gateState
}

func (g *runGate) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateIdle {
		return false
	}
	g.state = gateRunning
	return true
}

func (g *runGate) release() {
	g.mu.Lock()
	g.state = gateIdle
	g.mu.Unlock()
}

func (g *runGate) running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateRunning
}

// Orchestrator executes the run graph.
type Orchestrator struct {
	cfg       *config.Config
	connect   Connector
	state     StateStore
	notifier  notify.Notifier
	history   *History
	recorders []RunRecorder
	log       *logger.Log

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	gate     runGate
	stagesMu sync.Mutex
	stages   *Stages
}

type Option func(*Orchestrator)

// WithClock replaces the wall clock used for run and task timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the backoff wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func WithHistory(h *History) Option {
	return func(o *Orchestrator) { o.history = h }
}

func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, r) }
}

// New builds an orchestrator. A nil state store keeps the watermark in memory
// and a nil notifier only logs.
func New(cfg *config.Config, connect Connector, state StateStore, notifier notify.Notifier, opts ...Option) *Orchestrator {
	if state == nil {
		state = &MemoryState{}
	}
	if notifier == nil {
		notifier = notify.NewLog()
	}
	o := &Orchestrator{
		cfg:      cfg,
		connect:  connect,
		state:    state,
		notifier: notifier,
		log:      logger.GetLogger(),
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.history == nil {
		o.history = NewHistory(cfg.Pipeline.HistorySize)
	}
	return o
}

// History returns the ring of recent run summaries.
func (o *Orchestrator) History() *History {
	return o.history
}

// Running reports whether a run currently holds the gate.
func (o *Orchestrator) Running() bool {
	return o.gate.running()
}

func (o *Orchestrator) connected(ctx context.Context) (*Stages, error) {
	o.stagesMu.Lock()
	defer o.stagesMu.Unlock()
	if o.stages != nil {
		return o.stages, nil
	}
	s, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	o.stages = s
	return s, nil
}

func (o *Orchestrator) currentStages() *Stages {
	o.stagesMu.Lock()
	defer o.stagesMu.Unlock()
	return o.stages
}

// Run executes one run of the graph and sends exactly one notification. The
// returned error is the TaskError of the task that halted the run.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	if !o.gate.acquire() {
		return RunSummary{}, ErrRunInProgress
	}
	defer o.gate.release()

	r := o.newRun()
	r.log.WithFields(logger.Fields{"run_at": r.summary.RunAt}).Info("pipeline run started")

	runErr := r.execute(ctx)
	summary := r.finish(runErr)

	// Delivery and bookkeeping outlive a cancelled run context.
	after, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	o.sendNotification(after, r, summary, runErr)

	if runErr == nil {
		if err := o.state.SetLastSuccess(after, r.watermark()); err != nil {
			r.log.WithError(err).Warn("failed to store run watermark")
		}
	}
	o.history.Add(summary)
	recorders := o.recorders
	if s := o.currentStages(); s != nil && s.Recorder != nil {
		recorders = append(recorders[:len(recorders):len(recorders)], s.Recorder)
	}
	for _, rec := range recorders {
		if err := rec.RecordRun(after, summary); err != nil {
			r.log.WithError(err).Warn("failed to record run")
		}
	}

	logger.RecordRunOutcome(runErr == nil)
	metrics.EmitMetric(o.log, "pipeline", metrics.MetricRunCompleted, 1, "counter", logger.Fields{"status": string(summary.Status)})
	logger.LogPerformanceEntry(r.log, "pipeline", "run", summary.Duration(), logger.Fields{
		"status":      summary.Status,
		"failed_task": summary.FailedTask,
		"new_data":    summary.NewData,
	})
	return summary, runErr
}

func (o *Orchestrator) sendNotification(ctx context.Context, r *run, summary RunSummary, runErr error) {
	event := notify.Event{
		RunID:  summary.RunID,
		RunAt:  summary.RunAt,
		Status: notify.StatusSucceeded,
	}
	if runErr != nil {
		event.Status = notify.StatusFailed
		event.TaskID = string(summary.FailedTask)
		event.Message = summary.Error
	} else {
		event.Message = fmt.Sprintf("market=%d trending=%d global=%d new_data=%t",
			summary.Quality.Market, summary.Quality.Trending, summary.Quality.Global, summary.NewData)
		if summary.TransformVersion != "" {
			event.Message += " transform=" + summary.TransformVersion
		}
	}
	if err := o.notifier.Notify(ctx, event); err != nil {
		r.log.WithError(err).Warn("failed to deliver run notification")
	}
}

type run struct {
	o   *Orchestrator
	log *logger.Entry

	mu      sync.Mutex
	tasks     map[TaskID]*TaskRecord
	newest    time.Time
	extracted time.Time
	summary   RunSummary
}

func (o *Orchestrator) newRun() *run {
	id := o.newID()
	r := &run{
		o:     o,
		log:   o.log.WithComponent("pipeline").WithFields(logger.Fields{"run_id": id}),
		tasks: make(map[TaskID]*TaskRecord, len(Graph)),
		summary: RunSummary{
			RunID: id,
			RunAt: o.now().UTC(),
			Rows:  make(map[models.Resource]int, len(models.Resources)),
		},
	}
	for _, t := range Graph {
		r.tasks[t] = &TaskRecord{ID: t, State: StatePending}
	}
	return r
}

func (r *run) transition(id TaskID, to TaskState) TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.tasks[id]
	if err := rec.transition(to, r.o.now().UTC()); err != nil {
		r.log.WithError(err).Error("task state machine violation")
	}
	return *rec
}

func (r *run) fail(id TaskID, err error) {
	r.mu.Lock()
	r.tasks[id].Error = err.Error()
	r.mu.Unlock()
}

// do runs fn as task id under the retry and timeout policy.
func (r *run) do(ctx context.Context, id TaskID, fn func(ctx context.Context) error) error {
	policy := r.o.cfg.Pipeline.Task
	log := r.log.WithFields(logger.Fields{"task": id})

	for {
		rec := r.transition(id, StateRunning)
		start := time.Now()

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		err := fn(attemptCtx)
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Task: id, Timeout: policy.Timeout, Cause: err}
		}
		cancel()

		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		elapsed := time.Since(start)
		metrics.EmitMetric(r.o.log, "pipeline", metrics.MetricTaskAttempt, 1, "counter", logger.Fields{"task": string(id), "outcome": outcome})
		metrics.EmitMetric(r.o.log, "pipeline", metrics.MetricTaskDuration, elapsed, "gauge", logger.Fields{"task": string(id), "unit": "milliseconds"})

		if err == nil {
			r.transition(id, StateSucceeded)
			logger.LogPerformanceEntry(log, "pipeline", string(id), elapsed, logger.Fields{"attempt": rec.Attempts})
			return nil
		}

		r.fail(id, err)
		if ctx.Err() != nil || !retryable(err) || rec.Attempts >= policy.MaxAttempts {
			r.transition(id, StateFailedExhausted)
			log.WithError(err).WithFields(logger.Fields{"attempts": rec.Attempts}).Error("task failed")
			return &TaskError{Task: id, Attempts: rec.Attempts, Err: err}
		}

		r.transition(id, StateFailedRetrying)
		delay := Backoff(policy, rec.Attempts)
		log.WithError(err).WithFields(logger.Fields{
			"attempt": rec.Attempts,
			"backoff": delay.String(),
		}).Warn("task attempt failed, retrying")

		if err := r.o.sleep(ctx, delay); err != nil {
			r.fail(id, err)
			r.transition(id, StateFailedExhausted)
			return &TaskError{Task: id, Attempts: rec.Attempts, Err: err}
		}
	}
}

func (r *run) execute(ctx context.Context) error {
	cfg := r.o.cfg

	var stages *Stages
	if err := r.do(ctx, TaskPreflight, func(ctx context.Context) error {
		if err := cfg.Preflight(); err != nil {
			return err
		}
		s, err := r.o.connected(ctx)
		if err != nil {
			return fmt.Errorf("connect warehouse: %w", err)
		}
		stages = s
		return nil
	}); err != nil {
		return err
	}

	if err := r.ingest(ctx, stages); err != nil {
		return err
	}

	if err := r.do(ctx, TaskQuality, func(ctx context.Context) error {
		report, err := stages.Gate.CheckIngestion(ctx)
		r.mu.Lock()
		r.summary.Quality = report
		r.mu.Unlock()
		for resource, n := range map[models.Resource]int64{
			models.ResourceMarket:   report.Market,
			models.ResourceTrending: report.Trending,
			models.ResourceGlobal:   report.Global,
		} {
			metrics.EmitMetric(r.o.log, "quality_gate", metrics.MetricRawRows, n, "gauge", logger.Fields{"resource": string(resource)})
		}
		return err
	}); err != nil {
		return err
	}

	var newData bool
	if err := r.do(ctx, TaskBranch, func(ctx context.Context) error {
		var err error
		newData, err = r.hasNewData(ctx)
		return err
	}); err != nil {
		return err
	}
	r.summary.NewData = newData
	if !newData {
		r.log.Info("no new provider data since the last successful run, skipping transformation")
		r.transition(TaskTransform, StateSkipped)
		r.transition(TaskValidate, StateSkipped)
		return nil
	}

	if err := r.do(ctx, TaskTransform, stages.Transformer.Transform); err != nil {
		return err
	}
	r.summary.TransformVersion = stages.Transformer.Version()

	return r.do(ctx, TaskValidate, func(ctx context.Context) error {
		counts := stages.Gate.CheckViews(ctx, processor.Views)
		for view, n := range counts {
			metrics.EmitMetric(r.o.log, "quality_gate", metrics.MetricViewRows, n, "gauge", logger.Fields{"view": view})
		}
		r.summary.Views = counts
		return nil
	})
}

// ingest runs the three resource tasks concurrently and waits for all of
// them. The first failure in graph order halts the run.
func (r *run) ingest(ctx context.Context, stages *Stages) error {
	src := r.o.cfg.Source.Coingecko
	tasks := []struct {
		id TaskID
		fn func(ctx context.Context) error
	}{
		{TaskMarket, func(ctx context.Context) error {
			sum, err := stages.Loader.LoadMarket(ctx, stages.Extractor.FetchMarketSnapshot(ctx, src.Currency, src.PerPage))
			r.loaded(sum)
			return err
		}},
		{TaskTrending, func(ctx context.Context) error {
			sum, err := stages.Loader.LoadTrending(ctx, stages.Extractor.FetchTrending(ctx))
			r.loaded(sum)
			return err
		}},
		{TaskGlobal, func(ctx context.Context) error {
			rec, err := stages.Extractor.FetchGlobalStats(ctx)
			if err != nil {
				return err
			}
			sum, err := stages.Loader.LoadGlobal(ctx, coingecko.Records(rec))
			r.loaded(sum)
			return err
		}},
	}

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.do(ctx, t.id, t.fn)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) loaded(sum writer.LoadSummary) {
	if sum.Resource == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Rows[sum.Resource] = sum.RowsWritten
	if sum.NewestUpdate.After(r.newest) {
		r.newest = sum.NewestUpdate
	}
	if !sum.ExtractedAt.IsZero() && (r.extracted.IsZero() || sum.ExtractedAt.Before(r.extracted)) {
		r.extracted = sum.ExtractedAt
	}
	metrics.EmitMetric(r.o.log, "loader", metrics.MetricRowsLoaded, sum.RowsWritten, "gauge", logger.Fields{"resource": string(sum.Resource)})
}

// watermark is the earliest extraction instant of the run. A run that loaded
// nothing falls back to its start.
func (r *run) watermark() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.extracted.IsZero() {
		return r.summary.RunAt
	}
	return r.extracted
}

// hasNewData is true on the first run and whenever the provider reported an
// update after the earliest extraction of the last successful run. Without
// any provider timestamp there is nothing to compare, so the run transforms.
func (r *run) hasNewData(ctx context.Context) (bool, error) {
	last, ok, err := r.o.state.LastSuccess(ctx)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	newest := r.newest
	r.mu.Unlock()

	if !ok || newest.IsZero() {
		return true, nil
	}
	return newest.After(last), nil
}

// finish skips every task that never started and seals the summary.
func (r *run) finish(runErr error) RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.o.now().UTC()
	s := r.summary
	s.FinishedAt = now
	s.Status = RunSucceeded
	if runErr != nil {
		s.Status = RunFailed
		s.Error = runErr.Error()
		var te *TaskError
		if errors.As(runErr, &te) {
			s.FailedTask = te.Task
		}
	}

	s.Tasks = make([]TaskRecord, 0, len(Graph))
	for _, id := range Graph {
		rec := r.tasks[id]
		if rec.State == StatePending {
			_ = rec.transition(StateSkipped, now)
		}
		s.Tasks = append(s.Tasks, *rec)
	}
	return s
}
