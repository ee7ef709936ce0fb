package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"coinflow/config"
	"coinflow/internal/dashboard"
	"coinflow/internal/metrics"
	"coinflow/internal/notify"
	"coinflow/internal/pipeline"
	"coinflow/internal/runlog"
	"coinflow/internal/verify"
	"coinflow/internal/warehouse"
	"coinflow/logger"
	"coinflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("coinflow exited with error")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "coinflow",
		Short:         "CoinGecko ingestion and transformation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yml", "Path to configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the pipeline on its schedule until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, runScheduled)
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Execute a single pipeline run and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, runOnce)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Print a report on the derived views",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runVerify(cmd.Context(), configPath, cmd.OutOrStdout())
			},
		},
	)
	return root
}

func loadConfig(path string) (*config.Config, *logger.Log, error) {
	log := logger.GetLogger()

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return nil, nil, err
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return nil, nil, err
	}
	return cfg, log, nil
}

// app is the process wide wiring shared by the run and once commands.
type app struct {
	cfg          *config.Config
	log          *logger.Log
	orchestrator *pipeline.Orchestrator
	connector    *pipeline.WarehouseConnector
	runs         *runArchive
	prometheus   *metrics.Prometheus
	closers      []io.Closer
}

func withApp(parent context.Context, configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"service": cfg.Coinflow.Name,
		"version": cfg.Coinflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting coinflow")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to initialise coinflow")
		return err
	}
	defer a.close()

	if err := fn(ctx, a); err != nil {
		return err
	}
	log.Info("coinflow stopped")
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Log) (*app, error) {
	a := &app{cfg: cfg, log: log, runs: &runArchive{}}

	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch); err != nil {
			log.WithError(err).Warn("cloudwatch metrics disabled")
		}
	}
	if cfg.Metrics.Prometheus {
		a.prometheus = metrics.NewPrometheus()
		a.prometheus.Register()
	}

	sinks, err := notify.New(cfg.Notify)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("notification sinks: %w", err)
	}
	a.closers = append(a.closers, sinks)

	state, err := pipeline.NewStateStore(cfg.State)
	if err != nil {
		a.close()
		return nil, err
	}
	if c, ok := state.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	var archive writer.MarketArchiver
	if cfg.Storage.S3.Enabled {
		s3Archive, err := writer.NewS3Archive(ctx, cfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("raw archive: %w", err)
		}
		archive = s3Archive
	} else {
		log.WithComponent("main").Info("S3 storage disabled; raw market batches are not archived")
	}

	a.connector = pipeline.NewWarehouseConnector(cfg, archive, a.runs.open)
	a.closers = append(a.closers, a.connector)

	a.orchestrator = pipeline.New(cfg, a.connector.Connect, state, sinks)
	return a, nil
}

func (a *app) close() {
	if a.prometheus != nil {
		a.prometheus.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithComponent("main").WithError(err).Warn("failed to close resource")
		}
	}
}

func runScheduled(ctx context.Context, a *app) error {
	if strings.ToLower(a.cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, a.log, 30*time.Second)
	}

	opts := []dashboard.Option{dashboard.WithArchive(a.runs)}
	if a.prometheus != nil {
		opts = append(opts, dashboard.WithPrometheus(a.prometheus.Handler()))
	}
	if a.cfg.Warehouse.Driver == config.DriverSQLite {
		opts = append(opts, dashboard.WithDiskPath(warehouseDir(a.cfg.Warehouse.Name)))
	}
	status, err := dashboard.NewServer(a.cfg.Dashboard, a.log, a.orchestrator, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if status != nil {
		go func() {
			errCh <- status.Run(ctx, a.cfg.Coinflow.Name)
		}()
	}

	scheduler := pipeline.NewScheduler(a.cfg.Pipeline, a.orchestrator)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Start(ctx)
	}()
	a.log.WithFields(logger.Fields{
		"schedule":       a.cfg.Pipeline.Schedule.String(),
		"overlap_policy": a.cfg.Pipeline.OverlapPolicy,
		"status_address": status.Address(),
	}).Info("all components started successfully")

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.log.WithComponent("dashboard").WithError(serveErr).Error("status server stopped")
		}
	}

	a.log.Info("starting graceful shutdown")
	cancel()
	select {
	case <-done:
		a.log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		a.log.Warn("graceful shutdown timeout exceeded")
	}
	return serveErr
}

func runOnce(ctx context.Context, a *app) error {
	summary, err := a.orchestrator.Run(ctx)
	if err != nil {
		return err
	}
	a.log.WithFields(logger.Fields{
		"run_id":   summary.RunID,
		"new_data": summary.NewData,
		"duration": summary.Duration().String(),
	}).Info("run finished")
	return nil
}

func runVerify(ctx context.Context, configPath string, out io.Writer) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Preflight(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wh, err := warehouse.Open(ctx, cfg.Warehouse)
	if err != nil {
		return err
	}
	defer wh.Close()

	report := verify.Build(ctx, wh)
	if err := verify.Render(out, report); err != nil {
		return err
	}
	if !report.Healthy() {
		return errors.New("verification found issues")
	}
	return nil
}

func warehouseDir(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i > 0 {
		return name[:i]
	}
	return "."
}

var errNotConnected = errors.New("warehouse not connected yet")

// runArchive hands the run history store to the status server once the
// first run has opened the warehouse.
type runArchive struct {
	store atomic.Pointer[runlog.Store]
}

func (r *runArchive) open(ctx context.Context, wh *warehouse.Warehouse) (pipeline.RunRecorder, error) {
	store, err := runlog.Open(ctx, wh)
	if err != nil {
		return nil, err
	}
	r.store.Store(store)
	return store, nil
}

func (r *runArchive) Recent(ctx context.Context, limit int) ([]runlog.Run, error) {
	store := r.store.Load()
	if store == nil {
		return nil, errNotConnected
	}
	return store.Recent(ctx, limit)
}

func (r *runArchive) Find(ctx context.Context, runID string) (runlog.Run, error) {
	store := r.store.Load()
	if store == nil {
		return runlog.Run{}, runlog.ErrNotFound
	}
	return store.Find(ctx, runID)
}

func (r *runArchive) CountByStatus(ctx context.Context) (map[string]int64, error) {
	store := r.store.Load()
	if store == nil {
		return nil, errNotConnected
	}
	return store.CountByStatus(ctx)
}
