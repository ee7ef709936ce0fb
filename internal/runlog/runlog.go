// Package runlog keeps an audit row per finished pipeline run in the
// warehouse, next to the data the run produced.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"coinflow/config"
	"coinflow/internal/pipeline"
	"coinflow/internal/warehouse"
	"coinflow/models"
)

// ErrNotFound is returned by Find for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one row of pipeline_runs.
type Run struct {
	ID               uint      `gorm:"primarykey" json:"-"`
	RunID            string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"run_id"`
	RunAt            time.Time `gorm:"index;not null" json:"run_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Status           string    `gorm:"type:varchar(16);index;not null" json:"status"`
	FailedTask       string    `gorm:"type:varchar(64)" json:"failed_task,omitempty"`
	Error            string    `gorm:"type:text" json:"error,omitempty"`
	NewData          bool      `json:"new_data"`
	MarketRows       int64     `json:"market_rows"`
	TrendingRows     int64     `json:"trending_rows"`
	GlobalRows       int64     `json:"global_rows"`
	TransformVersion string    `gorm:"type:varchar(64)" json:"transform_version,omitempty"`
	Tasks            string    `gorm:"type:text" json:"tasks"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Run) TableName() string {
	return "pipeline_runs"
}

// TaskRecords decodes the stored task list.
func (r Run) TaskRecords() ([]pipeline.TaskRecord, error) {
	var tasks []pipeline.TaskRecord
	if r.Tasks == "" {
		return tasks, nil
	}
	if err := json.Unmarshal([]byte(r.Tasks), &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks of run %s: %w", r.RunID, err)
	}
	return tasks, nil
}

// Store writes and reads run history through gorm on the warehouse pool.
type Store struct {
	db *gorm.DB
}

// Open attaches gorm to the warehouse connection pool and migrates the
// history table.
func Open(ctx context.Context, wh *warehouse.Warehouse) (*Store, error) {
	var dialector gorm.Dialector
	switch wh.Dialect.Name {
	case config.DriverPostgres:
		dialector = postgres.New(postgres.Config{Conn: wh.DB})
	case config.DriverSQLite:
		dialector = &sqlite.Dialector{Conn: wh.DB}
	default:
		return nil, fmt.Errorf("run history: unsupported dialect %q", wh.Dialect.Name)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("gorm open error: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("migrate run history: %w", err)
	}
	return &Store{db: db}, nil
}

// Recorder adapts Open to the connector hook.
func Recorder(ctx context.Context, wh *warehouse.Warehouse) (pipeline.RunRecorder, error) {
	return Open(ctx, wh)
}

// RecordRun stores s. Recording the same run twice is an error.
func (s *Store) RecordRun(ctx context.Context, summary pipeline.RunSummary) error {
	tasks, err := json.Marshal(summary.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	run := Run{
		RunID:            summary.RunID,
		RunAt:            summary.RunAt,
		FinishedAt:       summary.FinishedAt,
		Status:           string(summary.Status),
		FailedTask:       string(summary.FailedTask),
		Error:            summary.Error,
		NewData:          summary.NewData,
		MarketRows:       int64(summary.Rows[models.ResourceMarket]),
		TrendingRows:     int64(summary.Rows[models.ResourceTrending]),
		GlobalRows:       int64(summary.Rows[models.ResourceGlobal]),
		TransformVersion: summary.TransformVersion,
		Tasks:            string(tasks),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("record run %s: %w", summary.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).Order("run_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Find returns the run with the given id.
func (s *Store) Find(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run %s: %w", runID, err)
	}
	return run, nil
}

// CountByStatus returns how many stored runs ended in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := s.db.WithContext(ctx).Model(&Run{}).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
