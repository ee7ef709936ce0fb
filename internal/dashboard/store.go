package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"coinflow/internal/metrics"
)

// ring is a bounded, concurrency safe buffer that keeps the newest items.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// filter returns the retained items accepted by keep, oldest first.
// A nil keep returns everything.
func (r *ring[T]) filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// metricStore retains the most recent metrics emitted through metrics.EmitMetric.
type metricStore struct {
	buf *ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{buf: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.buf.push(metric)
}

func (s *metricStore) snapshot() []metrics.Metric {
	return s.buf.filter(nil)
}

// query narrows the snapshot by component and metric name. Empty values match all.
func (s *metricStore) query(component, name string) []metrics.Metric {
	return s.buf.filter(func(m metrics.Metric) bool {
		return (component == "" || m.Component == component) && (name == "" || m.Name == name)
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook that keeps the most recent log entries for /api/logs.
type logStore struct {
	buf     *ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{buf: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}

			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.buf.push(record)
	return nil
}

func (s *logStore) snapshot() []logRecord {
	return s.buf.filter(nil)
}

// query keeps records at or above minLevel, optionally for one component.
// An unparseable minLevel matches every level.
func (s *logStore) query(minLevel, component string) []logRecord {
	threshold, err := logrus.ParseLevel(minLevel)
	if err != nil {
		threshold = logrus.TraceLevel
	}
	return s.buf.filter(func(r logRecord) bool {
		lvl, err := logrus.ParseLevel(r.Level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		return lvl <= threshold && (component == "" || r.Component == component)
	})
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
