package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"coinflow/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}

	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "test", "foo": "bar"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}

	if snapshot[0].Component != "test" || snapshot[0].Fields["foo"] != "bar" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}

	snapshot = store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestMetricStoreQuery(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Component: "loader", Name: metrics.MetricRowsLoaded, Value: 250})
	store.handle(metrics.Metric{Component: "pipeline", Name: metrics.MetricTaskAttempt, Value: 1})
	store.handle(metrics.Metric{Component: "pipeline", Name: metrics.MetricRunCompleted, Value: 1})

	if got := store.query("pipeline", ""); len(got) != 2 {
		t.Fatalf("expected 2 pipeline metrics, got %d", len(got))
	}
	if got := store.query("", metrics.MetricRowsLoaded); len(got) != 1 || got[0].Component != "loader" {
		t.Fatalf("unexpected name filter result: %#v", got)
	}
	if got := store.query("", ""); len(got) != 3 {
		t.Fatalf("expected unfiltered query to return all, got %d", len(got))
	}
}

func TestLogStoreQueryByLevel(t *testing.T) {
	store := newLogStore(10)
	for _, lvl := range []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = lvl
		entry.Message = lvl.String()
		entry.Data = logrus.Fields{"component": "pipeline"}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if got := store.query("warn", ""); len(got) != 2 {
		t.Fatalf("expected warning and error records, got %#v", got)
	}
	if got := store.query("", "pipeline"); len(got) != 4 {
		t.Fatalf("expected all records without a level, got %d", len(got))
	}
	if got := store.query("info", "loader"); len(got) != 0 {
		t.Fatalf("expected no loader records, got %d", len(got))
	}
}
