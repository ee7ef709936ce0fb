package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"coinflow/logger"
)

func TestPublishMetricDatumThrottlesToInterval(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	metric := Metric{Component: "quality_gate", Name: MetricRawRows, Timestamp: baseTime, Fields: logger.Fields{"unit": "count", "resource": "market_data"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(25 * time.Millisecond) }
	metric.Timestamp = baseTime.Add(25 * time.Millisecond)
	publishMetricDatum(metric, 2)

	if len(batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(batches))
	}

	if len(batches[0]) != 1 {
		t.Fatalf("expected single metric in publish, got %d", len(batches[0]))
	}

	datum := batches[0][0]
	if datum.MetricName == nil || *datum.MetricName != MetricRawRows {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 1 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
}

func TestPublishMetricDatumAllowsAfterInterval(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	metric := Metric{Component: "quality_gate", Name: MetricRawRows, Timestamp: baseTime, Fields: logger.Fields{"unit": "count", "resource": "market_data"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(75 * time.Millisecond) }
	metric.Timestamp = baseTime.Add(75 * time.Millisecond)
	publishMetricDatum(metric, 2)

	if len(batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(batches))
	}

	second := batches[1]
	if len(second) != 1 {
		t.Fatalf("expected single metric in second publish, got %d", len(second))
	}

	datum := second[0]
	if datum.MetricName == nil || *datum.MetricName != MetricRawRows {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 2 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
}

func TestPublishMetricDatumSeparatesDimensionSets(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Coinflow"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		batches = append(batches, data)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "loader", Name: MetricRowsLoaded, Timestamp: baseTime, Fields: logger.Fields{"resource": "market_data"}}, 250)
	publishMetricDatum(Metric{Component: "loader", Name: MetricRowsLoaded, Timestamp: baseTime, Fields: logger.Fields{"resource": "trending_coins"}}, 7)
	publishMetricDatum(Metric{Component: "pipeline", Name: MetricTaskDuration, Timestamp: baseTime, Fields: logger.Fields{"task": "preflight", "unit": "milliseconds"}}, 12)

	if len(batches) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(batches))
	}
	if unit := batches[2][0].Unit; unit != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("unexpected unit: %s", unit)
	}
	for _, dim := range batches[2][0].Dimensions {
		if dim.Name != nil && *dim.Name == "unit" {
			t.Fatal("unit must not be published as a dimension")
		}
	}
}

func TestPublishMetricDatumWithoutClient(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{namespace: "Coinflow"})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "loader", Name: MetricRowsLoaded}, 1)
	if called {
		t.Fatal("publish attempted without a CloudWatch client")
	}
}

func TestMetricUnitFromString(t *testing.T) {
	if unit, ok := metricUnitFromString("Milliseconds"); !ok || unit != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("unexpected unit %s", unit)
	}
	if _, ok := metricUnitFromString("furlongs"); ok {
		t.Fatal("unknown unit accepted")
	}
}
