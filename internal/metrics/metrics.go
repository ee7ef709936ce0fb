// Registers:
//
//	#coinflow_task_attempts_total{task,outcome}
//	#coinflow_task_duration_seconds{task}
//	#coinflow_runs_total{status}
//	#coinflow_rows_loaded{resource}
//	#coinflow_raw_rows{resource}
//	#coinflow_view_rows{view}
//	#coinflow_ticks_dropped_total
//	#go_* and process_* system metrics
//
// on a private registry served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus mirrors emitted metric events into Prometheus collectors.
type Prometheus struct {
	registry     *prometheus.Registry
	taskAttempts *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	rowsLoaded   *prometheus.GaugeVec
	rawRows      *prometheus.GaugeVec
	viewRows     *prometheus.GaugeVec
	ticksDropped prometheus.Counter
	handlerID    MetricHandlerID
}

// NewPrometheus builds the collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflow_task_attempts_total",
			Help: "Task attempts by outcome",
		}, []string{"task", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coinflow_task_duration_seconds",
			Help:    "Wall time of one task attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"task"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflow_runs_total",
			Help: "Finished pipeline runs by status",
		}, []string{"status"}),
		rowsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coinflow_rows_loaded",
			Help: "Rows written by the last load of each resource",
		}, []string{"resource"}),
		rawRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coinflow_raw_rows",
			Help: "Row count of each raw table at the last ingestion check",
		}, []string{"resource"}),
		viewRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coinflow_view_rows",
			Help: "Row count of each derived view at the last validation",
		}, []string{"view"}),
		ticksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinflow_ticks_dropped_total",
			Help: "Schedule ticks dropped because a run was in flight",
		}),
	}

	p.registry.MustRegister(
		p.taskAttempts, p.taskDuration, p.runs,
		p.rowsLoaded, p.rawRows, p.viewRows, p.ticksDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Register subscribes the collectors to emitted metrics.
func (p *Prometheus) Register() {
	if p.handlerID == 0 {
		p.handlerID = RegisterMetricHandler(p.Observe)
	}
}

// Close unsubscribes from emitted metrics.
func (p *Prometheus) Close() {
	UnregisterMetricHandler(p.handlerID)
	p.handlerID = 0
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Observe applies one metric event to the matching collector.
func (p *Prometheus) Observe(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	switch m.Name {
	case MetricTaskAttempt:
		p.taskAttempts.WithLabelValues(m.Label("task"), m.Label("outcome")).Add(value)
	case MetricTaskDuration:
		p.taskDuration.WithLabelValues(m.Label("task")).Observe(value / 1000)
	case MetricRunCompleted:
		p.runs.WithLabelValues(m.Label("status")).Add(value)
	case MetricRowsLoaded:
		p.rowsLoaded.WithLabelValues(m.Label("resource")).Set(value)
	case MetricRawRows:
		p.rawRows.WithLabelValues(m.Label("resource")).Set(value)
	case MetricViewRows:
		p.viewRows.WithLabelValues(m.Label("view")).Set(value)
	case MetricTickDropped:
		p.ticksDropped.Add(value)
	}
}
