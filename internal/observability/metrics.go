// Package observability carries the Prometheus metrics and the optional
// OTLP trace exporter shared by all atlas processes.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the platform emits. One instance per process;
// components receive it by pointer and may be handed a nil *Metrics, so every
// recording method is nil-safe.
type Metrics struct {
	registry *prometheus.Registry

	RequestsStarted    prometheus.Counter
	RequestsFinished   *prometheus.CounterVec
	TasksProcessed     *prometheus.CounterVec
	TaskRetries        prometheus.Counter
	TaskDuration       *prometheus.HistogramVec
	ActionsExecuted    *prometheus.CounterVec
	LLMCompletions     *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	CheckpointWrites   prometheus.Counter
	SnapshotsPublished prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry together with the
// standard process and Go runtime collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_requests_started_total",
			Help: "Analysis requests picked up from the ingest queue.",
		}),
		RequestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_requests_finished_total",
			Help: "Analysis requests that reached a terminal status.",
		}, []string{"status"}),
		TasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_tasks_processed_total",
			Help: "Department tasks that reached a terminal status.",
		}, []string{"department", "status"}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_task_retries_total",
			Help: "In-process task retry attempts after transient failures.",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_task_duration_seconds",
			Help:    "Wall time from task pickup to its terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"department"}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_actions_executed_total",
			Help: "Approved actions the executor finished, by outcome.",
		}, []string{"action_type", "status"}),
		LLMCompletions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_llm_completions_total",
			Help: "LLM completion calls, by role and outcome.",
		}, []string{"role", "outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_cache_lookups_total",
			Help: "External data cache lookups: hit_memory, hit_db or miss.",
		}, []string{"result"}),
		CheckpointWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_checkpoint_writes_total",
			Help: "Orchestrator state checkpoints persisted.",
		}),
		SnapshotsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_snapshots_published_total",
			Help: "Request snapshots published to the update bus.",
		}),
	}
}

// Handler serves the scrape endpoint for this process's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nil-safe recording helpers. Callers hold a possibly-nil *Metrics and should
// not have to guard every observation site.

func (m *Metrics) RequestStarted() {
	if m != nil {
		m.RequestsStarted.Inc()
	}
}

func (m *Metrics) RequestFinished(status string) {
	if m != nil {
		m.RequestsFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) TaskProcessed(department, status string, seconds float64) {
	if m != nil {
		m.TasksProcessed.WithLabelValues(department, status).Inc()
		m.TaskDuration.WithLabelValues(department).Observe(seconds)
	}
}

func (m *Metrics) TaskRetried() {
	if m != nil {
		m.TaskRetries.Inc()
	}
}

func (m *Metrics) ActionExecuted(actionType, status string) {
	if m != nil {
		m.ActionsExecuted.WithLabelValues(actionType, status).Inc()
	}
}

func (m *Metrics) LLMCompletion(role, outcome string) {
	if m != nil {
		m.LLMCompletions.WithLabelValues(role, outcome).Inc()
	}
}

func (m *Metrics) CacheLookup(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CheckpointWritten() {
	if m != nil {
		m.CheckpointWrites.Inc()
	}
}

func (m *Metrics) SnapshotPublished() {
	if m != nil {
		m.SnapshotsPublished.Inc()
	}
}
