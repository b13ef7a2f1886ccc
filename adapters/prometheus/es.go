package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evlog-go/core/es"
)

// esMetrics implements es.Metrics using Prometheus.
type esMetrics struct {
	// Coordinator
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Reconstructor
	loadDuration        *prometheus.HistogramVec
	reconstructDuration *prometheus.HistogramVec
	replayFailures      *prometheus.CounterVec
}

// NewMetrics creates es.Metrics registered on reg.
func NewMetrics(reg prometheus.Registerer) es.Metrics {
	m := &esMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evlog_append_duration_seconds",
			Help:    "Event log append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evlog_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evlog_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"aggregate_type"}),

		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evlog_load_duration_seconds",
			Help:    "Event log load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		reconstructDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evlog_reconstruct_duration_seconds",
			Help:    "Aggregate reconstruction latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		replayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evlog_replay_failures_total",
			Help: "Total number of failed reconstructions",
		}, []string{"aggregate_type", "reason"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.loadDuration,
		m.reconstructDuration,
		m.replayFailures,
	)

	return m
}

func (m *esMetrics) AppendDuration(aggType string) es.Timer {
	return newTimer(m.appendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) LoadDuration(aggType string) es.Timer {
	return newTimer(m.loadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ReconstructDuration(aggType string) es.Timer {
	return newTimer(m.reconstructDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ReplayFailure(aggType, reason string) {
	m.replayFailures.WithLabelValues(aggType, reason).Inc()
}

var _ es.Metrics = (*esMetrics)(nil)
