// Package metrics holds the Prometheus collectors for every pipeline stage.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegis"

// Metrics holds the service collectors. A nil *Metrics is a no-op, so
// components can be built without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived    *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	EventsProcessed   prometheus.Counter
	BatchDuration     prometheus.Histogram
	DetectorDuration  *prometheus.HistogramVec
	DetectorErrors    *prometheus.CounterVec
	Candidates        *prometheus.CounterVec
	CandidatesDropped prometheus.Counter
	IncidentsOpened   *prometheus.CounterVec
	IncidentUpdates   prometheus.Counter
	Actions           *prometheus.CounterVec
	ResponseLatency   prometheus.Histogram
	Escalations       prometheus.Counter
	SinkPublished     *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec
	SinkDropped       prometheus.Counter
	IntegrityFailures prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events seen at the ingestion boundary by outcome (accepted, rejected, dropped).",
		}, []string{"outcome"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the ingestion queue.",
		}),
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events recorded into the sliding window.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to process one batch end to end.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		DetectorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_duration_seconds",
			Help:      "Detector evaluation time per batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"detector"}),
		DetectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_errors_total",
			Help:      "Detector evaluations that failed or panicked.",
		}, []string{"detector"}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Incident candidates emitted per detector.",
		}, []string{"detector"}),
		CandidatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_dropped_total",
			Help:      "Candidates dropped after correlator retries were exhausted.",
		}),
		IncidentsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents created by initial severity.",
		}, []string{"severity"}),
		IncidentUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_updates_total",
			Help:      "Merges of late candidates into existing incidents.",
		}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Containment action attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_seconds",
			Help:      "Time from incident creation to resolution.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Incidents resolved with escalation_required set.",
		}),
		SinkPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_published_total",
			Help:      "Transitions published per sink.",
		}, []string{"sink"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Transition publish failures per sink.",
		}, []string{"sink"}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Transitions dropped because the dispatch buffer was full.",
		}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Window integrity violations that halted intake.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// EventReceived counts an ingestion outcome.
func (m *Metrics) EventReceived(outcome string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// BatchProcessed records one processed batch.
func (m *Metrics) BatchProcessed(events int, d time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessed.Add(float64(events))
	m.BatchDuration.Observe(d.Seconds())
}

// DetectorRun records one detector evaluation.
func (m *Metrics) DetectorRun(detector string, d time.Duration, candidates int, err error) {
	if m == nil {
		return
	}
	m.DetectorDuration.WithLabelValues(detector).Observe(d.Seconds())
	if err != nil {
		m.DetectorErrors.WithLabelValues(detector).Inc()
		return
	}
	if candidates > 0 {
		m.Candidates.WithLabelValues(detector).Add(float64(candidates))
	}
}

// CandidateDropped counts a dropped candidate.
func (m *Metrics) CandidateDropped() {
	if m == nil {
		return
	}
	m.CandidatesDropped.Inc()
}

// IncidentOpened counts a new incident.
func (m *Metrics) IncidentOpened(severity string) {
	if m == nil {
		return
	}
	m.IncidentsOpened.WithLabelValues(severity).Inc()
}

// IncidentUpdated counts a merge into an existing incident.
func (m *Metrics) IncidentUpdated() {
	if m == nil {
		return
	}
	m.IncidentUpdates.Inc()
}

// ActionAttempt counts one action attempt.
func (m *Metrics) ActionAttempt(action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, outcome).Inc()
}

// IncidentResolved records response latency and escalation.
func (m *Metrics) IncidentResolved(latency time.Duration, escalated bool) {
	if m == nil {
		return
	}
	m.ResponseLatency.Observe(latency.Seconds())
	if escalated {
		m.Escalations.Inc()
	}
}

// SinkPublish counts a publish attempt on a sink.
func (m *Metrics) SinkPublish(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
		return
	}
	m.SinkPublished.WithLabelValues(sink).Inc()
}

// SinkDrop counts a transition dropped by the dispatcher.
func (m *Metrics) SinkDrop() {
	if m == nil {
		return
	}
	m.SinkDropped.Inc()
}

// IntegrityFailure counts a fatal window integrity violation.
func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}
