// Package observability provides Prometheus metrics and unmatched
// user-agent tracking for the detector.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector exported by the detector. A nil *Metrics is
// valid and records nothing, which keeps tests and tools free of a registry.
type Metrics struct {
	HitsClassified  *prometheus.CounterVec
	HitsIgnored     *prometheus.CounterVec
	AuthDecisions   *prometheus.CounterVec
	RecordFailures  *prometheus.CounterVec
	RecordDuration  prometheus.Histogram
	RecordsInFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	hitsClassified := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aidetector",
			Subsystem: "hits",
			Name:      "classified_total",
			Help:      "Requests classified as AI crawler traffic.",
		},
		[]string{"source", "family", "type"},
	)
	registerer.MustRegister(hitsClassified)

	hitsIgnored := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aidetector",
			Subsystem: "hits",
			Name:      "ignored_total",
			Help:      "Requests whose user agent matched no rule.",
		},
		[]string{"source"},
	)
	registerer.MustRegister(hitsIgnored)

	authDecisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aidetector",
			Subsystem: "auth",
			Name:      "decisions_total",
			Help:      "Authorization decisions by surface, result and reason.",
		},
		[]string{"surface", "result", "reason"},
	)
	registerer.MustRegister(authDecisions)

	recordFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aidetector",
			Subsystem: "recorder",
			Name:      "failures_total",
			Help:      "Aggregation updates that aborted, by error code.",
		},
		[]string{"code"},
	)
	registerer.MustRegister(recordFailures)

	recordDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aidetector",
		Subsystem: "recorder",
		Name:      "duration_seconds",
		Help:      "Time spent applying one hit to the store.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	registerer.MustRegister(recordDuration)

	recordsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aidetector",
		Subsystem: "recorder",
		Name:      "in_flight",
		Help:      "Aggregation updates scheduled but not yet finished.",
	})
	registerer.MustRegister(recordsInFlight)

	return &Metrics{
		HitsClassified:  hitsClassified,
		HitsIgnored:     hitsIgnored,
		AuthDecisions:   authDecisions,
		RecordFailures:  recordFailures,
		RecordDuration:  recordDuration,
		RecordsInFlight: recordsInFlight,
	}
}

// ObserveClassified counts a classified hit.
func (m *Metrics) ObserveClassified(source, family, botType string) {
	if m == nil {
		return
	}
	m.HitsClassified.WithLabelValues(source, family, botType).Inc()
}

// ObserveIgnored counts a request that matched no rule.
func (m *Metrics) ObserveIgnored(source string) {
	if m == nil {
		return
	}
	m.HitsIgnored.WithLabelValues(source).Inc()
}

// ObserveDecision counts an authorization decision.
func (m *Metrics) ObserveDecision(surface string, admitted bool, reason string) {
	if m == nil {
		return
	}
	result := "denied"
	if admitted {
		result = "admitted"
	}
	m.AuthDecisions.WithLabelValues(surface, result, reason).Inc()
}

// ObserveRecordStart marks an aggregation update as scheduled.
func (m *Metrics) ObserveRecordStart() {
	if m == nil {
		return
	}
	m.RecordsInFlight.Inc()
}

// ObserveRecordDone marks an aggregation update as finished. code is empty
// on success.
func (m *Metrics) ObserveRecordDone(seconds float64, code string) {
	if m == nil {
		return
	}
	m.RecordsInFlight.Dec()
	m.RecordDuration.Observe(seconds)
	if code != "" {
		m.RecordFailures.WithLabelValues(code).Inc()
	}
}
