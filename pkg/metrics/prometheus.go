package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	anomalies        *prometheus.CounterVec
	fetchErrors      *prometheus.CounterVec
	heartbeats       *prometheus.CounterVec
	adapterConnected *prometheus.GaugeVec
	alerts           *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

// New registers the recorder with the default Prometheus registry.
// Call it once per process.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		anomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsentry_anomalies_total",
				Help: "Anomalies emitted by the detection engine",
			},
			[]string{"type", "severity", "source"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsentry_source_fetch_errors_total",
				Help: "Failed or panicked adapter fetches",
			},
			[]string{"source"},
		),
		heartbeats: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsentry_adapter_heartbeats_total",
				Help: "Adapter heartbeats by outcome",
			},
			[]string{"source", "status"},
		),
		adapterConnected: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketsentry_adapter_connected",
				Help: "1 while the adapter reports connected",
			},
			[]string{"source"},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsentry_alerts_total",
				Help: "Alert rule decisions",
			},
			[]string{"rule", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketsentry_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordAnomaly(anomalyType, severity, source string) {
	r.anomalies.WithLabelValues(anomalyType, severity, source).Inc()
}

func (r *Recorder) RecordFetchError(source string) {
	r.fetchErrors.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordHeartbeat(source string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	r.heartbeats.WithLabelValues(source, status).Inc()
}

func (r *Recorder) RecordAdapterConnected(source string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	r.adapterConnected.WithLabelValues(source).Set(v)
}

// RecordAlert counts a rule decision; reason is the limiter outcome.
func (r *Recorder) RecordAlert(rule string, dispatched bool, reason string) {
	outcome := reason
	if dispatched {
		outcome = "dispatched"
	}
	r.alerts.WithLabelValues(rule, outcome).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards everything; used when metrics are disabled and in tests.
type Nop struct{}

func (Nop) RecordAnomaly(string, string, string) {}
func (Nop) RecordFetchError(string)              {}
func (Nop) RecordHeartbeat(string, bool)         {}
func (Nop) RecordAdapterConnected(string, bool)  {}
func (Nop) RecordAlert(string, bool, string)     {}
func (Nop) RecordLatency(string, float64)        {}
