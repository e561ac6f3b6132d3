package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	DetectorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketsentry",
			Subsystem: "detector",
			Name:      "duration_seconds",
			Help:      "Time spent in one Detect call",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	DetectorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketsentry",
			Subsystem: "detector",
			Name:      "failures_total",
			Help:      "Per-symbol evaluation failures, recovered panics included",
		},
		[]string{"detector"},
	)

	ModelTrained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketsentry",
			Subsystem: "model",
			Name:      "trained",
			Help:      "1 when the outlier model is fitted",
		},
	)

	ModelTrainingSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketsentry",
			Subsystem: "model",
			Name:      "training_samples",
			Help:      "Samples used by the last successful training run",
		},
	)
)

// Register adds the detector collectors to the default registry once.
// Collectors are usable before registration.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(DetectorLatency, DetectorFailures, ModelTrained, ModelTrainingSamples)
	})
}
