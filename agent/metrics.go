package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the worker-side prometheus collectors.
type Metrics struct {
	JobsTotal        *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	StepDuration     *prometheus.HistogramVec
	RunningJobs      prometheus.Gauge
	Reclaims         prometheus.Counter
}

// NewMetrics registers the worker collectors on reg. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raibid",
			Name:      "jobs_total",
			Help:      "Jobs finished by terminal status.",
		}, []string{"status"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "raibid",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of whole pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "raibid",
			Name:      "step_duration_seconds",
			Help:      "Wall time per pipeline step.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "raibid",
			Name:      "running_jobs",
			Help:      "Jobs currently executing on this worker.",
		}),
		Reclaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "raibid",
			Name:      "reclaims_total",
			Help:      "Orphaned queue entries taken over from peers.",
		}),
	}
}
