package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Resolutions *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	Matches     *prometheus.CounterVec
	Duration    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_debug_resolutions_total",
			Help: "Total number of resolution passes by outcome",
		}, []string{"result", "trigger"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_debug_errors_total",
			Help: "Total number of failed resolution passes by step and error kind",
		}, []string{"step", "kind"}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_debug_debug_file_matches_total",
			Help: "Total number of debug files selected, by how they were matched",
		}, []string{"match"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_debug_resolution_duration_seconds",
			Help:    "Time spent in one resolution pass",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Resolutions,
			m.Errors,
			m.Matches,
			m.Duration,
		)
	}

	return m
}
