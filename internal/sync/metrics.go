package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle results, as reported by the cycles counter.
const (
	resultOK              = "ok"
	resultError           = "error"
	resultUnauthenticated = "unauthenticated"
	resultDebounced       = "debounced"
)

type metrics struct {
	registry    *prometheus.Registry
	cycles      *prometheus.CounterVec
	duration    prometheus.Histogram
	uploaded    *prometheus.CounterVec
	downloaded  prometheus.Counter
	deleted     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	lastSuccess prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycle requests by result.",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles that ran.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		uploaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "records_uploaded_total",
			Help:      "Records inserted or updated remotely.",
		}, []string{"table"}),
		downloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "records_downloaded_total",
			Help:      "Remote records merged into the local store.",
		}),
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "records_deleted_total",
			Help:      "Records deleted remotely.",
		}, []string{"table"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "record_failures_total",
			Help:      "Per-record failures that did not abort a cycle.",
		}, []string{"table", "op"}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clubroll",
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Start time of the last successful cycle.",
		}),
	}
}
