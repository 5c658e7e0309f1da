package artifact

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rowscript"

type metrics struct {
	compilations   prometheus.Counter
	hits           prometheus.Counter
	evictions      prometheus.Counter
	live           prometheus.Gauge
	compileSeconds prometheus.Histogram
}

// newMetrics builds the cache collectors and registers them when reg is set.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		compilations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "artifact", Name: "compilations_total",
			Help: "Units compiled by a toolchain.",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "artifact", Name: "hits_total",
			Help: "Acquisitions served from the cache.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "artifact", Name: "evictions_total",
			Help: "Entries whose directory was deleted after the last release.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "artifact", Name: "live_entries",
			Help: "Entries currently registered.",
		}),
		compileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "artifact", Name: "compile_seconds",
			Help:    "Time spent compiling a unit.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.compilations, m.hits, m.evictions, m.live, m.compileSeconds)
	}
	return m
}
