package engine

import "github.com/prometheus/client_golang/prometheus"

// PoolCollector exports a pool's counters to Prometheus.
type PoolCollector struct {
	pool      *WorkerPool
	active    *prometheus.Desc
	completed *prometheus.Desc
	failed    *prometheus.Desc
	panics    *prometheus.Desc
}

// NewPoolCollector returns a collector for p. Register it once per registry.
func NewPoolCollector(p *WorkerPool) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("rowscript", "pool", name), help, nil, nil)
	}
	return &PoolCollector{
		pool:      p,
		active:    desc("active_partitions", "Partitions currently running."),
		completed: desc("completed_partitions_total", "Partitions that finished without error."),
		failed:    desc("failed_partitions_total", "Partitions that returned an error or panicked."),
		panics:    desc("panics_total", "Partitions that panicked."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.completed
	ch <- c.failed
	ch <- c.panics
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.pool.Metrics()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(m.Active))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(m.Completed))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(m.Failed))
	ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(m.Panics))
}
