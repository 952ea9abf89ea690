package mmapcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "mmap_cache"

// Collector exports cache statistics to Prometheus.
type Collector struct {
	cache *Cache

	contextHits *prometheus.Desc
	listHits    *prometheus.Desc
	misses      *prometheus.Desc
	windows     *prometheus.Desc
}

// NewCollector returns a collector for m. namespace may be empty.
func NewCollector(m *Cache, namespace string) *Collector {
	return &Collector{
		cache: m,
		contextHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, metricsSubsystem, "context_hits_total"),
			"Lookups served by the window last used by the same context.",
			nil, nil),
		listHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, metricsSubsystem, "window_list_hits_total"),
			"Lookups served by scanning the descriptor's window list.",
			nil, nil),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, metricsSubsystem, "misses_total"),
			"Lookups that needed a new window.",
			nil, nil),
		windows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, metricsSubsystem, "windows"),
			"Live windows.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.contextHits
	ch <- c.listHits
	ch <- c.misses
	ch <- c.windows
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.contextHits, prometheus.CounterValue, float64(s.ContextCacheHit))
	ch <- prometheus.MustNewConstMetric(c.listHits, prometheus.CounterValue, float64(s.WindowListHit))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Missed))
	ch <- prometheus.MustNewConstMetric(c.windows, prometheus.GaugeValue, float64(c.cache.NumWindows()))
}
