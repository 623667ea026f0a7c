package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// StoreStats is the read-only view of a store sampled at scrape time.
type StoreStats interface {
	Version() domain.Version
	RetainedBatches() int
	FeedCount() int
}

// Collector exports StoreStats as gauges.
type Collector struct {
	stats StoreStats

	version  *prometheus.Desc
	retained *prometheus.Desc
	feeds    *prometheus.Desc
}

// NewCollector creates a collector over stats.
func NewCollector(stats StoreStats) *Collector {
	return &Collector{
		stats: stats,
		version: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "read_version"),
			"Current read version of the store", nil, nil),
		retained: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "retained_batches"),
			"Change feed batches not yet popped", nil, nil),
		feeds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "feeds"),
			"Registered change feeds", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.version
	ch <- c.retained
	ch <- c.feeds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.version, prometheus.GaugeValue, float64(c.stats.Version()))
	ch <- prometheus.MustNewConstMetric(c.retained, prometheus.GaugeValue, float64(c.stats.RetainedBatches()))
	ch <- prometheus.MustNewConstMetric(c.feeds, prometheus.GaugeValue, float64(c.stats.FeedCount()))
}
