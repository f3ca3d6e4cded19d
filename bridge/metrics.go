package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "bridge"

// metrics are the collectors of one bridge. They work unregistered; New
// registers them only when the config carries a Registerer.
type metrics struct {
	contexts        prometheus.Counter
	contextDepth    prometheus.Gauge
	shadowsCreated  prometheus.Counter
	shadowsMerged   prometheus.Counter
	shadowsReleased prometheus.Counter
	shadowBytes     prometheus.Gauge
	poolHits        prometheus.Counter
	recoveries      prometheus.Counter
	sentinels       prometheus.Counter
	acquired        prometheus.Counter
}

func newMetrics(namespace, target string) *metrics {
	labels := prometheus.Labels{"target": target}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &metrics{
		contexts:        counter("contexts_total", "Call contexts started."),
		contextDepth:    gauge("context_depth", "Current call context nesting depth."),
		shadowsCreated:  counter("shadows_created_total", "Shadow records created."),
		shadowsMerged:   counter("shadows_coalesced_total", "Shadow groups merged because their source ranges overlapped."),
		shadowsReleased: counter("shadows_released_total", "Shadow records released at context end."),
		shadowBytes:     gauge("shadow_bytes", "Bytes of fixed memory currently backing shadows."),
		poolHits:        counter("shadow_pool_hits_total", "Shadow blocks served from the reuse pool."),
		recoveries:      counter("recoveries_total", "Views rebound after linear memory was replaced."),
		sentinels:       counter("sentinel_addresses_total", "Sentinel addresses seen in pointer slots after a call."),
		acquired:        counter("acquired_objects_total", "Host objects materialized for foreign addresses."),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.contexts, m.contextDepth,
		m.shadowsCreated, m.shadowsMerged, m.shadowsReleased, m.shadowBytes,
		m.poolHits, m.recoveries, m.sentinels, m.acquired,
	}
}

// Describe implements prometheus.Collector.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
