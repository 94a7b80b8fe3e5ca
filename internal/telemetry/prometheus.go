package telemetry

import (
	"github.com/stratakv/strata/internal/metrics"
)

// PrometheusCollector forwards operation durations into the node's
// metrics. Hit and miss counters are maintained by the cache itself,
// so this sink only observes latency.
type PrometheusCollector struct {
	metrics *metrics.Metrics
}

// NewPrometheusCollector creates a collector backed by the given
// metrics.
func NewPrometheusCollector(m *metrics.Metrics) *PrometheusCollector {
	return &PrometheusCollector{metrics: m}
}

// Record observes the sample's duration under its operation label.
func (c *PrometheusCollector) Record(s Sample) {
	c.metrics.RecordOp(s.Op, s.Duration.Seconds())
}

// Close is a no-op; the metrics registry outlives the collector.
func (c *PrometheusCollector) Close() {}
