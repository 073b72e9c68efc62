// Package stats tracks pipeline observability counters that are too
// expensive or too high-cardinality for plain prometheus labels.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-courier/internal/logging"
)

var spanNameCardinality = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "telemetry_courier_span_name_cardinality",
	Help: "Estimated number of distinct span names seen since the last window reset",
})

func init() {
	prometheus.MustRegister(spanNameCardinality)
}

// Collector aggregates span throughput and span-name cardinality. Distinct
// names are estimated with HyperLogLog, keeping memory fixed (~12KB)
// regardless of cardinality.
type Collector struct {
	spans atomic.Int64

	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{sketch: hyperloglog.New()}
}

// RecordSpan records one finished span.
func (c *Collector) RecordSpan(name string) {
	c.spans.Add(1)

	c.mu.Lock()
	c.sketch.Insert([]byte(name))
	estimate := c.sketch.Estimate()
	c.mu.Unlock()

	spanNameCardinality.Set(float64(estimate))
}

// Spans returns the total number of finished spans recorded.
func (c *Collector) Spans() int64 {
	return c.spans.Load()
}

// DistinctSpanNames returns the estimated number of distinct span names in
// the current window.
func (c *Collector) DistinctSpanNames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sketch.Estimate()
}

// ResetWindow clears the cardinality sketch for a new window.
func (c *Collector) ResetWindow() {
	c.mu.Lock()
	c.sketch = hyperloglog.New()
	c.mu.Unlock()
	spanNameCardinality.Set(0)
}

// StartPeriodicLogging logs a snapshot every interval until ctx is canceled.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logging.Info("pipeline stats", logging.F(
				"spans_finished", c.Spans(),
				"distinct_span_names", c.DistinctSpanNames(),
			))
		}
	}
}
