// Package buffer implements the bounded producer/consumer pipeline that
// decouples request-handling code from slow telemetry uploads. Producers
// enqueue items without ever blocking on the network; a single background
// goroutine batches and hands them to an upload sink.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-courier/internal/logging"
	"github.com/szibis/telemetry-courier/internal/sizing"
)

var (
	bufferItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_courier_buffer_items",
		Help: "Current number of items held in a telemetry buffer",
	}, []string{"buffer"})

	bufferBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_courier_buffer_bytes",
		Help: "Current estimated byte size of a telemetry buffer",
	}, []string{"buffer"})

	droppedItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_buffer_dropped_items_total",
		Help: "Total items dropped from a telemetry buffer (overflow eviction or close timeout)",
	}, []string{"buffer"})

	flushBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_buffer_flush_batches_total",
		Help: "Total batches handed to the upload sink",
	}, []string{"buffer"})

	flushErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_buffer_flush_errors_total",
		Help: "Total batches lost after the upload sink reported a terminal failure",
	}, []string{"buffer"})
)

func init() {
	prometheus.MustRegister(bufferItems)
	prometheus.MustRegister(bufferBytes)
	prometheus.MustRegister(droppedItemsTotal)
	prometheus.MustRegister(flushBatchesTotal)
	prometheus.MustRegister(flushErrorsTotal)
}

// Sink receives batches drained from a Consumer. One Send call is one upload;
// any retry happens inside the sink before it returns. A returned error means
// the batch is lost; the consumer never re-enqueues drained items.
type Sink[T any] interface {
	Send(ctx context.Context, items []T) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc[T any] func(ctx context.Context, items []T) error

// Send implements Sink.
func (f SinkFunc[T]) Send(ctx context.Context, items []T) error {
	return f(ctx, items)
}

// Config bounds a Consumer.
type Config struct {
	// Name labels the buffer in metrics and logs.
	Name string
	// MaxItems caps the number of buffered items.
	MaxItems int
	// MaxBytes caps the cumulative estimated size of buffered items.
	MaxBytes int64
	// MaxBatchSize caps the number of items per sink call.
	MaxBatchSize int
	// FlushInterval is the background flush period.
	FlushInterval time.Duration
	// CloseTimeout bounds the final flush performed by Close. Items still
	// buffered when it elapses are discarded.
	CloseTimeout time.Duration
}

type entry[T any] struct {
	item T
	size int
}

// Consumer is a bounded in-memory FIFO buffer with a background flush loop.
// Receive never blocks and never fails: when a cap would be exceeded the
// oldest items are evicted first. Eviction is silent data loss by design;
// it is counted, not raised.
type Consumer[T any] struct {
	cfg   Config
	sink  Sink[T]
	sizer sizing.Sizer[T]

	mu      sync.Mutex
	entries []entry[T]
	bytes   int64

	flushChan chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// New creates a Consumer draining into sink. The consumer is inert until
// Start is called.
func New[T any](cfg Config, sink Sink[T], sizer sizing.Sizer[T]) (*Consumer[T], error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Consumer[T]{
		cfg:       cfg,
		sink:      sink,
		sizer:     sizer,
		entries:   make([]entry[T], 0, cfg.MaxItems),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// Receive enqueues items in FIFO order. Items whose individual estimate
// exceeds MaxBytes are dropped outright; otherwise the oldest buffered items
// are evicted until both caps hold. Safe for concurrent producers.
func (c *Consumer[T]) Receive(items []T) {
	if len(items) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		c.dropped.Add(uint64(len(items)))
		droppedItemsTotal.WithLabelValues(c.cfg.Name).Add(float64(len(items)))
		return
	}
	for _, item := range items {
		size := c.sizer(item)
		if int64(size) > c.cfg.MaxBytes {
			c.dropped.Add(1)
			droppedItemsTotal.WithLabelValues(c.cfg.Name).Inc()
			continue
		}
		for len(c.entries) >= c.cfg.MaxItems {
			c.evictOldestLocked()
		}
		for c.bytes+int64(size) > c.cfg.MaxBytes && len(c.entries) > 0 {
			c.evictOldestLocked()
		}
		c.entries = append(c.entries, entry[T]{item: item, size: size})
		c.bytes += int64(size)
	}
	pending := len(c.entries)
	bufferItems.WithLabelValues(c.cfg.Name).Set(float64(pending))
	bufferBytes.WithLabelValues(c.cfg.Name).Set(float64(c.bytes))
	c.mu.Unlock()

	// Trigger an early flush once a full batch is pending
	if pending >= c.cfg.MaxBatchSize {
		select {
		case c.flushChan <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the total number of items discarded by eviction, oversize
// rejection, or close timeout.
func (c *Consumer[T]) Dropped() uint64 {
	return c.dropped.Load()
}

// Closed reports whether Close has been called.
func (c *Consumer[T]) Closed() bool {
	return c.closed.Load()
}

// Len returns the current number of buffered items.
func (c *Consumer[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start runs the background flush loop until ctx is canceled or Close is
// called. Exactly one flush is in progress at any time.
func (c *Consumer[T]) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	defer close(c.doneChan)

	// Close won the race; the final flush is its to run.
	if c.closed.Load() {
		return
	}

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.flush(ctx)
		case <-c.flushChan:
			c.flush(ctx)
		}
	}
}

// Close stops the flush loop and performs one final best-effort flush bounded
// by CloseTimeout. Items still buffered when the timeout elapses are
// discarded. Idempotent: the second and later calls are no-ops.
func (c *Consumer[T]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopChan)
		if c.started.Load() {
			<-c.doneChan
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()
		c.flush(ctx)

		// Whatever the final flush could not move is lost
		c.mu.Lock()
		remaining := len(c.entries)
		if remaining > 0 {
			c.dropped.Add(uint64(remaining))
			droppedItemsTotal.WithLabelValues(c.cfg.Name).Add(float64(remaining))
			logging.Warn("buffer closed with unsent items", logging.F(
				"buffer", c.cfg.Name,
				"discarded", remaining,
			))
			c.entries = nil
			c.bytes = 0
		}
		bufferItems.WithLabelValues(c.cfg.Name).Set(0)
		bufferBytes.WithLabelValues(c.cfg.Name).Set(0)
		c.mu.Unlock()
	})
	return nil
}

// flush drains the buffered snapshot in FIFO batches of at most MaxBatchSize
// and hands each batch to the sink. An empty buffer performs no sink call.
// Failed batches are dropped, never re-enqueued: once drained, an item is
// either delivered or lost.
func (c *Consumer[T]) flush(ctx context.Context) {
	for {
		batch := c.takeBatch()
		if len(batch) == 0 {
			return
		}

		flushBatchesTotal.WithLabelValues(c.cfg.Name).Inc()
		if err := c.sink.Send(ctx, batch); err != nil {
			flushErrorsTotal.WithLabelValues(c.cfg.Name).Inc()
			logging.Error("upload failed, batch dropped", logging.F(
				"buffer", c.cfg.Name,
				"error", err.Error(),
				"batch_size", len(batch),
			))
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// takeBatch removes up to MaxBatchSize items from the front of the buffer.
func (c *Consumer[T]) takeBatch() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil
	}

	n := c.cfg.MaxBatchSize
	if n > len(c.entries) {
		n = len(c.entries)
	}

	batch := make([]T, n)
	for i := 0; i < n; i++ {
		batch[i] = c.entries[i].item
		c.bytes -= int64(c.entries[i].size)
		c.entries[i] = entry[T]{} // allow GC to collect the item
	}
	c.entries = c.entries[n:]
	if c.bytes < 0 {
		c.bytes = 0
	}
	c.maybeCompactLocked()

	bufferItems.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
	bufferBytes.WithLabelValues(c.cfg.Name).Set(float64(c.bytes))

	return batch
}

// evictOldestLocked removes the oldest entry. Must be called with c.mu held.
func (c *Consumer[T]) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	c.bytes -= int64(c.entries[0].size)
	c.entries[0] = entry[T]{} // allow GC to collect the item
	c.entries = c.entries[1:]
	if c.bytes < 0 {
		c.bytes = 0
	}
	c.dropped.Add(1)
	droppedItemsTotal.WithLabelValues(c.cfg.Name).Inc()
	c.maybeCompactLocked()
}

// maybeCompactLocked compacts the slice if capacity is significantly larger
// than length. Must be called with c.mu held.
func (c *Consumer[T]) maybeCompactLocked() {
	if cap(c.entries) > 256 && cap(c.entries) > len(c.entries)+64 {
		compacted := make([]entry[T], len(c.entries))
		copy(compacted, c.entries)
		c.entries = compacted
	}
}
