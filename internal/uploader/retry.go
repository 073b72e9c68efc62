package uploader

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/logging"
)

var (
	retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_retry_attempts_total",
		Help: "Total upload retry attempts after a transient failure",
	}, []string{"sink"})

	retryExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_retry_exhausted_total",
		Help: "Total batches abandoned after the retry budget was exhausted",
	}, []string{"sink"})

	nonRetryableTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_non_retryable_total",
		Help: "Total batches abandoned immediately on a permanent failure",
	}, []string{"sink", "error_type"})
)

func init() {
	prometheus.MustRegister(retryAttemptsTotal)
	prometheus.MustRegister(retryExhaustedTotal)
	prometheus.MustRegister(nonRetryableTotal)
}

// RetryConfig controls the exponential backoff performed by Retrying.
type RetryConfig struct {
	// BaseDelay is the first retry delay. Default 1s.
	BaseDelay time.Duration
	// Multiplier grows the delay after each consecutive transient failure.
	// Default 1.5.
	Multiplier float64
	// MaxDelay caps the grown delay. Default 60s.
	MaxDelay time.Duration
	// MaxAttempts bounds upload attempts per Send call. Zero means retry
	// until the context is done.
	MaxAttempts int
}

// Normalize fills unset fields with defaults.
func (c RetryConfig) Normalize() RetryConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	return c
}

// Retrying wraps an upload sink with exponential backoff on transient
// failures. The delay grows across consecutive failures (including across
// Send calls) and resets to base after any success. Permanent failures fail
// the batch immediately; nothing is ever surfaced to the producer side.
type Retrying[T any] struct {
	name     string
	sink     buffer.Sink[T]
	cfg      RetryConfig
	classify Classifier

	mu           sync.Mutex
	currentDelay time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// RetryOption configures a Retrying sink.
type RetryOption[T any] func(*Retrying[T])

// WithClassifier overrides the transient-vs-permanent classifier.
func WithClassifier[T any](c Classifier) RetryOption[T] {
	return func(r *Retrying[T]) { r.classify = c }
}

// WithSleep overrides the backoff sleep. Used in tests.
func WithSleep[T any](sleep func(ctx context.Context, d time.Duration) bool) RetryOption[T] {
	return func(r *Retrying[T]) { r.sleep = sleep }
}

// NewRetrying wraps sink with retry/backoff. name labels metrics and logs.
func NewRetrying[T any](name string, sink buffer.Sink[T], cfg RetryConfig, opts ...RetryOption[T]) *Retrying[T] {
	cfg = cfg.Normalize()
	r := &Retrying[T]{
		name:         name,
		sink:         sink,
		cfg:          cfg,
		classify:     DefaultClassifier,
		currentDelay: cfg.BaseDelay,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send uploads the batch, retrying transient failures with backoff until
// success, a permanent failure, the attempt budget, or ctx cancellation.
func (r *Retrying[T]) Send(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}

	attempt := 0
	for {
		err := r.sink.Send(ctx, items)
		if err == nil {
			r.resetDelay()
			return nil
		}

		errType := r.classify(err)
		if !errType.Retryable() {
			nonRetryableTotal.WithLabelValues(r.name, string(errType)).Inc()
			return err
		}

		attempt++
		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(r.name).Inc()
			return err
		}

		delay := r.nextDelay()
		retryAttemptsTotal.WithLabelValues(r.name).Inc()
		logging.Warn("transient upload failure, backing off", logging.F(
			"sink", r.name,
			"error", err.Error(),
			"error_type", string(errType),
			"delay", delay.String(),
			"attempt", attempt,
		))

		if !r.sleep(ctx, delay) {
			return err
		}
	}
}

// nextDelay returns the delay for the upcoming retry and advances the
// backoff state.
func (r *Retrying[T]) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	delay := r.currentDelay
	next := time.Duration(float64(r.currentDelay) * r.cfg.Multiplier)
	if next > r.cfg.MaxDelay {
		next = r.cfg.MaxDelay
	}
	r.currentDelay = next
	return delay
}

func (r *Retrying[T]) resetDelay() {
	r.mu.Lock()
	r.currentDelay = r.cfg.BaseDelay
	r.mu.Unlock()
}

// CurrentDelay returns the delay the next transient failure would sleep.
// Snapshot for tests and stats.
func (r *Retrying[T]) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDelay
}

// sleepContext sleeps for d, waking early when ctx is done. Returns false
// when the sleep was interrupted.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
