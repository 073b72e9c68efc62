// Package ratelimit provides token-bucket admission control for telemetry
// sampling. Denial is the intended backpressure behavior, not an error.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	admittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_courier_ratelimit_admitted_total",
		Help: "Total number of items admitted by the sampling rate limiter",
	})

	deniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_courier_ratelimit_denied_total",
		Help: "Total number of items denied by the sampling rate limiter",
	})
)

func init() {
	prometheus.MustRegister(admittedTotal)
	prometheus.MustRegister(deniedTotal)

	admittedTotal.Add(0)
	deniedTotal.Add(0)
}

// Limiter is a token-bucket rate limiter shared across request threads.
// Tokens accrue at Rate per second up to Burst; each admitted item consumes
// one token. Allow never blocks; under sustained load callers are denied.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter admitting rate items per second with the given burst
// capacity. The bucket starts full. rate may be zero (admit only the initial
// burst); burst must be at least one.
func New(rate float64, burst int, opts ...Option) (*Limiter, error) {
	if rate < 0 {
		return nil, fmt.Errorf("ratelimit: rate must be non-negative, got %v", rate)
	}
	if burst < 1 {
		return nil, fmt.Errorf("ratelimit: burst must be at least 1, got %d", burst)
	}
	l := &Limiter{
		rate:  rate,
		burst: float64(burst),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tokens = l.burst
	l.lastRefill = l.now()
	return l, nil
}

// Allow reports whether one item may be admitted, consuming a token when it
// is. The check-and-decrement is atomic under the limiter's mutex; the call
// never performs I/O and never blocks beyond lock acquisition.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.tokens >= 1 {
		l.tokens--
		admittedTotal.Inc()
		return true
	}

	deniedTotal.Inc()
	return false
}

// Tokens returns the current token count. Snapshot only, used for tests and
// stats logging.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// refillLocked accrues tokens for the elapsed time. Must be called with
// l.mu held.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}

	l.tokens += elapsed.Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}
