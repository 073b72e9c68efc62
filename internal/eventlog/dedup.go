package eventlog

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	dedupExpectedErrors    = 10000
	dedupFalsePositiveRate = 0.01
)

// errorDedup suppresses repeated identical error messages within a rotating
// window. A Bloom filter keeps memory fixed regardless of error volume; the
// false-positive rate means a genuinely new error is occasionally suppressed,
// which is acceptable for error reporting.
type errorDedup struct {
	mu      sync.Mutex
	filter  *bloom.BloomFilter
	window  time.Duration
	resetAt time.Time
}

func newErrorDedup(window time.Duration) *errorDedup {
	return &errorDedup{
		filter:  bloom.NewWithEstimates(dedupExpectedErrors, dedupFalsePositiveRate),
		window:  window,
		resetAt: time.Now().Add(window),
	}
}

// seen reports whether the message was already recorded in the current
// window. It does not record the message: only reports that actually reach
// the buffer are remembered, so a rate-limited report can still be delivered
// later in the same window.
func (d *errorDedup) seen(msg string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotateLocked(time.Now())
	return d.filter.Test([]byte(msg))
}

// record marks the message as seen in the current window.
func (d *errorDedup) record(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotateLocked(time.Now())
	d.filter.Add([]byte(msg))
}

// rotateLocked clears the filter when the window has elapsed. Must be called
// with d.mu held.
func (d *errorDedup) rotateLocked(now time.Time) {
	if now.After(d.resetAt) {
		d.filter.ClearAll()
		d.resetAt = now.Add(d.window)
	}
}
