// Package sizing estimates the in-memory cost of buffered telemetry items
// for capacity accounting.
package sizing

import "google.golang.org/protobuf/proto"

// Sizer estimates the byte cost of one item. Implementations must be pure,
// return a non-negative value, and never fail: when measurement is
// impossible a conservative fixed estimate is returned instead.
type Sizer[T any] func(item T) int

// ProtoSizer returns a Sizer backed by the item's serialized proto size.
func ProtoSizer[T proto.Message]() Sizer[T] {
	return func(item T) int {
		return proto.Size(item)
	}
}

// FixedSizer returns a Sizer that charges every item the same estimate.
// Negative estimates clamp to zero.
func FixedSizer[T any](estimate int) Sizer[T] {
	if estimate < 0 {
		estimate = 0
	}
	return func(T) int {
		return estimate
	}
}

// Total sums the estimates for a slice of items.
func Total[T any](sizer Sizer[T], items []T) int {
	total := 0
	for _, item := range items {
		total += sizer(item)
	}
	return total
}
