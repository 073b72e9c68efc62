package buffer

import (
	"fmt"
	"time"
)

// Defaults applied by Normalize when a field is unset.
const (
	DefaultMaxItems      = 1000
	DefaultMaxBytes      = 32 * 1024 * 1024 // 32MB
	DefaultMaxBatchSize  = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultCloseTimeout  = 30 * time.Second
)

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

func validate(c Config) error {
	if c.MaxItems <= 0 {
		return fmt.Errorf("buffer: max items must be positive, got %d", c.MaxItems)
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("buffer: max bytes must be positive, got %d", c.MaxBytes)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("buffer: max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxBatchSize > c.MaxItems {
		return fmt.Errorf("buffer: max batch size %d exceeds max items %d", c.MaxBatchSize, c.MaxItems)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("buffer: flush interval must be positive, got %v", c.FlushInterval)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("buffer: close timeout must be positive, got %v", c.CloseTimeout)
	}
	return nil
}
