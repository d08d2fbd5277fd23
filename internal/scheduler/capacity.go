package scheduler

import (
	"fmt"
	"sync/atomic"

	"deploystack/internal/apperrors"
)

// Capacity computes how many jobs may run concurrently. The conservative
// default is one execution slot per worker; callers whose jobs fan out their
// own subprocesses opt in to full capacity with Expand. The expanded flag
// only ever transitions false to true and is read on every dispatch decision
// rather than cached, so expansion retroactively affects queued jobs.
type Capacity struct {
	workers        int
	slotsPerWorker int
	expanded       atomic.Bool
}

// NewCapacity validates the worker count and per-worker slot multiplier.
func NewCapacity(workers, slotsPerWorker int) (*Capacity, error) {
	if workers < 1 {
		return nil, apperrors.Validation("workers", fmt.Sprintf("worker count must be positive, got %d", workers))
	}
	if slotsPerWorker < 1 {
		return nil, apperrors.Validation("slotsPerWorker", fmt.Sprintf("slots per worker must be positive, got %d", slotsPerWorker))
	}
	return &Capacity{workers: workers, slotsPerWorker: slotsPerWorker}, nil
}

// Current returns the effective concurrency ceiling. Pure query.
func (c *Capacity) Current() int {
	if c.expanded.Load() {
		return c.workers * c.slotsPerWorker
	}
	return c.workers
}

// Expand switches to full capacity (workers x slotsPerWorker). Idempotent;
// there is no way back to the conservative ceiling.
func (c *Capacity) Expand() {
	c.expanded.Store(true)
}

// Expanded reports whether full capacity has been requested.
func (c *Capacity) Expanded() bool {
	return c.expanded.Load()
}
