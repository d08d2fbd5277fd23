// Package scheduler provides a bounded-capacity, order-preserving job
// scheduler. Jobs are admitted strictly in enqueue order and run under a
// concurrency ceiling derived from the capacity model; outcomes are collected
// in a settlement-ordered ledger.
package scheduler

import (
	"context"
	"time"
)

// ProgressFunc is handed to a job's Execute function. Jobs may call it zero
// or more times with a message and optional structured key/value pairs; each
// call is forwarded to the scheduler's logger and has no effect on
// scheduling.
type ProgressFunc func(message string, args ...any)

// Job is a named, single-shot unit of work. The caller owns the Job until it
// is enqueued; the scheduler never mutates it.
type Job struct {
	Name    string
	Execute func(report ProgressFunc) (any, error)
}

// Status is the terminal state of a settled job.
type Status string

const (
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
)

// Result is one entry of the settlement ledger.
type Result struct {
	Name       string
	Status     Status
	Value      any   // set when fulfilled
	Err        error // set when rejected
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Handle tracks a single enqueued job and resolves with its outcome.
type Handle struct {
	done  chan struct{}
	value any
	err   error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done returns a channel that is closed when the job settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job settles or the context is cancelled.
// It returns the job's value on fulfillment or its error on rejection.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle resolves the handle. Called exactly once per job.
func (h *Handle) settle(value any, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

// recordState tracks a job's lifecycle inside the scheduler.
type recordState int

const (
	statePending recordState = iota
	stateRunning
	stateFulfilled
	stateRejected
)

// record wraps an enqueued job with its lifecycle state. Records are created
// at enqueue time and never reused.
type record struct {
	job       Job
	state     recordState
	handle    *Handle
	startedAt time.Time
}
