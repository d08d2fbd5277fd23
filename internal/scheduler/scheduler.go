package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"deploystack/internal/apperrors"
)

// MetricsRecorder is an optional interface for recording scheduler metrics.
type MetricsRecorder interface {
	RecordJobEnqueued(ctx context.Context)
	RecordJobSettled(ctx context.Context, success bool, durationSeconds float64)
	RecordQueueState(ctx context.Context, pending, running int64)
	RecordCapacity(ctx context.Context, capacity int64)
}

// Config holds construction options for a Scheduler.
type Config struct {
	Workers        int             // concurrency ceiling before expansion (required, >= 1)
	SlotsPerWorker int             // multiplier applied after Expand (required, >= 1)
	Logger         *slog.Logger    // progress/settlement logging; nil means silent
	Metrics        MetricsRecorder // optional
	OnSettle       func(Result)    // optional hook, invoked once per settlement outside the lock
}

// Scheduler is the single authority over the admission queue, the running
// set, and the settlement ledger. All state transitions happen under one
// mutex; job executions run in their own goroutines and re-enter the
// scheduler only through settle.
type Scheduler struct {
	capacity *Capacity
	logger   *slog.Logger
	metrics  MetricsRecorder
	onSettle func(Result)

	mu      sync.Mutex
	pending []*record
	running int
	results []Result
	idle    []chan struct{} // drain waiters, closed when queue and running set empty
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Settled  int `json:"settled"`
	Capacity int `json:"capacity"`
}

// New creates a scheduler. Invalid capacity numbers fail fast with a
// validation error.
func New(cfg Config) (*Scheduler, error) {
	capacity, err := NewCapacity(cfg.Workers, cfg.SlotsPerWorker)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Scheduler{
		capacity: capacity,
		logger:   logger.With("component", "scheduler"),
		metrics:  cfg.Metrics,
		onSettle: cfg.OnSettle,
	}, nil
}

// Enqueue appends a job to the tail of the admission queue and returns a
// handle that resolves with the job's outcome. Enqueue never blocks. A
// malformed job (empty name, nil execute) fails fast without touching queue
// state.
func (s *Scheduler) Enqueue(job Job) (*Handle, error) {
	if job.Name == "" {
		return nil, apperrors.Validation("name", "job name is required")
	}
	if job.Execute == nil {
		return nil, apperrors.Validation("execute", "job execute function is required")
	}

	rec := &record{job: job, state: statePending, handle: newHandle()}

	s.mu.Lock()
	s.pending = append(s.pending, rec)
	s.dispatchLocked()
	pending, running := len(s.pending), s.running
	s.mu.Unlock()

	s.logger.Debug("Job enqueued", "job", job.Name, "pending", pending, "running", running)

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.RecordJobEnqueued(ctx)
		s.metrics.RecordQueueState(ctx, int64(pending), int64(running))
		s.metrics.RecordCapacity(ctx, int64(s.capacity.Current()))
	}

	return rec.handle, nil
}

// dispatchLocked starts queued jobs while free slots exist, always taking the
// head of the queue. Caller must hold s.mu. The capacity ceiling is
// re-evaluated on every iteration so an expansion takes effect for jobs
// already sitting in the queue.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.capacity.Current() && len(s.pending) > 0 {
		rec := s.pending[0]
		s.pending = s.pending[1:]
		rec.state = stateRunning
		rec.startedAt = time.Now()
		s.running++
		go s.run(rec)
	}
}

// run executes a single job and settles it. One goroutine per running job.
func (s *Scheduler) run(rec *record) {
	logger := s.logger.With("job", rec.job.Name)
	report := func(message string, args ...any) {
		logger.Info(message, args...)
	}

	value, err := s.execute(rec, report)
	s.settle(rec, value, err)
}

// execute invokes the job, converting a panic into a rejection so one job's
// failure can never take down the scheduler or its siblings.
func (s *Scheduler) execute(rec *record, report ProgressFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return rec.job.Execute(report)
}

// settle records a job's terminal outcome, frees its slot, re-runs dispatch
// so the next pending head fills the slot immediately, and releases drain
// waiters once the queue and running set are both empty.
func (s *Scheduler) settle(rec *record, value any, err error) {
	finishedAt := time.Now()
	res := Result{
		Name:       rec.job.Name,
		StartedAt:  rec.startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(rec.startedAt),
	}
	if err != nil {
		rec.state = stateRejected
		res.Status = StatusRejected
		res.Err = err
	} else {
		rec.state = stateFulfilled
		res.Status = StatusFulfilled
		res.Value = value
	}

	s.mu.Lock()
	s.results = append(s.results, res)
	s.running--
	s.dispatchLocked()
	var waiters []chan struct{}
	if len(s.pending) == 0 && s.running == 0 {
		waiters = s.idle
		s.idle = nil
	}
	pending, running := len(s.pending), s.running
	s.mu.Unlock()

	rec.handle.settle(value, err)
	for _, ch := range waiters {
		close(ch)
	}

	if err != nil {
		s.logger.Warn("Job rejected", "job", rec.job.Name, "error", err, "duration", res.Duration)
	} else {
		s.logger.Info("Job fulfilled", "job", rec.job.Name, "duration", res.Duration)
	}

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.RecordJobSettled(ctx, err == nil, res.Duration.Seconds())
		s.metrics.RecordQueueState(ctx, int64(pending), int64(running))
	}

	if s.onSettle != nil {
		s.onSettle(res)
	}
}

// Results returns a snapshot of the settlement ledger in settlement order.
func (s *Scheduler) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

// Stats returns current queue occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending:  len(s.pending),
		Running:  s.running,
		Settled:  len(s.results),
		Capacity: s.capacity.Current(),
	}
}

// Capacity returns the effective concurrency ceiling.
func (s *Scheduler) Capacity() int {
	return s.capacity.Current()
}

// Expanded reports whether the capacity model has been switched to full
// capacity.
func (s *Scheduler) Expanded() bool {
	return s.capacity.Expanded()
}

// Expand switches the capacity model to full capacity. Idempotent. Queued
// jobs benefit on the very next dispatch decision.
func (s *Scheduler) Expand() {
	already := s.capacity.Expanded()
	s.capacity.Expand()

	s.mu.Lock()
	s.dispatchLocked()
	s.mu.Unlock()

	if !already {
		s.logger.Info("Capacity expanded", "capacity", s.capacity.Current())
	}
	if s.metrics != nil {
		s.metrics.RecordCapacity(context.Background(), int64(s.capacity.Current()))
	}
}

// Drain blocks until every job submitted so far, plus any enqueued while
// waiting, has settled. The barrier observes live queue state, not a
// snapshot. An idle scheduler drains immediately. Drain itself never fails;
// the context only bounds how long the caller is willing to wait (a job that
// never settles holds its slot forever, so an unbounded Drain would wait
// forever with it).
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 && s.running == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
