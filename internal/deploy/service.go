// Package deploy turns deployment requests into scheduled build jobs.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"deploystack/internal/apperrors"
	"deploystack/internal/manifest"
	"deploystack/internal/notifier"
	"deploystack/internal/runner"
	"deploystack/internal/scheduler"
)

// Service coordinates the manifest, the scheduler, and the runner. It is the
// service layer behind the HTTP API: requests are validated against the
// current manifest, then handed to the scheduler as build jobs.
type Service struct {
	sched     *scheduler.Scheduler
	runner    runner.Runner
	manifests *manifest.Manager
	notifier  notifier.Notifier // optional
	events    *EventBuilder
	logger    *slog.Logger

	mu        sync.Mutex
	callbacks map[string]*Callback // service name -> settlement webhook
}

// NewService creates a deploy service. The notifier may be nil, in which
// case settlements are only logged and recorded.
func NewService(sched *scheduler.Scheduler, r runner.Runner, manifests *manifest.Manager, n notifier.Notifier) *Service {
	return &Service{
		sched:     sched,
		runner:    r,
		manifests: manifests,
		notifier:  n,
		events:    NewEventBuilder(),
		logger:    slog.With("component", "deploy"),
		callbacks: make(map[string]*Callback),
	}
}

// Deploy validates the request against the current manifest and enqueues one
// build job per service, in request order. If any selected service is marked
// fanout, capacity is expanded before the first job is enqueued.
func (s *Service) Deploy(ctx context.Context, req *Request) (*Response, error) {
	m := s.manifests.Current()
	if m == nil {
		return nil, apperrors.Internal("deploy.manifest", errors.New("no manifest loaded"))
	}

	services, err := s.selectServices(m, req.Services)
	if err != nil {
		return nil, err
	}

	callback := s.resolveCallback(m, req.Callback)

	fanout := false
	for _, svc := range services {
		if svc.Fanout {
			fanout = true
			break
		}
	}
	if fanout {
		s.sched.Expand()
	}

	// Builds outlive the HTTP request that submitted them.
	buildCtx := context.WithoutCancel(ctx)

	accepted := make([]string, 0, len(services))
	for _, svc := range services {
		buildReq := &runner.BuildRequest{
			Service: svc.Name,
			Image:   svc.Image,
			Command: svc.Command,
			Env:     svc.Env,
		}

		if _, err := s.sched.Enqueue(scheduler.Job{
			Name: svc.Name,
			Execute: func(report scheduler.ProgressFunc) (any, error) {
				return s.runner.Build(buildCtx, buildReq, report)
			},
		}); err != nil {
			return nil, err
		}
		accepted = append(accepted, svc.Name)
	}

	if callback != nil {
		s.mu.Lock()
		for _, name := range accepted {
			s.callbacks[name] = callback
		}
		s.mu.Unlock()
	}

	stats := s.sched.Stats()
	s.logger.Info("Deployment accepted",
		"services", len(accepted),
		"fanout", fanout,
		"pending", stats.Pending,
		"running", stats.Running,
	)

	return &Response{
		Accepted: accepted,
		Expanded: s.sched.Expanded(),
		Pending:  stats.Pending,
		Running:  stats.Running,
	}, nil
}

// selectServices resolves the requested service names against the manifest.
// An empty request selects every manifest service in manifest order.
func (s *Service) selectServices(m *manifest.Manifest, names []string) ([]*manifest.Service, error) {
	if len(names) == 0 {
		out := make([]*manifest.Service, len(m.Services))
		for i := range m.Services {
			out[i] = &m.Services[i]
		}
		return out, nil
	}

	seen := make(map[string]struct{}, len(names))
	out := make([]*manifest.Service, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, apperrors.Validation("services", "service name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return nil, apperrors.Validation("services", fmt.Sprintf("duplicate service %s in request", name))
		}
		seen[name] = struct{}{}

		svc, ok := m.Service(name)
		if !ok {
			return nil, apperrors.NotFound("service", name)
		}
		out = append(out, svc)
	}
	return out, nil
}

func (s *Service) resolveCallback(m *manifest.Manifest, override *Callback) *Callback {
	if override != nil && override.URL != "" {
		return override
	}
	if m.Callback != nil && m.Callback.URL != "" {
		return &Callback{URL: m.Callback.URL, Key: m.Callback.Key}
	}
	return nil
}

// HandleSettlement forwards one settled build to the deployment's webhook.
// Wired as the scheduler's settlement hook.
func (s *Service) HandleSettlement(res scheduler.Result) {
	if s.notifier == nil {
		return
	}

	s.mu.Lock()
	callback := s.callbacks[res.Name]
	s.mu.Unlock()
	if callback == nil {
		return
	}

	event := &notifier.Event{
		Payload:     s.events.BuildSettledEvent(res),
		Destination: callback.URL,
		SigningKey:  callback.Key,
	}
	if err := s.notifier.Notify(event); err != nil {
		s.logger.Warn("Failed to queue settlement event", "job", res.Name, "error", err)
	}
}

// Results returns the settlement ledger in settlement order.
func (s *Service) Results() *ResultsResponse {
	results := s.sched.Results()
	out := make([]ResultView, len(results))
	for i, r := range results {
		out[i] = toResultView(r)
	}
	return &ResultsResponse{Results: out}
}

// Capacity reports the scheduler's capacity and occupancy.
func (s *Service) Capacity() *CapacityResponse {
	stats := s.sched.Stats()
	return &CapacityResponse{
		Capacity: stats.Capacity,
		Expanded: s.sched.Expanded(),
		Pending:  stats.Pending,
		Running:  stats.Running,
		Settled:  stats.Settled,
	}
}

// ExpandCapacity switches the scheduler to full capacity. Idempotent.
func (s *Service) ExpandCapacity() *CapacityResponse {
	s.sched.Expand()
	return s.Capacity()
}

// Drain blocks until every accepted build has settled, including builds
// accepted while the drain is in progress.
func (s *Service) Drain(ctx context.Context) (*DrainResponse, error) {
	if err := s.sched.Drain(ctx); err != nil {
		return nil, err
	}
	return &DrainResponse{Settled: s.sched.Stats().Settled}, nil
}
