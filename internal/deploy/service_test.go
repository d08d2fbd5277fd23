package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deploystack/internal/apperrors"
	"deploystack/internal/manifest"
	"deploystack/internal/notifier"
	"deploystack/internal/runner"
	"deploystack/internal/scheduler"
	"deploystack/internal/testutil"
)

// fakeRunner runs builds in memory.
type fakeRunner struct {
	mu     sync.Mutex
	builds []string
	fail   map[string]error
}

func (f *fakeRunner) Build(ctx context.Context, req *runner.BuildRequest, report scheduler.ProgressFunc) (*runner.BuildResult, error) {
	f.mu.Lock()
	f.builds = append(f.builds, req.Service)
	err := f.fail[req.Service]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	report("build finished", "service", req.Service)
	return &runner.BuildResult{Service: req.Service, Image: req.Image}, nil
}

func (f *fakeRunner) Ready(ctx context.Context) error { return nil }
func (f *fakeRunner) Close() error                    { return nil }

func (f *fakeRunner) built() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.builds...)
}

// fakeNotifier records queued events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []*notifier.Event
}

func (f *fakeNotifier) Notify(e *notifier.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeNotifier) Stats() notifier.Stats           { return notifier.Stats{} }
func (f *fakeNotifier) Close(ctx context.Context) error { return nil }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

const testManifest = `
services:
  - name: web
    image: node:20-alpine
    command: npm run build
  - name: api
    image: golang:1.25-alpine
  - name: worker
    image: golang:1.25-alpine
    fanout: true
callback:
  url: https://hooks.example.com/deploys
  key: manifest-key
`

func newTestService(t *testing.T, r runner.Runner, n notifier.Notifier) (*Service, *scheduler.Scheduler) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "deploy.yaml")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	manifests := manifest.NewManager(path)
	if _, err := manifests.Load(); err != nil {
		t.Fatal(err)
	}

	sched, err := scheduler.New(scheduler.Config{Workers: 2, SlotsPerWorker: 2})
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(sched, r, manifests, n)
	return svc, sched
}

func TestDeploy_AllServices(t *testing.T) {
	r := &fakeRunner{}
	svc, _ := newTestService(t, r, nil)

	resp, err := svc.Deploy(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if len(resp.Accepted) != 3 {
		t.Fatalf("expected 3 accepted services, got %v", resp.Accepted)
	}

	testutil.MustWaitFor(t, func() bool {
		return len(svc.Results().Results) == 3
	})

	if len(r.built()) != 3 {
		t.Errorf("expected 3 builds, got %v", r.built())
	}
}

func TestDeploy_SelectedServices(t *testing.T) {
	r := &fakeRunner{}
	svc, _ := newTestService(t, r, nil)

	resp, err := svc.Deploy(context.Background(), &Request{Services: []string{"api", "web"}})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if len(resp.Accepted) != 2 || resp.Accepted[0] != "api" || resp.Accepted[1] != "web" {
		t.Errorf("expected [api web] in request order, got %v", resp.Accepted)
	}
}

func TestDeploy_UnknownService(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{}, nil)

	_, err := svc.Deploy(context.Background(), &Request{Services: []string{"nope"}})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestDeploy_DuplicateService(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{}, nil)

	_, err := svc.Deploy(context.Background(), &Request{Services: []string{"web", "web"}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDeploy_FanoutExpandsCapacity(t *testing.T) {
	svc, sched := newTestService(t, &fakeRunner{}, nil)

	if sched.Expanded() {
		t.Fatal("scheduler should start conservative")
	}

	resp, err := svc.Deploy(context.Background(), &Request{Services: []string{"worker"}})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if !resp.Expanded {
		t.Error("fanout service should expand capacity")
	}
	if got := sched.Capacity(); got != 4 {
		t.Errorf("expected capacity 4 after expansion, got %d", got)
	}
}

func TestDeploy_NonFanoutKeepsConservativeCapacity(t *testing.T) {
	svc, sched := newTestService(t, &fakeRunner{}, nil)

	if _, err := svc.Deploy(context.Background(), &Request{Services: []string{"web", "api"}}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if sched.Expanded() {
		t.Error("non-fanout deployment should not expand capacity")
	}
}

func TestDeploy_FailedBuildRecordedAsRejected(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"api": fmt.Errorf("compile error")}}
	svc, _ := newTestService(t, r, nil)

	if _, err := svc.Deploy(context.Background(), &Request{Services: []string{"web", "api"}}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return len(svc.Results().Results) == 2
	})

	byName := make(map[string]ResultView)
	for _, res := range svc.Results().Results {
		byName[res.Name] = res
	}

	if byName["web"].Status != string(scheduler.StatusFulfilled) {
		t.Errorf("web should be fulfilled, got %s", byName["web"].Status)
	}
	if byName["api"].Status != string(scheduler.StatusRejected) {
		t.Errorf("api should be rejected, got %s", byName["api"].Status)
	}
	if byName["api"].Error == "" {
		t.Error("rejected result should carry the error message")
	}
}

func TestHandleSettlement_NotifiesManifestCallback(t *testing.T) {
	n := &fakeNotifier{}
	svc, sched := newTestService(t, &fakeRunner{}, n)

	if _, err := svc.Deploy(context.Background(), &Request{Services: []string{"web"}}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return sched.Stats().Settled == 1
	})
	for _, res := range sched.Results() {
		svc.HandleSettlement(res)
	}

	if n.count() != 1 {
		t.Fatalf("expected 1 settlement event, got %d", n.count())
	}

	n.mu.Lock()
	event := n.events[0]
	n.mu.Unlock()
	if event.Destination != "https://hooks.example.com/deploys" {
		t.Errorf("unexpected destination: %s", event.Destination)
	}
	if event.SigningKey != "manifest-key" {
		t.Errorf("unexpected signing key: %s", event.SigningKey)
	}
	if event.Payload.Type != EventTypeSettled {
		t.Errorf("unexpected event type: %s", event.Payload.Type)
	}
}

func TestHandleSettlement_RequestCallbackOverridesManifest(t *testing.T) {
	n := &fakeNotifier{}
	svc, sched := newTestService(t, &fakeRunner{}, n)

	req := &Request{
		Services: []string{"api"},
		Callback: &Callback{URL: "https://other.example.com/hook", Key: "override-key"},
	}
	if _, err := svc.Deploy(context.Background(), req); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return sched.Stats().Settled == 1
	})
	for _, res := range sched.Results() {
		svc.HandleSettlement(res)
	}

	n.mu.Lock()
	event := n.events[0]
	n.mu.Unlock()
	if event.Destination != "https://other.example.com/hook" {
		t.Errorf("expected override destination, got %s", event.Destination)
	}
}

func TestDrain_WaitsForSettlement(t *testing.T) {
	r := &fakeRunner{}
	svc, _ := newTestService(t, r, nil)

	if _, err := svc.Deploy(context.Background(), &Request{}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := svc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if resp.Settled != 3 {
		t.Errorf("expected 3 settled after drain, got %d", resp.Settled)
	}
}

func TestExpandCapacity(t *testing.T) {
	svc, sched := newTestService(t, &fakeRunner{}, nil)

	resp := svc.ExpandCapacity()
	if !resp.Expanded || resp.Capacity != 4 {
		t.Errorf("unexpected capacity response: %+v", resp)
	}

	// Idempotent
	resp = svc.ExpandCapacity()
	if resp.Capacity != 4 {
		t.Errorf("expected capacity to stay at 4, got %d", resp.Capacity)
	}
	if !sched.Expanded() {
		t.Error("scheduler should report expanded")
	}
}
