//go:build integration

package docker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"deploystack/internal/runner"
)

func TestRunner_BuildSucceeds(t *testing.T) {
	ctx := context.Background()

	r, err := NewRunner(ctx, RunnerConfig{Workspace: "/workspace", CPU: 1, MemoryMB: 128})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	defer r.Close()

	var mu sync.Mutex
	var lines []string
	report := func(message string, args ...any) {
		mu.Lock()
		lines = append(lines, message)
		mu.Unlock()
	}

	result, err := r.Build(ctx, &runner.BuildRequest{
		Service: "integration-test",
		Image:   "alpine:latest",
		Command: "echo building && sleep 1 && echo done",
	}, report)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Service != "integration-test" {
		t.Errorf("unexpected service in result: %s", result.Service)
	}

	mu.Lock()
	joined := strings.Join(lines, "\n")
	mu.Unlock()
	if !strings.Contains(joined, "building") || !strings.Contains(joined, "done") {
		t.Errorf("expected build output in progress reports, got:\n%s", joined)
	}
}

func TestRunner_BuildFailsOnNonzeroExit(t *testing.T) {
	ctx := context.Background()

	r, err := NewRunner(ctx, RunnerConfig{Workspace: "/workspace", CPU: 1, MemoryMB: 128})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	defer r.Close()

	_, err = r.Build(ctx, &runner.BuildRequest{
		Service: "integration-test-fail",
		Image:   "alpine:latest",
		Command: "exit 3",
	}, func(string, ...any) {})
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if !strings.Contains(err.Error(), "exit") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunner_BuildTimeout(t *testing.T) {
	ctx := context.Background()

	r, err := NewRunner(ctx, RunnerConfig{
		Workspace:    "/workspace",
		CPU:          1,
		MemoryMB:     128,
		BuildTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}
	defer r.Close()

	_, err = r.Build(ctx, &runner.BuildRequest{
		Service: "integration-test-slow",
		Image:   "alpine:latest",
		Command: "sleep 60",
	}, func(string, ...any) {})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
