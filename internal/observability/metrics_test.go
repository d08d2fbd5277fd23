package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if m == nil || handler == nil {
		t.Fatal("expected metrics and handler")
	}

	// Recording must not panic with any combination of inputs.
	ctx := context.Background()
	m.RecordHTTPRequest(ctx, "POST", "/v1/deployments", 202, 0.01)
	m.RecordHTTPRequest(ctx, "GET", "/v1/deployments/results", 500, 0.5)
	m.RecordJobEnqueued(ctx)
	m.RecordJobSettled(ctx, true, 12.5)
	m.RecordJobSettled(ctx, false, 0.1)
	m.RecordQueueState(ctx, 3, 2)
	m.RecordCapacity(ctx, 4)
	m.RecordNotifierDelivered(ctx, 0.2)
	m.RecordNotifierFailed(ctx)
	m.RecordNotifierDropped(ctx)
	m.RecordNotifierRequeued(ctx)
	m.RecordNotifierQueueSize(ctx, 17)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/deployments", "/v1/deployments"},
		{"/v1/deployments/results", "/v1/deployments/results"},
		{"/v1/deployments/web-frontend", "/v1/deployments/{name}"},
		{"/v1/capacity", "/v1/capacity"},
		{"/livez", "/livez"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
