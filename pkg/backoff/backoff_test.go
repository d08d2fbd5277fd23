package backoff

import (
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 5 * time.Second}, // capped
		{100, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, nil); got != tt.want {
			t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	cfg := &Config{Initial: time.Second, Max: 3 * time.Second}

	if got := Exponential(1, cfg); got != time.Second {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := Exponential(2, cfg); got != 2*time.Second {
		t.Errorf("attempt 2: got %v", got)
	}
	if got := Exponential(3, cfg); got != 3*time.Second {
		t.Errorf("attempt 3 should hit the ceiling: got %v", got)
	}
}
