// Package backoff provides exponential backoff calculation.
package backoff

import "time"

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential returns the delay for a given attempt, doubling from the
// initial delay and capped at the maximum. Attempt 1 returns the initial
// delay, attempt 2 twice that, and so on.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	ceiling := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
