package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

// Config bounds the transport-level retry loop.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig matches the pipeline contract: up to 3 attempts with
// exponential backoff capped at 30s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// FixedSchedule is the use-case-local persistence retry schedule: a second,
// independent layer so transient store hiccups do not trigger full message
// redelivery.
var FixedSchedule = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// IsRetryable classifies an error. Validation, conflict and not-found
// outcomes can never succeed on retry; infrastructure and unknown errors are
// assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindConflict, domain.KindNotFound:
		return false
	}
	return true
}

// Delay computes the backoff before retry number attempt (0-based):
// min(MaxDelay, InitialDelay * 2^attempt).
func Delay(attempt int, cfg *Config) time.Duration {
	d := time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt)))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// Do invokes fn up to cfg.MaxAttempts times with exponential backoff,
// stopping early on success, a non-retryable error, or context cancellation.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Delay(attempt-1, cfg)):
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// DoFixed invokes fn up to attempts times using a fixed delay schedule; the
// wait before retry i+1 is schedule[i] (clamped to the last entry).
func DoFixed(ctx context.Context, attempts int, schedule []time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(schedule) {
				idx = len(schedule) - 1
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(schedule[idx]):
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("max attempts (%d) exceeded: %w", attempts, lastErr)
}
