package store

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for store operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier is the factor by which the backoff grows after each retry.
	Multiplier float64
	// Jitter adds randomness to the backoff to prevent thundering herd.
	Jitter float64
	// Budget caps the total wall-clock time spent across attempts.
	Budget time.Duration
}

// DefaultRetryConfig matches the transaction retry policy: TxAttempts
// attempts within TxBudget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    TxAttempts,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		Budget:         TxBudget,
	}
}

// WithRetry invokes fn until it succeeds, returns a non-retryable error, or
// the attempt/budget limits are exhausted. Only Aborted and Unavailable
// errors are retried; the last error is returned unmodified so callers keep
// the taxonomy classification.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt)
			if cfg.Budget > 0 && time.Since(start)+delay > cfg.Budget {
				return err
			}
			select {
			case <-ctx.Done():
				return E(KindAborted, "store.retry", ctx.Err())
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
	}
	return err
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * rand.Float64()
	}
	if max := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
