package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		Budget:         time.Second,
	}
}

func TestWithRetryRecoversFromAborted(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return Errorf(KindAborted, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return Errorf(KindPreconditionFailed, "capacity reached")
	})
	require.True(t, IsPreconditionFailed(err))
	require.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return Errorf(KindUnavailable, "down")
	})
	require.True(t, IsUnavailable(err))
	require.Equal(t, 3, attempts)
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, fastRetryConfig(), func() error {
		return Errorf(KindAborted, "transient")
	})
	require.Error(t, err)
}

func TestKindTaxonomy(t *testing.T) {
	err := E(KindConflict, "store.set", errors.New("duplicate key"))
	require.True(t, IsConflict(err))
	require.Equal(t, KindConflict, KindOf(err))
	require.True(t, Retryable(Errorf(KindAborted, "x")))
	require.True(t, Retryable(Errorf(KindUnavailable, "x")))
	require.False(t, Retryable(Errorf(KindConflict, "x")))
	require.False(t, Retryable(nil))

	wrapped := E(KindNotFound, "store.get", errors.New("missing"))
	require.True(t, IsNotFound(wrapped))
	require.Contains(t, wrapped.Error(), "store.get")
}
