package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/domain"
)

func fastPolicy(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
		Retryable:  domain.IsRetryable,
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	res := RetryWithBackoff(context.Background(), fastPolicy(2), "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return domain.E(domain.KindGeneration, "gen", errors.New("503"))
		}
		return nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, res.RetryReasons, 1)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	res := RetryWithBackoff(context.Background(), fastPolicy(2), "op", func(context.Context) error {
		calls++
		return domain.E(domain.KindGeneration, "gen", errors.New("timeout"))
	})
	assert.False(t, res.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, domain.KindGeneration, domain.KindOf(res.LastError))
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	calls := 0
	res := RetryWithBackoff(context.Background(), fastPolicy(5), "op", func(context.Context) error {
		calls++
		return domain.Errorf(domain.KindConfiguration, "gen", "api key missing")
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastPolicy(3)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	done := make(chan RetryResult, 1)
	go func() {
		done <- RetryWithBackoff(ctx, cfg, "op", func(context.Context) error {
			return domain.E(domain.KindAcquisition, "fetch", errors.New("reset"))
		})
	}()
	cancel()
	select {
	case res := <-done:
		require.ErrorIs(t, res.LastError, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancel")
	}
}

func TestPolicies(t *testing.T) {
	gen := GenerationPolicy()
	assert.Equal(t, 3, gen.MaxRetries+1)
	assert.Equal(t, time.Second, calculateDelay(gen, 0))
	assert.Equal(t, 2*time.Second, calculateDelay(gen, 1))

	acq := AcquisitionPolicy()
	assert.Equal(t, 2, acq.MaxRetries+1)
	assert.Equal(t, 2*time.Second, calculateDelay(acq, 0))
}
