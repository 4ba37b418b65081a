package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, l.Acquire(context.Background())) {
				return
			}
			assert.LessOrEqual(t, l.CurrentActive(), int64(3))
			time.Sleep(time.Millisecond)
			l.Release(nil)
		}()
	}
	wg.Wait()

	m := l.GetMetrics()
	assert.Equal(t, int64(20), m.TotalAcquired)
	assert.Equal(t, int64(20), m.TotalReleased)
	assert.LessOrEqual(t, m.PeakConcurrent, int64(3))
	assert.Equal(t, int64(0), l.CurrentActive())
	assert.Equal(t, 3, l.Capacity())
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release(nil)
	// A release without a held slot is ignored.
	l.Release(nil)
	assert.Equal(t, int64(1), l.GetMetrics().TotalReleased)
}

func TestLimiter_OpensBreaker(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(2, NewCircuitBreaker(2, time.Hour))
	for i := 0; i < 2; i++ {
		require.NoError(t, l.Acquire(context.Background()))
		l.Release(errors.New("docker unavailable"))
	}
	assert.Equal(t, StateOpen, l.BreakerState())
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrCircuitOpen)
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(3, time.Minute)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.False(t, cb.IsOpen(), "success resets the failure count")

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
	assert.Equal(t, "open", cb.State().String())

	now = now.Add(2 * time.Minute)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.True(t, cb.IsOpen(), "a failure while half-open reopens")

	now = now.Add(2 * time.Minute)
	require.False(t, cb.IsOpen())
	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("ENGINE_MAX_CONCURRENT_RUNS", "")
	t.Setenv("ENGINE_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("ENGINE_TRIGGER_WORKERS", "")
	t.Setenv("ENGINE_INIT_LIMIT", "")

	cfg := LoadConfig()
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.Equal(t, cfg.EffectiveCPUs*8, cfg.MaxConcurrentRuns)
	assert.Equal(t, max(cfg.EffectiveCPUs*2, 8), cfg.TriggerWorkers)
	assert.Equal(t, 0, cfg.InitLimit)

	t.Setenv("ENGINE_MAX_CONCURRENT_RUNS", "7")
	t.Setenv("ENGINE_TRIGGER_WORKERS", "3")
	t.Setenv("ENGINE_INIT_LIMIT", "2")
	cfg = LoadConfig()
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Equal(t, 7, cfg.MaxConcurrentRuns)
	assert.Equal(t, 3, cfg.TriggerWorkers)
	assert.Equal(t, 2, cfg.InitLimit)
	assert.Contains(t, cfg.String(), "MaxConcurrentRuns: 7")

	t.Setenv("ENGINE_MAX_CONCURRENT_RUNS", "")
	t.Setenv("ENGINE_CONCURRENCY_MULTIPLIER", "3")
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	cfg = LoadConfig()
	assert.True(t, cfg.IsKubernetes)
	assert.Equal(t, cfg.EffectiveCPUs*3, cfg.MaxConcurrentRuns)
	assert.Equal(t, 3, cfg.TriggerWorkers)
}
