package workerpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/pkg/workerpool"
)

func testConfig() workerpool.Config {
	return workerpool.Config{
		GlobalInFlightCap: 2,
		Classes: map[string]workerpool.ClassConfig{
			"file-analysis": {
				Scaler:         workerpool.ScalerConfig{Min: 1, Max: 2},
				CircuitBreaker: workerpool.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
			},
		},
	}
}

func TestManager_RequestSlot_UnknownClass(t *testing.T) {
	m := workerpool.New(testConfig())
	_, err := m.RequestSlot(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestManager_RequestSlot_RespectsClassConcurrency(t *testing.T) {
	m := workerpool.New(testConfig())
	ctx := context.Background()

	slot1, err := m.RequestSlot(ctx, "file-analysis")
	require.NoError(t, err)

	acquiredCh := make(chan struct{})
	go func() {
		slot2, err := m.RequestSlot(ctx, "file-analysis")
		require.NoError(t, err)
		close(acquiredCh)
		m.ReleaseSlot(slot2, true, 0)
	}()

	select {
	case <-acquiredCh:
		t.Fatal("second slot should not acquire while class is at Min=1 concurrency")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseSlot(slot1, true, 0)
	select {
	case <-acquiredCh:
	case <-time.After(time.Second):
		t.Fatal("second slot should acquire once the first is released")
	}
}

func TestManager_RequestSlot_FailsFastWhenCircuitOpen(t *testing.T) {
	m := workerpool.New(testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		slot, err := m.RequestSlot(ctx, "file-analysis")
		require.NoError(t, err)
		m.ReleaseSlot(slot, false, 0)
	}

	_, err := m.RequestSlot(ctx, "file-analysis")
	assert.ErrorIs(t, err, workerpool.ErrCircuitOpen)
}

func TestManager_RequestSlot_CancelledContext(t *testing.T) {
	m := workerpool.New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	slot, err := m.RequestSlot(ctx, "file-analysis")
	require.NoError(t, err)
	_ = slot

	cancel()
	_, err = m.RequestSlot(ctx, "file-analysis")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_ExecuteWithManagement_RecordsOutcome(t *testing.T) {
	m := workerpool.New(testConfig())
	ctx := context.Background()

	err := m.ExecuteWithManagement(ctx, "file-analysis", time.Second, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	target, err := m.ClassTarget("file-analysis")
	require.NoError(t, err)
	assert.Equal(t, 1, target)
}
