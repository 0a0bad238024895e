package queuebus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/internal/testsupport"
	"github.com/triangulate-io/core/pkg/queuebus"
)

func TestConsumer_ProcessesJobToCompletion(t *testing.T) {
	client := testsupport.NewTestClient(t)
	bus := queuebus.New(client.DB())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := bus.Add(ctx, "consumer-test-queue", map[string]int{"n": 1}, queuebus.AddOptions{})
	require.NoError(t, err)

	var handled atomic.Int32
	handler := func(ctx context.Context, job model.QueueJob) error {
		handled.Add(1)
		return nil
	}

	consumer := queuebus.NewConsumer(bus, "consumer-test-queue", handler, queuebus.ConsumerConfig{
		PollInterval: 20 * time.Millisecond,
	})
	consumer.Start(ctx)
	defer consumer.Stop()

	require.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	remaining, err := bus.GetWaiting(ctx, "consumer-test-queue", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestConsumer_DeadLettersAfterRetriesExhausted(t *testing.T) {
	client := testsupport.NewTestClient(t)
	bus := queuebus.New(client.DB())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := bus.Add(ctx, "consumer-failing-queue", map[string]int{"n": 1}, queuebus.AddOptions{})
	require.NoError(t, err)

	handler := func(ctx context.Context, job model.QueueJob) error {
		return errors.New("always fails")
	}

	consumer := queuebus.NewConsumer(bus, "consumer-failing-queue", handler, queuebus.ConsumerConfig{
		PollInterval:  10 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    1 * time.Millisecond,
	})
	consumer.Start(ctx)
	defer consumer.Stop()

	require.Eventually(t, func() bool {
		failed, err := bus.GetFailed(ctx, "consumer-failing-queue", 10)
		return err == nil && len(failed) == 1
	}, 3*time.Second, 10*time.Millisecond)

	deadLettered, err := bus.GetWaiting(ctx, queuebus.FailedJobsQueue, 10)
	require.NoError(t, err)
	assert.Len(t, deadLettered, 1)
}
