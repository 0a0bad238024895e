package queuebus_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/internal/testsupport"
	"github.com/triangulate-io/core/pkg/queuebus"
)

func TestBus_AddAndGetWaiting(t *testing.T) {
	client := testsupport.NewTestClient(t)
	bus := queuebus.New(client.DB())
	ctx := context.Background()

	id, err := bus.Add(ctx, "test-queue", map[string]string{"hello": "world"}, queuebus.AddOptions{})
	require.NoError(t, err)
	assert.NotZero(t, id)

	waiting, err := bus.GetWaiting(ctx, "test-queue", 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, model.JobWaiting, waiting[0].Status)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(waiting[0].Payload, &payload))
	assert.Equal(t, "world", payload["hello"])
}

func TestBus_AddBulk(t *testing.T) {
	client := testsupport.NewTestClient(t)
	bus := queuebus.New(client.DB())
	ctx := context.Background()

	err := bus.AddBulk(ctx, "bulk-queue", []any{
		map[string]int{"n": 1},
		map[string]int{"n": 2},
		map[string]int{"n": 3},
	}, queuebus.AddOptions{})
	require.NoError(t, err)

	waiting, err := bus.GetWaiting(ctx, "bulk-queue", 10)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)
}

func TestBus_AddBulk_EmptyIsNoop(t *testing.T) {
	client := testsupport.NewTestClient(t)
	bus := queuebus.New(client.DB())
	ctx := context.Background()

	require.NoError(t, bus.AddBulk(ctx, "empty-queue", nil, queuebus.AddOptions{}))

	waiting, err := bus.GetWaiting(ctx, "empty-queue", 10)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}
