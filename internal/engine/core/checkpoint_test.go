package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline-go/internal/engine/node"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		RunID:      "run-7",
		WorkflowID: "wf-7",
		Completed:  []string{"a", "b"},
		NodeOutputs: map[string]map[string][]node.Item{
			"a": {"main": {{"n": float64(1)}}},
			"b": {"main": {{"n": float64(2)}}},
		},
		NodeStatuses: map[string]NodeStatus{
			"a": StatusSuccess,
			"b": StatusSuccess,
			"c": StatusError,
		},
	}
}

func TestMemoryCheckpointStoreRoundTrip(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "run-7")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	require.NoError(t, store.Save(ctx, sampleCheckpoint()))

	cp, err := store.Load(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, "wf-7", cp.WorkflowID)
	assert.ElementsMatch(t, []string{"a", "b"}, cp.Completed)
	assert.Equal(t, StatusError, cp.NodeStatuses["c"])
	assert.False(t, cp.UpdatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, "run-7"))
	_, err = store.Load(ctx, "run-7")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestRedisCheckpointStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisCheckpointStore(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint()))

	cp, err := store.Load(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, "run-7", cp.RunID)
	assert.Equal(t, []node.Item{{"n": float64(2)}}, cp.NodeOutputs["b"]["main"])

	// Keys carry the configured TTL.
	mr.FastForward(2 * time.Hour)
	_, err = store.Load(ctx, "run-7")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
