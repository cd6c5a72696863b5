package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBusDeliversByType(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var got []Event
	require.NoError(t, bus.Subscribe(RunSucceeded, func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	}))

	evt := NewEvent(RunSucceeded).WithRun("run-1").WithPayload("durationMs", 12)
	require.NoError(t, bus.Publish(context.Background(), evt))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(RunFailed).WithRun("run-2")))

	require.Len(t, got, 1, "only the subscribed type is delivered")
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, 12, got[0].Payload["durationMs"])
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestInMemoryBusWildcardSubscriber(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var types []string
	require.NoError(t, bus.Subscribe("*", func(_ context.Context, e Event) error {
		types = append(types, e.Type)
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), NewEvent(NodeStarted)))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(JobDeadlettered)))

	assert.Equal(t, []string{NodeStarted, JobDeadlettered}, types)
}

func TestInMemoryBusHandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	delivered := 0
	require.NoError(t, bus.Subscribe(RunFailed, func(context.Context, Event) error {
		return fmt.Errorf("handler one broke")
	}))
	require.NoError(t, bus.Subscribe(RunFailed, func(context.Context, Event) error {
		delivered++
		return nil
	}))

	err := bus.Publish(context.Background(), NewEvent(RunFailed))
	assert.ErrorContains(t, err, "handler one broke")
	assert.Equal(t, 1, delivered, "later subscribers still run")
}

func TestInMemoryBusClosed(t *testing.T) {
	bus := NewInMemoryEventBus()
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(context.Background(), NewEvent(RunStarted)))
	assert.Error(t, bus.Subscribe(RunStarted, func(context.Context, Event) error { return nil }))
}
