package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/handoff/pkg/ports"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "handoff:events:dispatch.events", getStreamKey("dispatch.events"))
}

func TestDecodeEvent(t *testing.T) {
	event, err := decodeEvent(`{"id":"e1","type":"attempt.started","execution_id":"task","data":{"seq":1}}`)
	require.NoError(t, err)
	assert.Equal(t, "e1", event.ID)
	assert.Equal(t, ports.EventTypeAttemptStarted, event.Type)
	assert.Equal(t, "task", event.ExecutionID)
	assert.EqualValues(t, 1, event.Data["seq"])

	_, err = decodeEvent("not json")
	assert.Error(t, err)
}

func TestNewStreamsEventBus(t *testing.T) {
	_, err := NewStreamsEventBus(nil, "g", "c", 0, nil)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	bus, err := NewStreamsEventBus(client, "", "", 1000, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, bus.consumerName)
	require.NoError(t, bus.Close())
}

func TestPublishReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	bus, err := NewStreamsEventBus(client, "g", "c", 0, nil)
	require.NoError(t, err)

	err = bus.Publish(context.Background(), "topic", ports.Event{ID: "x"})
	assert.ErrorContains(t, err, "failed to add to stream")
}

func newMiniBus(t *testing.T, group string) *StreamsEventBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewStreamsEventBus(client, group, "handoff-test", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func counting(n *atomic.Int64) ports.EventHandler {
	return func(context.Context, ports.Event) error {
		n.Add(1)
		return nil
	}
}

func TestSubscriptionsReleasedWhenContextEnds(t *testing.T) {
	for _, group := range []string{"", "handoff"} {
		t.Run(fmt.Sprintf("group=%q", group), func(t *testing.T) {
			bus := newMiniBus(t, group)

			var seen atomic.Int64
			cancels := make([]context.CancelFunc, 0, 20)
			for i := 0; i < 20; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				cancels = append(cancels, cancel)
				require.NoError(t, bus.Subscribe(ctx, "dispatch.events", counting(&seen)))
			}
			assert.Equal(t, 20, bus.subscriptions())

			for _, cancel := range cancels {
				cancel()
			}
			assert.Eventually(t, func() bool { return bus.subscriptions() == 0 }, 5*time.Second, 20*time.Millisecond)
		})
	}
}

func TestUnsubscribeStopsReaders(t *testing.T) {
	bus := newMiniBus(t, "")
	var seen atomic.Int64
	require.NoError(t, bus.Subscribe(context.Background(), "dispatch.events", counting(&seen)))
	require.NoError(t, bus.Subscribe(context.Background(), "other", counting(&seen)))

	require.NoError(t, bus.Unsubscribe(context.Background(), "dispatch.events"))
	assert.Eventually(t, func() bool { return bus.subscriptions() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestConsumerGroupSplitsAndBroadcastDoesNot(t *testing.T) {
	const published = 20
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("broadcast", func(t *testing.T) {
		bus := newMiniBus(t, "handoff")
		var first, second atomic.Int64
		require.NoError(t, bus.SubscribeBroadcast(ctx, "dispatch.events", counting(&first)))
		require.NoError(t, bus.SubscribeBroadcast(ctx, "dispatch.events", counting(&second)))

		for i := 0; i < published; i++ {
			require.NoError(t, bus.Publish(ctx, "dispatch.events", ports.Event{ID: fmt.Sprintf("e%d", i)}))
		}

		assert.Eventually(t, func() bool {
			return first.Load() == published && second.Load() == published
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("shared group", func(t *testing.T) {
		bus := newMiniBus(t, "handoff")
		var first, second atomic.Int64
		require.NoError(t, bus.Subscribe(ctx, "dispatch.events", counting(&first)))
		require.NoError(t, bus.Subscribe(ctx, "dispatch.events", counting(&second)))

		for i := 0; i < published; i++ {
			require.NoError(t, bus.Publish(ctx, "dispatch.events", ports.Event{ID: fmt.Sprintf("e%d", i)}))
		}

		assert.Eventually(t, func() bool {
			return first.Load()+second.Load() == published
		}, 5*time.Second, 20*time.Millisecond)
	})
}
