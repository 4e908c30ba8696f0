package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, ProfileTopic("u1"))
	require.NoError(t, err)
	defer sub.Close()

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, ProfileTopic("u1"), []byte(m)))
	}
	// other topics are not delivered
	require.NoError(t, bus.Publish(ctx, ProfileTopic("u2"), []byte("x")))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.Messages():
			got = append(got, string(msg))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, sub.Messages())
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, PrincipalTopic("u1"))
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, bus.Publish(ctx, PrincipalTopic("u1"), []byte("signed_out")))
	_, ok := <-sub.Messages()
	assert.False(t, ok, "messages channel should be closed")
	assert.Empty(t, bus.topics)
}

func TestMemoryBusPublishHonoursContext(t *testing.T) {
	bus := &MemoryBus{topics: map[string]map[*memorySub]struct{}{}, buffer: 0, sendTimeout: time.Minute}
	sub, err := bus.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, "t", []byte("blocked"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusSlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := NewMemoryBus()
	bus.buffer = 1
	bus.sendTimeout = 10 * time.Millisecond
	ctx := context.Background()

	stalled, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer stalled.Close()
	live, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer live.Close()

	var got []string
	for _, m := range []string{"a", "b", "c"} {
		start := time.Now()
		require.NoError(t, bus.Publish(ctx, "t", []byte(m)))
		assert.Less(t, time.Since(start), time.Second)
		got = append(got, string(<-live.Messages()))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, int64(2), bus.Dropped())
	assert.Equal(t, "a", string(<-stalled.Messages()))
}
