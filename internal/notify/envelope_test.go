package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDoneDeliversToSubscriber(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	bus := NewBus(rdb)

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "user-1", "doc-1")
	require.NoError(t, err)
	defer sub.Close()

	event := NewCloudEvent(EventBlockReady, "yapit-tts", "doc-1/0", map[string]interface{}{"block_idx": 0})
	require.NoError(t, bus.PublishDone(ctx, "user-1", "doc-1", event))

	select {
	case got := <-sub.Events():
		require.NotNil(t, got)
		assert.Equal(t, EventBlockReady, got.Type)
		assert.Equal(t, "doc-1/0", got.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestSubscriberOnDifferentDocumentDoesNotReceive(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	bus := NewBus(rdb)

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "user-1", "doc-other")
	require.NoError(t, err)
	defer sub.Close()

	event := NewCloudEvent(EventBlockReady, "yapit-tts", "doc-1/0", nil)
	require.NoError(t, bus.PublishDone(ctx, "user-1", "doc-1", event))

	select {
	case <-sub.Events():
		t.Fatal("should not receive events for a different document's channel")
	case <-time.After(100 * time.Millisecond):
	}
}
