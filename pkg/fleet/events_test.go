package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSubscribeFleetEvents(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	sub, err := store.SubscribeFleetEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// Pub/Sub delivery is at-most-once; give the subscription a moment to
	// attach before publishing.
	time.Sleep(50 * time.Millisecond)

	published := &FleetEvent{
		Type:   "worker_sunset",
		Serial: "DMN-GN-02-AABBCCDD-00001",
		Detail: "drift 0.24 exceeded critical threshold",
		AtMs:   NowMs(),
	}
	require.NoError(t, store.PublishFleetEvent(ctx, published))

	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "events channel closed before delivery")
		assert.Equal(t, published, event)
	case err := <-sub.Errors():
		t.Fatalf("unexpected subscription error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fleet event")
	}
}

func TestSubscriptionScopedToInstance(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	other, err := NewStore(&redis.Options{Addr: mr.Addr()}, "other-instance")
	require.NoError(t, err)
	defer other.Close()

	sub, err := store.SubscribeFleetEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, other.PublishFleetEvent(ctx, &FleetEvent{
		Type: "worker_registered",
		AtMs: NowMs(),
	}))

	select {
	case event := <-sub.Events():
		t.Fatalf("received event from another instance: %+v", event)
	case <-time.After(200 * time.Millisecond):
		// Nothing arrived; channels are namespaced per instance.
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)

	sub, err := store.SubscribeFleetEvents(context.Background())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	// The events channel drains and closes after Close.
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}

func TestSubscriptionStopsOnContextCancel(t *testing.T) {
	store, _ := setupTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := store.SubscribeFleetEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close on context cancel")
	}
}
