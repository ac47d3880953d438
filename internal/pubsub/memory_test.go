package pubsub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSub_PublishSubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := Topics.Room("ABC234")
	var got *Message

	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		got = msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(map[string]string{"emoji": "❤️"})
	require.NoError(t, ps.Publish(context.Background(), topic, &Message{
		Topic:   topic,
		Type:    "reaction_received",
		Payload: payload,
	}))

	// Dispatch is synchronous, the handler has already run.
	require.NotNil(t, got)
	assert.Equal(t, "reaction_received", got.Type)
}

func TestMemoryPubSub_OrderPreserved(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := Topics.Room("ABC234")
	var seen []string
	_, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		seen = append(seen, msg.Type)
	})
	require.NoError(t, err)

	for _, typ := range []string{"new_message", "message_updated", "message_deleted"} {
		require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: typ}))
	}

	assert.Equal(t, []string{"new_message", "message_updated", "message_deleted"}, seen)
}

func TestMemoryPubSub_MultipleSubscribers(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := Topics.Room("ABC234")
	var count atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
			count.Add(1)
		})
		require.NoError(t, err)
	}

	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "playback_sync"}))
	assert.Equal(t, int32(3), count.Load())
}

func TestMemoryPubSub_Unsubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := Topics.Session("sess-1")
	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		t.Fatal("handler should not run after unsubscribe")
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, ps.SubscriberCount(topic))
	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "kicked"}))
}

func TestMemoryPubSub_ClosedRejectsOperations(t *testing.T) {
	ps := NewMemoryPubSub()
	require.NoError(t, ps.Close())

	err := ps.Publish(context.Background(), "room:X", &Message{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = ps.Subscribe(context.Background(), "room:X", func(context.Context, *Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}
