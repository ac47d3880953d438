// Package pubsub is the broadcast fan-out spine for room events.
// The in-memory implementation serves a single instance; the Redis backend
// lets additional instances mirror broadcasts. Delivery order within a topic
// matches publish order, which the gateway relies on.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message is a published room or session event.
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// ExcludeSession, when set, names a session that must not receive this
	// broadcast (echo suppression for the sender).
	ExcludeSession string `json:"excludeSession,omitempty"`
}

// Handler processes messages for a subscription. Handlers are invoked
// synchronously in publish order and must not block.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active subscription that can be closed.
type Subscription interface {
	Unsubscribe() error
}

// PubSub defines publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	Publish(ctx context.Context, topic string, msg *Message) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// TopicBuilder constructs consistent topic names.
type TopicBuilder struct{}

// Room returns the broadcast topic for a room code.
func (TopicBuilder) Room(code string) string {
	return "room:" + code
}

// Session returns the direct-delivery topic for a session.
func (TopicBuilder) Session(id string) string {
	return "session:" + id
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
