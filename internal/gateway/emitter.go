package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/observer/syncroom/internal/pubsub"
)

// Emitter publishes media-bridge events over pubsub so they reach sessions
// regardless of which node they are connected to. It lives apart from the
// Gateway because the bridge is constructed first.
type Emitter struct {
	ps     pubsub.PubSub
	logger *slog.Logger
}

func NewEmitter(ps pubsub.PubSub, logger *slog.Logger) *Emitter {
	return &Emitter{ps: ps, logger: logger}
}

// Emit publishes a direct event to one session.
func (e *Emitter) Emit(sessionID, event string, payload any) {
	e.publish(pubsub.Topics.Session(sessionID), event, payload, "")
}

// Broadcast publishes a room-wide event, optionally excluding one session.
func (e *Emitter) Broadcast(roomCode, event string, payload any, excludeSessionID string) {
	e.publish(pubsub.Topics.Room(roomCode), event, payload, excludeSessionID)
}

func (e *Emitter) publish(topic, event string, payload any, exclude string) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal emit payload", "event", event, "error", err)
		return
	}
	msg := &pubsub.Message{Topic: topic, Type: event, Payload: body, ExcludeSession: exclude}
	if err := e.ps.Publish(context.Background(), topic, msg); err != nil {
		e.logger.Error("publish emit", "event", event, "error", err)
	}
}
