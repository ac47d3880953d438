package room

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/syncroom/internal/pubsub"
)

func lastUserMessage(t *testing.T, f *fixture) *Message {
	t.Helper()
	snap, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)
	for i := len(snap.Chat) - 1; i >= 0; i-- {
		if snap.Chat[i].Kind == MessageKindUser {
			return snap.Chat[i]
		}
	}
	t.Fatal("no user message in chat")
	return nil
}

func TestSendMessage_BroadcastIncludesSender(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.record(t, pubsub.Topics.Room("ABCD23"))
	join(t, f, "sess-1", "user-1", "Ada")

	require.NoError(t, f.actor.SendMessage(context.Background(), "sess-1", "hello", ""))
	f.barrier(t)

	var userMsgs []recordedMsg
	for _, e := range rec.byType(EventNewMessage) {
		if e.Payload["kind"] == string(MessageKindUser) {
			userMsgs = append(userMsgs, e)
		}
	}
	require.Len(t, userMsgs, 1)
	assert.Empty(t, userMsgs[0].Exclude, "sender gets the broadcast for optimistic-id reconciliation")
	assert.Equal(t, "hello", userMsgs[0].Payload["content"])
	assert.NotEmpty(t, userMsgs[0].Payload["id"])
}

func TestSendMessage_StripsMarkup(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-1", "user-1", "Ada")

	require.NoError(t, f.actor.SendMessage(context.Background(), "sess-1", `hello <script>alert(1)</script>world`, ""))

	msg := lastUserMessage(t, f)
	assert.NotContains(t, msg.Content, "<script>")
	assert.Contains(t, msg.Content, "hello")
}

func TestSendMessage_RejectsEmptyAndNonParticipant(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-1", "user-1", "Ada")

	assert.ErrorIs(t, f.actor.SendMessage(context.Background(), "sess-1", "   ", ""), ErrBadRequest)
	assert.ErrorIs(t, f.actor.SendMessage(context.Background(), "sess-x", "hi", ""), ErrForbidden)
}

func TestEditMessage_AuthorOnly(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.record(t, pubsub.Topics.Room("ABCD23"))
	join(t, f, "sess-1", "user-1", "Ada")
	join(t, f, "sess-2", "user-2", "Grace")
	require.NoError(t, f.actor.SendMessage(context.Background(), "sess-1", "hello", ""))
	msg := lastUserMessage(t, f)

	assert.ErrorIs(t, f.actor.EditMessage(context.Background(), "sess-2", msg.ID, "hijacked"), ErrForbidden)
	assert.ErrorIs(t, f.actor.EditMessage(context.Background(), "sess-1", "no-such-id", "x"), ErrNotFound)

	require.NoError(t, f.actor.EditMessage(context.Background(), "sess-1", msg.ID, "hello again"))
	f.barrier(t)

	updated := lastUserMessage(t, f)
	assert.Equal(t, "hello again", updated.Content)
	assert.True(t, updated.Edited)
	require.Len(t, rec.byType(EventMessageUpdated), 1)
}

func TestDeleteMessage_AuthorOnly(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.record(t, pubsub.Topics.Room("ABCD23"))
	join(t, f, "sess-1", "user-1", "Ada")
	join(t, f, "sess-2", "user-2", "Grace")
	require.NoError(t, f.actor.SendMessage(context.Background(), "sess-1", "oops", ""))
	msg := lastUserMessage(t, f)

	assert.ErrorIs(t, f.actor.DeleteMessage(context.Background(), "sess-2", msg.ID), ErrForbidden)
	require.NoError(t, f.actor.DeleteMessage(context.Background(), "sess-1", msg.ID))
	f.barrier(t)

	deletions := rec.byType(EventMessageDeleted)
	require.Len(t, deletions, 1)
	assert.Equal(t, msg.ID, deletions[0].Payload["id"])

	assert.ErrorIs(t, f.actor.DeleteMessage(context.Background(), "sess-1", msg.ID), ErrNotFound)
}

func TestReaction_TogglesOnAndOff(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.record(t, pubsub.Topics.Room("ABCD23"))
	join(t, f, "sess-1", "user-1", "Ada")
	require.NoError(t, f.actor.SendMessage(context.Background(), "sess-1", "react to me", ""))
	msg := lastUserMessage(t, f)

	require.NoError(t, f.actor.ToggleReaction(context.Background(), "sess-1", msg.ID, "❤️"))
	require.NoError(t, f.actor.ToggleReaction(context.Background(), "sess-1", msg.ID, "❤️"))
	f.barrier(t)

	updates := rec.byType(EventMessageReactionUpdate)
	require.Len(t, updates, 2)

	first := updates[0].Payload["reactions"].(map[string]any)["❤️"].(map[string]any)
	assert.Equal(t, float64(1), first["count"])

	second := updates[1].Payload["reactions"].(map[string]any)
	assert.NotContains(t, second, "❤️", "second toggle removes the tally entirely")

	after := lastUserMessage(t, f)
	assert.Empty(t, after.Reactions)
}

func TestReaction_UnknownMessage(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-1", "user-1", "Ada")

	err := f.actor.ToggleReaction(context.Background(), "sess-1", "nope", "❤️")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFloatingReaction_BroadcastNotPersisted(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.record(t, pubsub.Topics.Room("ABCD23"))
	join(t, f, "sess-1", "user-1", "Ada")
	before, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.actor.SendFloatingReaction(context.Background(), "sess-1", "🎉"))
	f.barrier(t)

	events := rec.byType(EventReactionReceived)
	require.Len(t, events, 1)
	assert.Equal(t, "🎉", events[0].Payload["emoji"])
	assert.Equal(t, "Ada", events[0].Payload["name"])

	after, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(before.Chat), len(after.Chat))
}

func TestChat_EvictsFIFOBeyondLimit(t *testing.T) {
	f := newFixture(t, Options{ChatLimit: 5})
	join(t, f, "sess-1", "user-1", "Ada")

	for i := 0; i < 12; i++ {
		require.NoError(t, f.actor.SendMessage(context.Background(), "sess-1", fmt.Sprintf("msg %d", i), ""))
	}

	snap, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Chat, 5)
	assert.Equal(t, "msg 7", snap.Chat[0].Content)
	assert.Equal(t, "msg 11", snap.Chat[4].Content)

	ids := make(map[string]bool)
	for _, m := range snap.Chat {
		assert.False(t, ids[m.ID], "message ids unique within room")
		ids[m.ID] = true
	}
}
