package room

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// chatPolicy strips all HTML from user content. Rendering is the client's
// problem; the server never stores markup.
var chatPolicy = bluemonday.StrictPolicy()

const maxMessageLength = 2000

func sanitizeContent(content string) string {
	return strings.TrimSpace(chatPolicy.Sanitize(content))
}

// SendMessage appends a user message and broadcasts it to everyone,
// including the sender: clients reconcile their optimistic copy against the
// broadcast, so the server must not deduplicate.
func (a *Actor) SendMessage(ctx context.Context, sessionID, content, replyTo string) error {
	return a.call(ctx, func() error {
		p := a.st.participantBySession(sessionID)
		if p == nil {
			return ErrForbidden
		}
		content = sanitizeContent(content)
		if content == "" || len(content) > maxMessageLength {
			return ErrBadRequest
		}

		msg := &Message{
			ID:             uuid.NewString(),
			SenderIdentity: p.Identity,
			SenderName:     p.Name,
			SenderAvatar:   p.Avatar,
			Content:        content,
			Timestamp:      a.opts.Clock.Now(),
			Kind:           MessageKindUser,
			ReplyTo:        replyTo,
			Reactions:      make(map[string]*Reaction),
		}
		a.appendChat(msg)
		a.touch()
		a.broadcast(EventNewMessage, msg, "")
		return nil
	})
}

// EditMessage rewrites a message's content. Author only.
func (a *Actor) EditMessage(ctx context.Context, sessionID, messageID, newContent string) error {
	return a.call(ctx, func() error {
		p := a.st.participantBySession(sessionID)
		if p == nil {
			return ErrForbidden
		}
		msg := a.findMessage(messageID)
		if msg == nil {
			return ErrNotFound
		}
		if msg.SenderIdentity != p.Identity || msg.Kind != MessageKindUser {
			return ErrForbidden
		}
		newContent = sanitizeContent(newContent)
		if newContent == "" || len(newContent) > maxMessageLength {
			return ErrBadRequest
		}

		msg.Content = newContent
		msg.Edited = true
		a.touch()
		a.broadcast(EventMessageUpdated, msg, "")
		return nil
	})
}

// DeleteMessage removes a message from chat. Author only.
func (a *Actor) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	return a.call(ctx, func() error {
		p := a.st.participantBySession(sessionID)
		if p == nil {
			return ErrForbidden
		}
		idx := -1
		for i, m := range a.st.chat {
			if m.ID == messageID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotFound
		}
		msg := a.st.chat[idx]
		if msg.SenderIdentity != p.Identity || msg.Kind != MessageKindUser {
			return ErrForbidden
		}

		a.st.chat = append(a.st.chat[:idx], a.st.chat[idx+1:]...)
		a.touch()
		a.broadcast(EventMessageDeleted, map[string]any{"id": messageID}, "")
		return nil
	})
}

// ToggleReaction flips the caller's reaction under the emoji and broadcasts
// the message's full reaction table. Any participant may react to any
// message.
func (a *Actor) ToggleReaction(ctx context.Context, sessionID, messageID, emoji string) error {
	return a.call(ctx, func() error {
		p := a.st.participantBySession(sessionID)
		if p == nil {
			return ErrForbidden
		}
		if emoji == "" {
			return ErrBadRequest
		}
		msg := a.findMessage(messageID)
		if msg == nil {
			return ErrNotFound
		}

		msg.toggleReaction(emoji, p.Identity)
		a.touch()
		a.broadcast(EventMessageReactionUpdate, map[string]any{
			"id":        msg.ID,
			"reactions": msg.Reactions,
		}, "")
		return nil
	})
}

// SendFloatingReaction broadcasts an ephemeral reaction. Nothing is stored.
func (a *Actor) SendFloatingReaction(ctx context.Context, sessionID, emoji string) error {
	return a.call(ctx, func() error {
		p := a.st.participantBySession(sessionID)
		if p == nil {
			return ErrForbidden
		}
		if emoji == "" {
			return ErrBadRequest
		}
		a.broadcast(EventReactionReceived, map[string]any{
			"emoji":    emoji,
			"identity": p.Identity,
			"name":     p.Name,
		}, "")
		return nil
	})
}

func (a *Actor) findMessage(id string) *Message {
	for _, m := range a.st.chat {
		if m.ID == id {
			return m
		}
	}
	return nil
}
