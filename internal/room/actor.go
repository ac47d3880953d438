// Package room implements the per-room state machine. Each room is an actor:
// a single goroutine owns all mutable state and processes commands from a
// serialized queue, so chat, playback, and participant tables need no locks.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/observer/syncroom/internal/clock"
	"github.com/observer/syncroom/internal/metrics"
	"github.com/observer/syncroom/internal/pubsub"
)

// Options configures a room actor. Zero values fall back to the defaults
// used in production.
type Options struct {
	ChatLimit      int
	ReconnectGrace time.Duration
	RejoinSuppress time.Duration
	Clock          clock.Clock
	PubSub         pubsub.PubSub
	Logger         *slog.Logger

	// AfterFunc schedules deferred work; swappable in tests.
	AfterFunc func(d time.Duration, fn func()) *time.Timer

	// OnEmpty is called from the actor goroutine when the last participant
	// leaves. It must not call back into the actor synchronously.
	OnEmpty func(code string)
}

func (o Options) withDefaults() Options {
	if o.ChatLimit <= 0 {
		o.ChatLimit = 200
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 3 * time.Second
	}
	if o.RejoinSuppress <= 0 {
		o.RejoinSuppress = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.AfterFunc == nil {
		o.AfterFunc = time.AfterFunc
	}
	return o
}

type command struct {
	fn    func() error
	reply chan error

	// gate, when set, holds the command's staged broadcasts until the
	// caller has queued its reply to the client.
	gate <-chan struct{}
}

type flushGateKey struct{}

// WithFlushGate returns a context whose commands hold their broadcasts until
// gate closes. The dispatch path closes the gate after queueing the caller's
// ack, which orders the ack ahead of the broadcasts it caused.
func WithFlushGate(ctx context.Context, gate <-chan struct{}) context.Context {
	return context.WithValue(ctx, flushGateKey{}, gate)
}

func flushGate(ctx context.Context) <-chan struct{} {
	gate, _ := ctx.Value(flushGateKey{}).(<-chan struct{})
	return gate
}

// outboundEvent is a staged broadcast or direct emit, flushed after the
// command's reply — and, for gated commands, after the caller has queued its
// ack — so acknowledgements always precede caused broadcasts.
type outboundEvent struct {
	topic   string
	event   string
	payload any
	exclude string
}

// Actor is one live room.
type Actor struct {
	code string
	opts Options

	cmds   chan command
	done   chan struct{}
	outbox []outboundEvent

	logger *slog.Logger
	st     *state
}

// NewActor creates the room with its creator as host and starts the command
// loop.
func NewActor(code, roomName string, kind Kind, privacy Privacy, opts Options) *Actor {
	opts = opts.withDefaults()
	now := opts.Clock.Now()

	a := &Actor{
		code:   code,
		opts:   opts,
		cmds:   make(chan command, 64),
		done:   make(chan struct{}),
		logger: opts.Logger.With("room", code),
		st: &state{
			code:           code,
			name:           roomName,
			kind:           kind,
			privacy:        privacy,
			participants:   make(map[string]*Participant),
			sessions:       make(map[string]string),
			voice:          make(map[string]struct{}),
			createdAt:      now,
			lastActivity:   now,
			pendingLeaves:  make(map[string]*time.Timer),
			lastDisconnect: make(map[string]time.Time),
		},
	}
	go a.run()
	return a
}

// Code returns the room code.
func (a *Actor) Code() string { return a.code }

func (a *Actor) run() {
	for {
		select {
		case cmd := <-a.cmds:
			err := cmd.fn()
			if cmd.reply != nil {
				cmd.reply <- err
			}
			if len(a.outbox) > 0 && cmd.gate != nil {
				select {
				case <-cmd.gate:
				case <-a.done:
					return
				}
			}
			a.flush()
		case <-a.done:
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for its result.
func (a *Actor) call(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1), gate: flushGate(ctx)}
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting. Used by timers.
func (a *Actor) post(fn func() error) {
	select {
	case a.cmds <- command{fn: fn}:
	case <-a.done:
	}
}

// Close stops the command loop. Pending timers become no-ops.
func (a *Actor) Close() {
	select {
	case <-a.done:
		return
	default:
	}
	close(a.done)
}

// broadcast stages a room-wide event; exclude may be empty.
func (a *Actor) broadcast(event string, payload any, exclude string) {
	a.outbox = append(a.outbox, outboundEvent{
		topic:   pubsub.Topics.Room(a.code),
		event:   event,
		payload: payload,
		exclude: exclude,
	})
}

// emit stages a direct event to one session.
func (a *Actor) emit(sessionID, event string, payload any) {
	a.outbox = append(a.outbox, outboundEvent{
		topic:   pubsub.Topics.Session(sessionID),
		event:   event,
		payload: payload,
	})
}

func (a *Actor) flush() {
	if a.opts.PubSub == nil {
		a.outbox = a.outbox[:0]
		return
	}
	for _, ev := range a.outbox {
		body, err := json.Marshal(ev.payload)
		if err != nil {
			a.logger.Error("marshal outbound event", "event", ev.event, "error", err)
			continue
		}
		msg := &pubsub.Message{
			Topic:          ev.topic,
			Type:           ev.event,
			Payload:        body,
			ExcludeSession: ev.exclude,
		}
		if err := a.opts.PubSub.Publish(context.Background(), ev.topic, msg); err != nil {
			a.logger.Error("publish outbound event", "event", ev.event, "error", err)
		}
	}
	a.outbox = a.outbox[:0]
}

// systemMessage appends a server notice to chat and stages its broadcast.
func (a *Actor) systemMessage(text string) {
	msg := &Message{
		ID:        uuid.NewString(),
		Content:   text,
		Timestamp: a.opts.Clock.Now(),
		Kind:      MessageKindSystem,
		Reactions: make(map[string]*Reaction),
	}
	a.appendChat(msg)
	a.broadcast(EventNewMessage, msg, "")
}

func (a *Actor) appendChat(msg *Message) {
	a.st.chat = append(a.st.chat, msg)
	if over := len(a.st.chat) - a.opts.ChatLimit; over > 0 {
		a.st.chat = a.st.chat[over:]
	}
}

func (a *Actor) touch() {
	a.st.lastActivity = a.opts.Clock.Now()
}

// Join adds the identity to the room, or re-links an existing participant to
// a new session. The first participant of an empty room becomes host.
func (a *Actor) Join(ctx context.Context, sessionID, identity, name, avatar string) (Snapshot, error) {
	var snap Snapshot
	err := a.call(ctx, func() error {
		st := a.st
		existing, returning := st.participants[identity]
		if st.locked && !returning {
			return ErrLocked
		}

		now := a.opts.Clock.Now()
		if returning {
			// Reconnect: cancel any pending grace leave and re-link.
			if timer, ok := st.pendingLeaves[identity]; ok {
				timer.Stop()
				delete(st.pendingLeaves, identity)
			}
			delete(st.sessions, existing.SessionID)
			existing.SessionID = sessionID
			if name != "" {
				existing.Name = name
			}
			if avatar != "" {
				existing.Avatar = avatar
			}
		} else {
			p := &Participant{
				Identity:  identity,
				Name:      name,
				Avatar:    avatar,
				SessionID: sessionID,
				joinedAt:  now,
			}
			st.participants[identity] = p
			if st.host == "" {
				st.host = identity
				p.IsHost = true
			}
			metrics.RoomParticipants.WithLabelValues(a.code).Inc()
		}
		st.sessions[sessionID] = identity
		a.touch()

		p := st.participants[identity]
		suppress := false
		if last, ok := st.lastDisconnect[identity]; ok && now.Sub(last) < a.opts.RejoinSuppress {
			suppress = true
		}
		if !suppress {
			a.systemMessage(fmt.Sprintf("%s joined", p.Name))
		}
		a.broadcast(EventUserJoined, map[string]any{
			"identity":  p.Identity,
			"name":      p.Name,
			"avatar":    p.Avatar,
			"sessionId": p.SessionID,
		}, sessionID)

		snap = a.snapshotLocked()
		return nil
	})
	return snap, err
}

// Leave removes the session's participant immediately. Idempotent.
func (a *Actor) Leave(ctx context.Context, sessionID string) error {
	return a.call(ctx, func() error {
		p := a.st.participantBySession(sessionID)
		if p == nil {
			return nil
		}
		a.removeParticipant(p, fmt.Sprintf("%s left", p.Name))
		return nil
	})
}

// Disconnect schedules the session's leave after the reconnect grace window.
// A rejoin within the window cancels it.
func (a *Actor) Disconnect(sessionID string) {
	a.post(func() error {
		st := a.st
		p := st.participantBySession(sessionID)
		if p == nil {
			return nil
		}
		identity := p.Identity
		st.lastDisconnect[identity] = a.opts.Clock.Now()

		if old, ok := st.pendingLeaves[identity]; ok {
			old.Stop()
		}
		var timer *time.Timer
		timer = a.opts.AfterFunc(a.opts.ReconnectGrace, func() {
			a.post(func() error {
				// Cancelled if a reconnect replaced or removed the timer.
				if a.st.pendingLeaves[identity] != timer {
					return nil
				}
				delete(a.st.pendingLeaves, identity)
				p, ok := a.st.participants[identity]
				if !ok || p.SessionID != sessionID {
					return nil
				}
				a.removeParticipant(p, fmt.Sprintf("%s left", p.Name))
				return nil
			})
		})
		st.pendingLeaves[identity] = timer
		return nil
	})
}

// removeParticipant runs on the actor goroutine. It handles host election
// and the empty-room notification.
func (a *Actor) removeParticipant(p *Participant, notice string) {
	st := a.st
	delete(st.participants, p.Identity)
	delete(st.sessions, p.SessionID)
	delete(st.voice, p.Identity)
	if timer, ok := st.pendingLeaves[p.Identity]; ok {
		timer.Stop()
		delete(st.pendingLeaves, p.Identity)
	}
	metrics.RoomParticipants.WithLabelValues(a.code).Dec()
	a.touch()

	if notice != "" {
		a.systemMessage(notice)
	}
	a.broadcast(EventUserLeft, map[string]any{"identity": p.Identity}, "")

	if st.host == p.Identity {
		st.host = ""
		p.IsHost = false
		if next := st.earliestJoined(); next != nil {
			st.host = next.Identity
			next.IsHost = true
			a.broadcast(EventHostUpdate, map[string]any{
				"newHostIdentity": next.Identity,
				"users":           a.usersLocked(),
			}, "")
			a.logger.Info("host elected", "host", next.Identity)
		}
	}

	if len(st.participants) == 0 && a.opts.OnEmpty != nil {
		a.opts.OnEmpty(a.code)
	}
}

// Kick removes the target identity. Host only. The target gets a direct
// kicked event before removal.
func (a *Actor) Kick(ctx context.Context, callerSessionID, targetIdentity string) error {
	return a.call(ctx, func() error {
		caller := a.st.participantBySession(callerSessionID)
		if caller == nil || caller.Identity != a.st.host {
			return ErrForbidden
		}
		target, ok := a.st.participants[targetIdentity]
		if !ok {
			return ErrNotFound
		}
		if target.Identity == caller.Identity {
			return ErrBadRequest
		}
		a.emit(target.SessionID, EventKicked, map[string]any{"roomCode": a.code})
		a.removeParticipant(target, fmt.Sprintf("%s was kicked", target.Name))
		return nil
	})
}

// TransferHost hands host to the target identity. Host only.
func (a *Actor) TransferHost(ctx context.Context, callerSessionID, targetIdentity string) error {
	return a.call(ctx, func() error {
		st := a.st
		caller := st.participantBySession(callerSessionID)
		if caller == nil || caller.Identity != st.host {
			return ErrForbidden
		}
		target, ok := st.participants[targetIdentity]
		if !ok {
			return ErrNotFound
		}
		caller.IsHost = false
		target.IsHost = true
		st.host = target.Identity
		a.touch()
		a.broadcast(EventHostUpdate, map[string]any{
			"newHostIdentity": target.Identity,
			"users":           a.usersLocked(),
		}, "")
		return nil
	})
}

// ToggleLock flips the join lock. Host only.
func (a *Actor) ToggleLock(ctx context.Context, callerSessionID string) error {
	return a.call(ctx, func() error {
		st := a.st
		caller := st.participantBySession(callerSessionID)
		if caller == nil || caller.Identity != st.host {
			return ErrForbidden
		}
		st.locked = !st.locked
		a.touch()
		a.broadcast(EventRoomLocked, map[string]any{"isLocked": st.locked}, "")
		return nil
	})
}

// SetVoicePresence records whether the identity is in the voice channel.
// Unknown identities are ignored so voice membership stays a subset of
// participants.
func (a *Actor) SetVoicePresence(identity string, present bool) {
	a.post(func() error {
		if _, ok := a.st.participants[identity]; !ok {
			return nil
		}
		if present {
			a.st.voice[identity] = struct{}{}
		} else {
			delete(a.st.voice, identity)
		}
		return nil
	})
}

// HasSession reports whether the session is currently joined to this room.
func (a *Actor) HasSession(ctx context.Context, sessionID string) bool {
	joined := false
	err := a.call(ctx, func() error {
		joined = a.st.participantBySession(sessionID) != nil
		return nil
	})
	return err == nil && joined
}

// Empty reports whether the room has no participants.
func (a *Actor) Empty(ctx context.Context) bool {
	empty := false
	err := a.call(ctx, func() error {
		empty = len(a.st.participants) == 0
		return nil
	})
	return err == nil && empty
}

// Snapshot returns the complete authoritative room view.
func (a *Actor) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := a.call(ctx, func() error {
		snap = a.snapshotLocked()
		return nil
	})
	return snap, err
}

func (a *Actor) usersLocked() []Participant {
	users := make([]Participant, 0, len(a.st.participants))
	for _, p := range a.st.participants {
		users = append(users, *p)
	}
	return users
}

func (a *Actor) snapshotLocked() Snapshot {
	st := a.st
	now := a.opts.Clock.Now()

	voice := make([]string, 0, len(st.voice))
	for id := range st.voice {
		voice = append(voice, id)
	}
	// Deep copy: messages are mutated by later edits and reactions, and the
	// snapshot is marshaled outside the actor goroutine.
	chat := make([]*Message, len(st.chat))
	for i, m := range st.chat {
		chat[i] = copyMessage(m)
	}

	var media *Media
	if st.media != nil {
		m := *st.media
		media = &m
	}

	return Snapshot{
		RoomCode:     st.code,
		RoomName:     st.name,
		Kind:         st.kind,
		HostIdentity: st.host,
		Locked:       st.locked,
		Users:        a.usersLocked(),
		VoiceUsers:   voice,
		Chat:         chat,
		Media:        media,
		IsPlaying:    st.anchor.Playing,
		CurrentTime:  st.anchor.Position(now),
		ServerTime:   now,
	}
}
