// Package gateway terminates client websocket connections and dispatches
// their events to the room registry and the SFU bridge. Replies travel back
// as acks; broadcasts arrive through pubsub subscriptions per room.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/observer/syncroom/internal/identity"
	"github.com/observer/syncroom/internal/metrics"
	"github.com/observer/syncroom/internal/pubsub"
	"github.com/observer/syncroom/internal/room"
	"github.com/observer/syncroom/internal/sfu"
)

const (
	joinTimeout    = 8 * time.Second
	sfuTimeout     = 10 * time.Second
	defaultTimeout = 5 * time.Second
)

// MediaBridge is the SFU surface the gateway drives. *sfu.Bridge implements
// it; tests substitute fakes.
type MediaBridge interface {
	RouterCapabilities(ctx context.Context, roomCode, sessionID string) (json.RawMessage, error)
	CreateTransport(ctx context.Context, roomCode, sessionID string, direction sfu.Direction) (sfu.TransportParams, error)
	ConnectTransport(ctx context.Context, roomCode, sessionID, transportID string, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, roomCode, sessionID, identity, transportID string, kind sfu.Kind, rtpParameters json.RawMessage, appData sfu.AppData) (string, error)
	Consume(ctx context.Context, roomCode, sessionID, transportID, producerID string, rtpCapabilities json.RawMessage) (sfu.ConsumerParams, error)
	ResumeConsumer(ctx context.Context, roomCode, sessionID, consumerID string) error
	Producers(roomCode, sessionID, typeFilter string) ([]sfu.ProducerInfo, error)
	CleanupSession(sessionID string)
}

// Gateway owns all live sessions.
type Gateway struct {
	registry *room.Registry
	bridge   MediaBridge
	ps       pubsub.PubSub
	resolver identity.Resolver
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a gateway.
func New(registry *room.Registry, bridge MediaBridge, ps pubsub.PubSub, resolver identity.Resolver, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		bridge:   bridge,
		ps:       ps,
		resolver: resolver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; identity is
			// checked at handshake instead.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger.With("component", "gateway"),
		sessions: make(map[string]*Session),
	}
}

// HandleWS upgrades the connection and runs the session until it ends.
// Identity comes from the handshake query and is never trusted from event
// payloads.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	resolved, err := g.resolver.Resolve(r.URL.Query().Get("identity"))
	if err != nil {
		http.Error(w, "invalid identity", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &Session{
		id:          uuid.NewString(),
		identity:    resolved,
		name:        r.URL.Query().Get("name"),
		avatar:      r.URL.Query().Get("avatar"),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		gw:          g,
		syncLimiter: rate.NewLimiter(rate.Limit(1), 1),
		done:        make(chan struct{}),
	}
	s.logger = g.logger.With("session_id", s.id, "identity", s.identity)

	sub, err := g.ps.Subscribe(context.Background(), pubsub.Topics.Session(s.id), s.onDirectEvent)
	if err != nil {
		s.logger.Error("session subscription failed", "error", err)
		_ = conn.Close()
		return
	}
	s.selfSub = sub

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	metrics.ActiveSessions.Inc()
	s.logger.Info("session connected", "remote_addr", conn.RemoteAddr())

	go s.writePump()
	s.readPump()
}

// disconnect tears down everything a session owns. WebRTC resources close
// immediately; the room participant survives the reconnect grace window.
func (g *Gateway) disconnect(s *Session) {
	g.mu.Lock()
	if _, ok := g.sessions[s.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.id)
	g.mu.Unlock()

	s.close()
	if actor, err := g.registry.RoomForSession(s.id); err == nil {
		actor.SetVoicePresence(s.identity, false)
	}
	g.bridge.CleanupSession(s.id)
	g.registry.Disconnect(s.id)

	s.leaveRoomTopic()
	s.mu.Lock()
	if s.selfSub != nil {
		_ = s.selfSub.Unsubscribe()
		s.selfSub = nil
	}
	s.mu.Unlock()

	metrics.ActiveSessions.Dec()
	s.logger.Info("session disconnected")
}

// Close disconnects every session.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// dispatch runs one inbound envelope. A panic in a handler becomes an
// internal error on the ack instead of killing the session.
func (g *Gateway) dispatch(s *Session, env *Envelope) {
	start := time.Now()
	status := "ok"

	// The room holds a command's broadcasts until this gate closes, so the
	// ack below is queued before other sessions can see the results.
	gate := make(chan struct{})
	defer close(gate)
	ctx := room.WithFlushGate(context.Background(), gate)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "event", env.Event, "panic", r)
			status = "panic"
			g.ack(s, env, nil, errors.New("handler panic"))
		}
		metrics.Events.WithLabelValues(env.Event, status).Inc()
		metrics.EventDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	}()

	result, err := g.handle(ctx, s, env)
	if err != nil {
		status = "error"
	}
	g.ack(s, env, result, err)
}

// ack sends the reply envelope when the client asked for one; otherwise
// errors are logged and swallowed.
func (g *Gateway) ack(s *Session, env *Envelope, result any, err error) {
	if env.Ack == nil {
		if err != nil && !errors.Is(err, errUnknownEvent) {
			s.logger.Warn("event failed", "event", env.Event, "error", err)
		}
		return
	}

	var payload any
	if err != nil {
		payload = errorReply{Error: errorCode(err)}
	} else if result != nil {
		payload = result
	} else {
		payload = map[string]bool{"success": true}
	}

	body, merr := json.Marshal(payload)
	if merr != nil {
		s.logger.Error("marshal ack", "event", env.Event, "error", merr)
		body, _ = json.Marshal(errorReply{Error: CodeInternal})
	}
	s.sendEnvelope(&Envelope{Event: eventAck, Ack: env.Ack, Payload: body})
}

var errUnknownEvent = errors.New("unknown event")

// errorCode maps internal errors onto the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, room.ErrNotFound) || errors.Is(err, sfu.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, room.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, room.ErrLocked):
		return CodeLocked
	case errors.Is(err, sfu.ErrCannotConsume):
		return CodeCannotConsume
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, room.ErrBadRequest) || errors.Is(err, sfu.ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

func (g *Gateway) handle(ctx context.Context, s *Session, env *Envelope) (any, error) {
	switch env.Event {
	case EventCreateRoom:
		return g.handleCreateRoom(ctx, s, env.Payload)
	case EventJoinRoom:
		return g.handleJoinRoom(ctx, s, env.Payload)
	case EventLeaveRoom:
		return nil, g.handleLeaveRoom(ctx, s)
	case EventSyncRequest:
		return g.handleSyncRequest(ctx, s, env.Payload)

	case EventSendMessage:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[sendMessagePayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.SendMessage(ctx, s.id, p.Content, p.ReplyTo)
		})
	case EventEditMessage:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[editMessagePayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.EditMessage(ctx, s.id, p.ID, p.NewContent)
		})
	case EventDeleteMessage:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[deleteMessagePayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.DeleteMessage(ctx, s.id, p.ID)
		})
	case EventAddMessageReaction:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[messageReactionPayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.ToggleReaction(ctx, s.id, p.ID, p.Emoji)
		})
	case EventSendReaction:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[sendReactionPayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.SendFloatingReaction(ctx, s.id, p.Emoji)
		})

	case EventUpdatePlayback:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[updatePlaybackPayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			upd := room.PlaybackUpdate{
				Action:      room.PlaybackAction(p.Action),
				IsPlaying:   p.IsPlaying,
				CurrentTime: p.CurrentTime,
			}
			if p.Media != nil {
				upd.Media = &room.Media{URL: p.Media.URL, Kind: p.Media.Kind, Title: p.Media.Title}
			}
			return a.UpdatePlayback(ctx, s.id, upd)
		})
	case EventToggleLock:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			return a.ToggleLock(ctx, s.id)
		})
	case EventTransferHost:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[transferHostPayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.TransferHost(ctx, s.id, p.Target)
		})
	case EventKickUser:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			p, err := decode[kickUserPayload](g.validate, env.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
			}
			return a.Kick(ctx, s.id, p.Target)
		})

	case EventScreenShareStart:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			return a.ScreenShareStart(ctx, s.id)
		})
	case EventScreenShareStop:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			return a.ScreenShareStop(ctx, s.id)
		})
	case EventScreenShareReady:
		return nil, g.withRoom(ctx, s, func(ctx context.Context, a *room.Actor) error {
			return a.ScreenShareReady(ctx, s.id)
		})
	case EventScreenShareOffer, EventScreenShareAnswer, EventScreenShareICE:
		return nil, g.handleScreenShareSignal(ctx, s, env.Event, env.Payload)

	case EventGetRouterCapabilities, EventCreateTransport, EventConnectTransport,
		EventProduce, EventConsume, EventResumeConsumer, EventGetProducers:
		return g.handleMedia(ctx, s, env)

	default:
		return nil, errUnknownEvent
	}
}

func (g *Gateway) handleCreateRoom(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	p, err := decode[createRoomPayload](g.validate, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
	}
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	code, snap, err := g.registry.CreateRoom(ctx, s.id, s.identity, p.Name, p.Avatar, p.RoomName, room.Kind(p.Kind), room.Privacy(p.Privacy))
	if err != nil {
		return nil, err
	}
	if err := s.joinRoomTopic(code); err != nil {
		s.logger.Error("room topic subscription failed", "room", code, "error", err)
	}
	return map[string]any{"success": true, "roomCode": code, "room": snap}, nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	p, err := decode[joinRoomPayload](g.validate, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
	}
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	snap, err := g.registry.JoinRoom(ctx, s.id, p.RoomCode, s.identity, p.Name, p.Avatar)
	if err != nil {
		return nil, err
	}
	if err := s.joinRoomTopic(p.RoomCode); err != nil {
		s.logger.Error("room topic subscription failed", "room", p.RoomCode, "error", err)
	}
	return map[string]any{"success": true, "room": snap}, nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if actor, err := g.registry.RoomForSession(s.id); err == nil {
		actor.SetVoicePresence(s.identity, false)
	}
	g.bridge.CleanupSession(s.id)
	err := g.registry.LeaveRoom(ctx, s.id)
	s.leaveRoomTopic()
	return err
}

func (g *Gateway) handleSyncRequest(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	p, err := decode[roomScopedPayload](g.validate, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
	}
	if !s.syncLimiter.Allow() {
		return nil, fmt.Errorf("%w: sync_request rate exceeded", room.ErrBadRequest)
	}

	actor, err := g.registry.Lookup(p.RoomCode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	state, err := actor.SyncState(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "state": state}, nil
}

func (g *Gateway) handleScreenShareSignal(ctx context.Context, s *Session, event string, raw json.RawMessage) error {
	p, err := decodeScreenShare(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", room.ErrBadRequest, err)
	}
	actor, err := g.registry.RoomForSession(s.id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	target := p.To
	if target == "" && event == EventScreenShareAnswer {
		// Answers default to the broadcaster.
		target, err = actor.HostSessionID(ctx)
		if err != nil {
			return err
		}
	}
	return actor.ScreenShareSignal(ctx, s.id, target, event, p.Body)
}

// withRoom resolves the session's current room and runs fn against it with
// the default deadline.
func (g *Gateway) withRoom(ctx context.Context, s *Session, fn func(ctx context.Context, a *room.Actor) error) error {
	actor, err := g.registry.RoomForSession(s.id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return fn(ctx, actor)
}

func (g *Gateway) handleMedia(ctx context.Context, s *Session, env *Envelope) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, sfuTimeout)
	defer cancel()

	// Every media RPC requires an active membership in the target room.
	requireMembership := func(roomCode string) (*room.Actor, error) {
		actor, err := g.registry.Lookup(roomCode)
		if err != nil {
			return nil, err
		}
		if !actor.HasSession(ctx, s.id) {
			return nil, room.ErrForbidden
		}
		return actor, nil
	}

	switch env.Event {
	case EventGetRouterCapabilities:
		p, err := decode[roomScopedPayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		if _, err := requireMembership(p.RoomCode); err != nil {
			return nil, err
		}
		caps, err := g.bridge.RouterCapabilities(ctx, p.RoomCode, s.id)
		if err != nil {
			return nil, err
		}
		return caps, nil

	case EventCreateTransport:
		p, err := decode[createTransportPayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		if _, err := requireMembership(p.RoomCode); err != nil {
			return nil, err
		}
		return g.bridge.CreateTransport(ctx, p.RoomCode, s.id, sfu.Direction(p.Direction))

	case EventConnectTransport:
		p, err := decode[connectTransportPayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		if _, err := requireMembership(p.RoomCode); err != nil {
			return nil, err
		}
		if err := g.bridge.ConnectTransport(ctx, p.RoomCode, s.id, p.TransportID, p.DTLSParameters); err != nil {
			return nil, err
		}
		return nil, nil

	case EventProduce:
		p, err := decode[producePayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		actor, err := requireMembership(p.RoomCode)
		if err != nil {
			return nil, err
		}
		appData := sfu.AppData(p.AppData)
		id, err := g.bridge.Produce(ctx, p.RoomCode, s.id, s.identity, p.TransportID, sfu.Kind(p.Kind), p.RTPParameters, appData)
		if err != nil {
			return nil, err
		}
		if appData.MediaType() == "voice" {
			actor.SetVoicePresence(s.identity, true)
		}
		return map[string]string{"id": id}, nil

	case EventConsume:
		p, err := decode[consumePayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		if _, err := requireMembership(p.RoomCode); err != nil {
			return nil, err
		}
		return g.bridge.Consume(ctx, p.RoomCode, s.id, p.TransportID, p.ProducerID, p.RTPCapabilities)

	case EventResumeConsumer:
		p, err := decode[resumeConsumerPayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		if _, err := requireMembership(p.RoomCode); err != nil {
			return nil, err
		}
		if err := g.bridge.ResumeConsumer(ctx, p.RoomCode, s.id, p.ConsumerID); err != nil {
			return nil, err
		}
		return nil, nil

	case EventGetProducers:
		p, err := decode[getProducersPayload](g.validate, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrBadRequest, err)
		}
		if _, err := requireMembership(p.RoomCode); err != nil {
			return nil, err
		}
		return g.bridge.Producers(p.RoomCode, s.id, p.Type)

	default:
		return nil, errUnknownEvent
	}
}
