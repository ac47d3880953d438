package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/observer/syncroom/internal/pubsub"
	"github.com/observer/syncroom/internal/room"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 65536

	sendBufferSize = 256

	// A client that lets this many events pile up is too slow to keep.
	maxSendDrops = 100
)

// Session is one live client connection.
type Session struct {
	id       string
	identity string
	name     string
	avatar   string

	conn *websocket.Conn
	send chan []byte

	gw     *Gateway
	logger *slog.Logger

	syncLimiter *rate.Limiter

	mu       sync.Mutex
	roomCode string
	roomSub  pubsub.Subscription
	selfSub  pubsub.Subscription
	dropped  int

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the resolved user identity.
func (s *Session) Identity() string { return s.identity }

// sendEnvelope queues an envelope for delivery. When the buffer is full the
// event is dropped; a session that keeps overflowing is disconnected.
func (s *Session) sendEnvelope(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshal envelope", "event", env.Event, "error", err)
		return
	}
	select {
	case s.send <- data:
	default:
		s.mu.Lock()
		s.dropped++
		drops := s.dropped
		s.mu.Unlock()
		s.logger.Warn("send buffer full, dropping event", "event", env.Event, "drops", drops)
		if drops > maxSendDrops {
			s.logger.Warn("client too slow, disconnecting")
			s.close()
		}
	}
}

// onRoomEvent delivers a room broadcast, honoring the sender exclusion.
func (s *Session) onRoomEvent(ctx context.Context, msg *pubsub.Message) {
	if msg.ExcludeSession == s.id {
		return
	}
	s.sendEnvelope(&Envelope{Event: msg.Type, Payload: msg.Payload})
}

// onDirectEvent delivers an event addressed to this session alone.
func (s *Session) onDirectEvent(ctx context.Context, msg *pubsub.Message) {
	s.sendEnvelope(&Envelope{Event: msg.Type, Payload: msg.Payload})
	if msg.Type == room.EventKicked {
		s.leaveRoomTopic()
	}
}

// joinRoomTopic subscribes the session to a room's broadcast stream,
// replacing any previous room subscription.
func (s *Session) joinRoomTopic(roomCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomSub != nil {
		_ = s.roomSub.Unsubscribe()
		s.roomSub = nil
	}
	sub, err := s.gw.ps.Subscribe(context.Background(), pubsub.Topics.Room(roomCode), s.onRoomEvent)
	if err != nil {
		return err
	}
	s.roomCode = roomCode
	s.roomSub = sub
	return nil
}

func (s *Session) leaveRoomTopic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomSub != nil {
		_ = s.roomSub.Unsubscribe()
		s.roomSub = nil
	}
	s.roomCode = ""
}

func (s *Session) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// readPump pumps inbound envelopes into the gateway dispatcher. Events from
// one session are handled in arrival order.
func (s *Session) readPump() {
	defer func() {
		s.gw.disconnect(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("unparseable envelope", "error", err)
			continue
		}
		s.gw.dispatch(s, &env)
	}
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
