package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Envelope is the wire frame in both directions. A client that wants an
// acknowledgement sets Ack to a request-unique number; the server replies
// with an "ack" envelope carrying the same number.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     *uint64         `json:"ack,omitempty"`
}

const eventAck = "ack"

// Client -> server events.
const (
	EventCreateRoom  = "create_room"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSyncRequest = "sync_request"

	EventSendMessage        = "send_message"
	EventEditMessage        = "edit_message"
	EventDeleteMessage      = "delete_message"
	EventAddMessageReaction = "add_message_reaction"
	EventSendReaction       = "send_reaction"

	EventUpdatePlayback = "update_playback"
	EventToggleLock     = "toggle_lock"
	EventTransferHost   = "transfer_host"
	EventKickUser       = "kick_user"

	EventScreenShareStart  = "screen_share_start"
	EventScreenShareReady  = "screen_share_ready"
	EventScreenShareOffer  = "screen_share_offer"
	EventScreenShareAnswer = "screen_share_answer"
	EventScreenShareICE    = "screen_share_ice"
	EventScreenShareStop   = "screen_share_stop"

	EventGetRouterCapabilities = "get_router_capabilities"
	EventCreateTransport       = "create_transport"
	EventConnectTransport      = "connect_transport"
	EventProduce               = "produce"
	EventConsume               = "consume"
	EventResumeConsumer        = "resume_consumer"
	EventGetProducers          = "get_producers"
)

// Wire error codes.
const (
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeLocked        = "locked"
	CodeCannotConsume = "cannot_consume"
	CodeTimeout       = "timeout"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
	CodeUnknownEvent  = "unknown event"
)

type errorReply struct {
	Error string `json:"error"`
}

type createRoomPayload struct {
	Name     string `json:"name" validate:"required,max=64"`
	Avatar   string `json:"avatar" validate:"omitempty,max=512"`
	RoomName string `json:"roomName" validate:"required,max=128"`
	Kind     string `json:"kind" validate:"required,oneof=video audio"`
	Privacy  string `json:"privacy" validate:"required,oneof=public private"`
}

type joinRoomPayload struct {
	RoomCode string `json:"roomCode" validate:"required,len=6"`
	Name     string `json:"name" validate:"required,max=64"`
	Avatar   string `json:"avatar" validate:"omitempty,max=512"`
}

type roomScopedPayload struct {
	RoomCode string `json:"roomCode" validate:"required,len=6"`
}

type sendMessagePayload struct {
	Content string `json:"content" validate:"required,max=2000"`
	ReplyTo string `json:"replyTo" validate:"omitempty,uuid"`
}

type editMessagePayload struct {
	ID         string `json:"id" validate:"required,uuid"`
	NewContent string `json:"newContent" validate:"required,max=2000"`
}

type deleteMessagePayload struct {
	ID string `json:"id" validate:"required,uuid"`
}

type messageReactionPayload struct {
	ID    string `json:"id" validate:"required,uuid"`
	Emoji string `json:"emoji" validate:"required,max=16"`
}

type sendReactionPayload struct {
	Emoji string `json:"emoji" validate:"required,max=16"`
}

type mediaPayload struct {
	URL   string `json:"url" validate:"required,max=2048"`
	Kind  string `json:"kind" validate:"required,max=32"`
	Title string `json:"title" validate:"omitempty,max=256"`
}

type updatePlaybackPayload struct {
	Action      string        `json:"action" validate:"required,oneof=play pause seek media_change media_clear"`
	IsPlaying   bool          `json:"isPlaying"`
	CurrentTime float64       `json:"currentTime" validate:"gte=0"`
	Media       *mediaPayload `json:"media" validate:"omitempty"`
}

type transferHostPayload struct {
	Target string `json:"target" validate:"required"`
}

type kickUserPayload struct {
	Target string `json:"target" validate:"required"`
}

// screenSharePayload keeps the signaling body opaque; only the routing field
// is validated.
type screenSharePayload struct {
	To   string         `json:"to"`
	Body map[string]any `json:"-"`
}

type createTransportPayload struct {
	RoomCode  string `json:"roomCode" validate:"required,len=6"`
	Direction string `json:"direction" validate:"required,oneof=send recv"`
}

type connectTransportPayload struct {
	RoomCode       string          `json:"roomCode" validate:"required,len=6"`
	TransportID    string          `json:"transportId" validate:"required"`
	DTLSParameters json.RawMessage `json:"dtlsParameters" validate:"required"`
}

type producePayload struct {
	RoomCode      string          `json:"roomCode" validate:"required,len=6"`
	TransportID   string          `json:"transportId" validate:"required"`
	Kind          string          `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters json.RawMessage `json:"rtpParameters" validate:"required"`
	AppData       map[string]any  `json:"appData"`
}

type consumePayload struct {
	RoomCode        string          `json:"roomCode" validate:"required,len=6"`
	TransportID     string          `json:"transportId" validate:"required"`
	ProducerID      string          `json:"producerId" validate:"required"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities" validate:"required"`
}

type resumeConsumerPayload struct {
	RoomCode   string `json:"roomCode" validate:"required,len=6"`
	ConsumerID string `json:"consumerId" validate:"required"`
}

type getProducersPayload struct {
	RoomCode string `json:"roomCode" validate:"required,len=6"`
	Type     string `json:"type" validate:"omitempty,max=32"`
}

// decode unmarshals and validates a payload in one step. Validation failures
// surface to the client as bad_request.
func decode[T any](v *validator.Validate, raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("parse payload: %w", err)
	}
	if err := v.Struct(out); err != nil {
		return out, fmt.Errorf("validate payload: %w", err)
	}
	return out, nil
}

// decodeScreenShare pulls the routing target and keeps the rest of the body
// for relay.
func decodeScreenShare(raw json.RawMessage) (screenSharePayload, error) {
	var out screenSharePayload
	if len(raw) == 0 {
		out.Body = map[string]any{}
		return out, nil
	}
	if err := json.Unmarshal(raw, &out.Body); err != nil {
		return out, fmt.Errorf("parse payload: %w", err)
	}
	if to, ok := out.Body["to"].(string); ok {
		out.To = to
		delete(out.Body, "to")
	}
	return out, nil
}
