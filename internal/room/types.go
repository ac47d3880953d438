package room

import (
	"time"

	"github.com/observer/syncroom/internal/clock"
)

// Kind is the room's media kind.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Privacy controls room discoverability.
type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

// MessageKind distinguishes user chat from server-issued notices.
type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

// Media describes the currently loaded media. ID is server-issued and
// regenerated on every media change so clients can detect swaps.
type Media struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Kind  string `json:"kind"`
	Title string `json:"title,omitempty"`
}

// Participant is one identity present in a room. SessionID is the current
// connection handle and changes on reconnect; Identity is stable.
type Participant struct {
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar,omitempty"`
	SessionID string `json:"sessionId"`
	IsHost    bool   `json:"isHost"`

	joinedAt time.Time
}

// Reaction is one emoji's tally on a message.
type Reaction struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// Message is a chat entry. Reactions are stored on the message itself; the
// broadcastable shape and the authoritative state are the same thing.
type Message struct {
	ID             string               `json:"id"`
	SenderIdentity string               `json:"senderIdentity"`
	SenderName     string               `json:"senderName"`
	SenderAvatar   string               `json:"senderAvatar,omitempty"`
	Content        string               `json:"content"`
	Timestamp      time.Time            `json:"timestamp"`
	Kind           MessageKind          `json:"kind"`
	ReplyTo        string               `json:"replyTo,omitempty"`
	Edited         bool                 `json:"edited"`
	Reactions      map[string]*Reaction `json:"reactions"`
}

// toggleReaction flips the identity's presence under the emoji and returns
// the updated tally. An emptied tally is removed from the map.
func (m *Message) toggleReaction(emoji, identity string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string]*Reaction)
	}
	r, ok := m.Reactions[emoji]
	if !ok {
		m.Reactions[emoji] = &Reaction{Count: 1, Users: []string{identity}}
		return
	}
	for i, u := range r.Users {
		if u == identity {
			r.Users = append(r.Users[:i], r.Users[i+1:]...)
			r.Count = len(r.Users)
			if r.Count == 0 {
				delete(m.Reactions, emoji)
			}
			return
		}
	}
	r.Users = append(r.Users, identity)
	r.Count = len(r.Users)
}

func copyMessage(m *Message) *Message {
	out := *m
	out.Reactions = make(map[string]*Reaction, len(m.Reactions))
	for emoji, r := range m.Reactions {
		users := make([]string, len(r.Users))
		copy(users, r.Users)
		out.Reactions[emoji] = &Reaction{Count: r.Count, Users: users}
	}
	return &out
}

// Snapshot is the complete authoritative room view returned on create/join.
// CurrentTime is the effective playback position at SnapshotTime, not the
// stored anchor.
type Snapshot struct {
	RoomCode     string        `json:"roomCode"`
	RoomName     string        `json:"roomName"`
	Kind         Kind          `json:"kind"`
	HostIdentity string        `json:"hostIdentity"`
	Locked       bool          `json:"locked"`
	Users        []Participant `json:"users"`
	VoiceUsers   []string      `json:"voiceUsers"`
	Chat         []*Message    `json:"chat"`
	Media        *Media        `json:"media"`
	IsPlaying    bool          `json:"isPlaying"`
	CurrentTime  float64       `json:"currentTime"`
	ServerTime   time.Time     `json:"serverTime"`
}

// PlaybackState is the effective playback view returned by sync requests.
type PlaybackState struct {
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
}

// PlaybackAction is a host playback command.
type PlaybackAction string

const (
	ActionPlay        PlaybackAction = "play"
	ActionPause       PlaybackAction = "pause"
	ActionSeek        PlaybackAction = "seek"
	ActionMediaChange PlaybackAction = "media_change"
	ActionMediaClear  PlaybackAction = "media_clear"
)

// PlaybackUpdate is the host's playback mutation request.
type PlaybackUpdate struct {
	Action      PlaybackAction
	IsPlaying   bool
	CurrentTime float64
	Media       *Media
}

// state is the mutable room state. It is owned by the actor goroutine and
// never touched from outside it.
type state struct {
	code    string
	name    string
	kind    Kind
	privacy Privacy

	host         string
	locked       bool
	participants map[string]*Participant // identity -> participant
	sessions     map[string]string       // sessionID -> identity
	voice        map[string]struct{}

	media  *Media
	anchor clock.Anchor

	chat []*Message

	createdAt    time.Time
	lastActivity time.Time

	// pendingLeaves holds grace timers per identity; a reconnect cancels.
	pendingLeaves map[string]*time.Timer
	// lastDisconnect drives join-message suppression on quick rejoins.
	lastDisconnect map[string]time.Time
}

func (st *state) participantBySession(sessionID string) *Participant {
	identity, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}
	return st.participants[identity]
}

func (st *state) earliestJoined() *Participant {
	var earliest *Participant
	for _, p := range st.participants {
		if earliest == nil || p.joinedAt.Before(earliest.joinedAt) {
			earliest = p
		}
	}
	return earliest
}
