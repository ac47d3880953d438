package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/syncroom/internal/metrics"
)

const codeRetries = 5

// MediaCleaner is the slice of the SFU bridge the registry needs for room
// destruction.
type MediaCleaner interface {
	CloseRoom(roomCode string)
	HasPeers(roomCode string) bool
}

// RegistryOptions configures the registry and the actors it creates.
type RegistryOptions struct {
	Room        Options
	IdleTimeout time.Duration
	Media       MediaCleaner
	Logger      *slog.Logger

	// AfterFunc schedules idle destruction; swappable in tests.
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

// Registry owns the code-to-actor mapping and room lifecycle. It is the only
// component that creates and destroys actors.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Actor
	sessionRooms map[string]string // sessionID -> roomCode
	idleTimers   map[string]*time.Timer
	closed       bool

	opts   RegistryOptions
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		rooms:        make(map[string]*Actor),
		sessionRooms: make(map[string]string),
		idleTimers:   make(map[string]*time.Timer),
		opts:         opts,
		logger:       opts.Logger.With("component", "registry"),
	}
	return r
}

// CreateRoom builds a new room with the caller as host.
func (r *Registry) CreateRoom(ctx context.Context, sessionID, identity, name, avatar, roomName string, kind Kind, privacy Privacy) (string, Snapshot, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", Snapshot{}, ErrClosed
	}

	var code string
	for attempt := 0; ; attempt++ {
		if attempt == codeRetries {
			r.mu.Unlock()
			return "", Snapshot{}, fmt.Errorf("%w: room code space exhausted", ErrInternal)
		}
		candidate, err := NewCode()
		if err != nil {
			r.mu.Unlock()
			return "", Snapshot{}, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if _, taken := r.rooms[candidate]; !taken {
			code = candidate
			break
		}
	}

	roomOpts := r.opts.Room
	roomOpts.OnEmpty = r.scheduleIdleDestroy
	actor := NewActor(code, roomName, kind, privacy, roomOpts)
	r.rooms[code] = actor
	r.mu.Unlock()
	metrics.ActiveRooms.Inc()
	r.logger.Info("room created", "room", code, "kind", kind, "privacy", privacy)

	snap, err := actor.Join(ctx, sessionID, identity, name, avatar)
	if err != nil {
		r.destroy(code)
		return "", Snapshot{}, err
	}

	r.mu.Lock()
	r.sessionRooms[sessionID] = code
	r.mu.Unlock()
	return code, snap, nil
}

// JoinRoom adds the session to an existing room.
func (r *Registry) JoinRoom(ctx context.Context, sessionID, roomCode, identity, name, avatar string) (Snapshot, error) {
	actor, err := r.Lookup(roomCode)
	if err != nil {
		return Snapshot{}, err
	}

	snap, err := actor.Join(ctx, sessionID, identity, name, avatar)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	r.sessionRooms[sessionID] = roomCode
	if timer, ok := r.idleTimers[roomCode]; ok {
		timer.Stop()
		delete(r.idleTimers, roomCode)
	}
	r.mu.Unlock()
	return snap, nil
}

// LeaveRoom removes the session from whichever room owns it, immediately.
// Idempotent.
func (r *Registry) LeaveRoom(ctx context.Context, sessionID string) error {
	actor, ok := r.takeSession(sessionID)
	if !ok {
		return nil
	}
	return actor.Leave(ctx, sessionID)
}

// Disconnect schedules the session's leave after the reconnect grace window.
func (r *Registry) Disconnect(sessionID string) {
	actor, ok := r.takeSession(sessionID)
	if !ok {
		return
	}
	actor.Disconnect(sessionID)
}

func (r *Registry) takeSession(sessionID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.sessionRooms[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessionRooms, sessionID)
	actor, ok := r.rooms[code]
	return actor, ok
}

// Lookup returns the actor for a room code.
func (r *Registry) Lookup(roomCode string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.rooms[roomCode]
	if !ok {
		return nil, ErrNotFound
	}
	return actor, nil
}

// RoomForSession returns the actor the session is joined to.
func (r *Registry) RoomForSession(sessionID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.sessionRooms[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	actor, ok := r.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	return actor, nil
}

// scheduleIdleDestroy starts the idle timer when a room empties. Called from
// the actor goroutine.
func (r *Registry) scheduleIdleDestroy(roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if timer, ok := r.idleTimers[roomCode]; ok {
		timer.Stop()
	}
	r.idleTimers[roomCode] = r.opts.AfterFunc(r.opts.IdleTimeout, func() {
		r.idleDestroy(roomCode)
	})
}

// idleDestroy tears the room down if it is still empty and holds no media.
func (r *Registry) idleDestroy(roomCode string) {
	r.mu.Lock()
	actor, ok := r.rooms[roomCode]
	delete(r.idleTimers, roomCode)
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !actor.Empty(ctx) {
		return
	}
	if r.opts.Media != nil && r.opts.Media.HasPeers(roomCode) {
		// Producers still live; re-arm the timer instead of destroying.
		r.mu.Lock()
		if !r.closed {
			r.idleTimers[roomCode] = r.opts.AfterFunc(r.opts.IdleTimeout, func() {
				r.idleDestroy(roomCode)
			})
		}
		r.mu.Unlock()
		return
	}
	r.destroy(roomCode)
}

func (r *Registry) destroy(roomCode string) {
	r.mu.Lock()
	actor, ok := r.rooms[roomCode]
	if ok {
		delete(r.rooms, roomCode)
	}
	if timer, ok := r.idleTimers[roomCode]; ok {
		timer.Stop()
		delete(r.idleTimers, roomCode)
	}
	for sess, code := range r.sessionRooms {
		if code == roomCode {
			delete(r.sessionRooms, sess)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	actor.Close()
	if r.opts.Media != nil {
		r.opts.Media.CloseRoom(roomCode)
	}
	metrics.ActiveRooms.Dec()
	// Drop the per-room gauge series so dead room codes do not accumulate.
	metrics.RoomParticipants.DeleteLabelValues(roomCode)
	r.logger.Info("room destroyed", "room", roomCode)
}

// Close destroys every room.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	codes := make([]string, 0, len(r.rooms))
	for code := range r.rooms {
		codes = append(codes, code)
	}
	r.mu.Unlock()

	for _, code := range codes {
		r.destroy(code)
	}
}
