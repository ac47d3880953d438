package room

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// participantSeriesExists reports whether the per-room participant gauge
// still carries a series for the given room code.
func participantSeriesExists(t *testing.T, code string) bool {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "syncroom_room_participants_count" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "room" && l.GetValue() == code {
					return true
				}
			}
		}
	}
	return false
}

type fakeMedia struct {
	mu       sync.Mutex
	hasPeers bool
	closed   []string
}

func (m *fakeMedia) CloseRoom(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, code)
}

func (m *fakeMedia) HasPeers(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasPeers
}

func (m *fakeMedia) closedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

type registryFixture struct {
	reg    *Registry
	media  *fakeMedia
	timers *timerQueue
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	media := &fakeMedia{}
	timers := &timerQueue{}
	reg := NewRegistry(RegistryOptions{
		Media:     media,
		AfterFunc: timers.AfterFunc,
		Room:      Options{AfterFunc: timers.AfterFunc},
	})
	t.Cleanup(reg.Close)
	return &registryFixture{reg: reg, media: media, timers: timers}
}

func TestRegistry_CreateRoomMakesCallerHost(t *testing.T) {
	f := newRegistryFixture(t)

	code, snap, err := f.reg.CreateRoom(context.Background(), "sess-1", "user-1", "Ada", "", "movie night", KindVideo, PrivacyPrivate)
	require.NoError(t, err)

	assert.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, strings.ContainsRune(codeAlphabet, c), "code %q uses the restricted alphabet", code)
	}
	assert.Equal(t, code, snap.RoomCode)
	assert.Equal(t, "user-1", snap.HostIdentity)
}

func TestRegistry_JoinUnknownRoom(t *testing.T) {
	f := newRegistryFixture(t)

	_, err := f.reg.JoinRoom(context.Background(), "sess-1", "NOPE22", "user-1", "Ada", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_JoinAndLeave(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	snap, err := f.reg.JoinRoom(ctx, "sess-2", code, "user-2", "Grace", "")
	require.NoError(t, err)
	assert.Len(t, snap.Users, 2)

	require.NoError(t, f.reg.LeaveRoom(ctx, "sess-2"))
	// Leaving twice is fine.
	require.NoError(t, f.reg.LeaveRoom(ctx, "sess-2"))

	actor, err := f.reg.Lookup(code)
	require.NoError(t, err)
	after, err := actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, after.Users, 1)
}

func TestRegistry_RoomForSession(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	actor, err := f.reg.RoomForSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, code, actor.Code())

	_, err = f.reg.RoomForSession("sess-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_IdleDestroyAfterEmpty(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	require.NoError(t, f.reg.LeaveRoom(ctx, "sess-1"))
	f.timers.fire()

	_, err = f.reg.Lookup(code)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{code}, f.media.closedRooms())
}

func TestRegistry_IdleDestroyDeferredWhileProducersLive(t *testing.T) {
	f := newRegistryFixture(t)
	f.media.hasPeers = true
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	require.NoError(t, f.reg.LeaveRoom(ctx, "sess-1"))
	f.timers.fire()

	_, err = f.reg.Lookup(code)
	assert.NoError(t, err, "room survives while media is still flowing")

	f.media.hasPeers = false
	f.timers.fire()
	_, err = f.reg.Lookup(code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_DestroyDropsParticipantGaugeSeries(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)
	require.True(t, participantSeriesExists(t, code))

	require.NoError(t, f.reg.LeaveRoom(ctx, "sess-1"))
	f.timers.fire()

	assert.False(t, participantSeriesExists(t, code),
		"destroyed room must not leave a gauge series behind")
}

func TestRegistry_RejoinCancelsIdleDestroy(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	require.NoError(t, f.reg.LeaveRoom(ctx, "sess-1"))
	_, err = f.reg.JoinRoom(ctx, "sess-2", code, "user-1", "Ada", "")
	require.NoError(t, err)

	f.timers.fire()
	_, err = f.reg.Lookup(code)
	assert.NoError(t, err)
}

func TestRegistry_DisconnectUsesGrace(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	f.reg.Disconnect("sess-1")

	actor, err := f.reg.Lookup(code)
	require.NoError(t, err)
	snap, err := actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Users, 1, "participant remains during the grace window")

	// Grace expiry, then idle expiry.
	f.timers.fire()
	time.Sleep(50 * time.Millisecond)
	f.timers.fire()

	_, err = f.reg.Lookup(code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_CloseDestroysEverything(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	code, _, err := f.reg.CreateRoom(ctx, "sess-1", "user-1", "Ada", "", "room", KindVideo, PrivacyPublic)
	require.NoError(t, err)

	f.reg.Close()

	_, err = f.reg.Lookup(code)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, f.media.closedRooms(), code)
}
