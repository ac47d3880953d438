package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/syncroom/internal/pubsub"
)

func TestPlayback_NonHostForbidden(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-1", "user-1", "Ada")
	join(t, f, "sess-2", "user-2", "Grace")

	err := f.actor.UpdatePlayback(context.Background(), "sess-2", PlaybackUpdate{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPlayback_LateJoinerGetsEffectivePosition(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")

	media := &Media{URL: "https://example.com/movie.mp4", Kind: "video"}
	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{
		Action: ActionMediaChange,
		Media:  media,
	}))
	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{
		Action:      ActionPlay,
		IsPlaying:   true,
		CurrentTime: 0,
	}))

	f.clock.Advance(2 * time.Second)
	snap := join(t, f, "sess-p", "user-p", "Grace")

	assert.True(t, snap.IsPlaying)
	assert.InDelta(t, 2.0, snap.CurrentTime, 0.05)
	require.NotNil(t, snap.Media)
	assert.NotEmpty(t, snap.Media.ID)
}

func TestPlayback_PlayAdvancesFromRequestedPosition(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")

	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionPlay, CurrentTime: 10}))
	f.clock.Advance(2 * time.Second)

	state, err := f.actor.SyncState(context.Background(), "sess-h")
	require.NoError(t, err)
	assert.True(t, state.IsPlaying)
	assert.InDelta(t, 12.0, state.CurrentTime, 0.05)
}

func TestPlayback_PauseFreezesPosition(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")

	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionPlay, CurrentTime: 10}))
	f.clock.Advance(3 * time.Second)
	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionPause, CurrentTime: 13}))
	f.clock.Advance(time.Minute)

	state, err := f.actor.SyncState(context.Background(), "sess-h")
	require.NoError(t, err)
	assert.False(t, state.IsPlaying)
	assert.InDelta(t, 13.0, state.CurrentTime, 0.001)
}

func TestPlayback_MonotoneWhilePlaying(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")
	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionPlay, CurrentTime: 5}))

	prev := -1.0
	for i := 0; i < 5; i++ {
		f.clock.Advance(500 * time.Millisecond)
		state, err := f.actor.SyncState(context.Background(), "sess-h")
		require.NoError(t, err)
		assert.Greater(t, state.CurrentTime, prev)
		prev = state.CurrentTime
	}
}

func TestPlayback_MediaChangeRegeneratesIDAndResets(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")

	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{
		Action: ActionMediaChange,
		Media:  &Media{URL: "https://example.com/a.mp4", Kind: "video"},
	}))
	first, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionPlay, CurrentTime: 42}))
	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{
		Action: ActionMediaChange,
		Media:  &Media{URL: "https://example.com/b.mp4", Kind: "video"},
	}))
	second, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Media.ID, second.Media.ID)
	assert.False(t, second.IsPlaying)
	assert.Zero(t, second.CurrentTime)
}

func TestPlayback_MediaClearReturnsToNoMedia(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")
	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{
		Action: ActionMediaChange,
		Media:  &Media{URL: "https://example.com/a.mp4", Kind: "video"},
	}))

	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionMediaClear}))

	snap, err := f.actor.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Media)
	assert.False(t, snap.IsPlaying)
	assert.Zero(t, snap.CurrentTime)
}

func TestPlayback_SyncBroadcastCarriesServerTime(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.record(t, pubsub.Topics.Room("ABCD23"))
	join(t, f, "sess-h", "host-id", "Ada")

	require.NoError(t, f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{
		Action:      ActionSeek,
		IsPlaying:   true,
		CurrentTime: 30,
	}))
	f.barrier(t)

	events := rec.byType(EventPlaybackSync)
	require.Len(t, events, 1)
	assert.Equal(t, string(ActionSeek), events[0].Payload["action"])
	assert.Equal(t, float64(30), events[0].Payload["currentTime"])
	assert.Equal(t, true, events[0].Payload["isPlaying"])
	assert.NotEmpty(t, events[0].Payload["serverTime"])
}

func TestPlayback_BadAction(t *testing.T) {
	f := newFixture(t, Options{})
	join(t, f, "sess-h", "host-id", "Ada")

	err := f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: "rewind"})
	assert.ErrorIs(t, err, ErrBadRequest)

	err = f.actor.UpdatePlayback(context.Background(), "sess-h", PlaybackUpdate{Action: ActionMediaChange})
	assert.ErrorIs(t, err, ErrBadRequest)
}
