package room

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// playbackSyncPayload is the playback_sync broadcast body. ServerTime lets
// clients correct for delivery latency.
type playbackSyncPayload struct {
	Media       *Media         `json:"media"`
	IsPlaying   bool           `json:"isPlaying"`
	CurrentTime float64        `json:"currentTime"`
	ServerTime  time.Time      `json:"serverTime"`
	Action      PlaybackAction `json:"action"`
}

// UpdatePlayback applies a host playback command and broadcasts the new
// authoritative state. The host-supplied currentTime becomes the new anchor
// base; the server instant of application becomes the anchor point.
func (a *Actor) UpdatePlayback(ctx context.Context, sessionID string, upd PlaybackUpdate) error {
	return a.call(ctx, func() error {
		st := a.st
		caller := st.participantBySession(sessionID)
		if caller == nil || caller.Identity != st.host {
			return ErrForbidden
		}

		now := a.opts.Clock.Now()
		switch upd.Action {
		case ActionPlay:
			st.anchor = st.anchor.Rebase(true, upd.CurrentTime, now)
		case ActionPause:
			st.anchor = st.anchor.Rebase(false, upd.CurrentTime, now)
		case ActionSeek:
			st.anchor = st.anchor.Rebase(upd.IsPlaying, upd.CurrentTime, now)
		case ActionMediaChange:
			if upd.Media == nil {
				return ErrBadRequest
			}
			media := *upd.Media
			media.ID = uuid.NewString()
			st.media = &media
			st.anchor = st.anchor.Rebase(false, 0, now)
		case ActionMediaClear:
			st.media = nil
			st.anchor = st.anchor.Rebase(false, 0, now)
		default:
			return ErrBadRequest
		}
		a.touch()

		var media *Media
		if st.media != nil {
			m := *st.media
			media = &m
		}
		a.broadcast(EventPlaybackSync, playbackSyncPayload{
			Media:       media,
			IsPlaying:   st.anchor.Playing,
			CurrentTime: st.anchor.Position(now),
			ServerTime:  now,
			Action:      upd.Action,
		}, "")
		return nil
	})
}

// SyncState returns the effective playback state at the current instant.
func (a *Actor) SyncState(ctx context.Context, sessionID string) (PlaybackState, error) {
	var out PlaybackState
	err := a.call(ctx, func() error {
		if a.st.participantBySession(sessionID) == nil {
			return ErrForbidden
		}
		now := a.opts.Clock.Now()
		out = PlaybackState{
			IsPlaying:   a.st.anchor.Playing,
			CurrentTime: a.st.anchor.Position(now),
		}
		return nil
	})
	return out, err
}
