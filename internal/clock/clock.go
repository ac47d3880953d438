// Package clock provides the authoritative playback timekeeper.
// Playback state is stored as an anchor (position + server instant), never as
// a ticking counter; the effective position is computed on read. This makes
// late-join sync trivial and avoids per-tick state updates.
package clock

import "time"

// Clock abstracts time.Now so playback math is testable with a fake clock.
type Clock interface {
	Now() time.Time
}

// Real is the production clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Anchor is the stored playback state: the last host-confirmed position and
// the server instant it was confirmed at. time.Time carries a monotonic
// reading, so differences are immune to wall-clock jumps.
type Anchor struct {
	Playing bool
	Base    float64 // seconds into the media at BaseAt
	BaseAt  time.Time
}

// Position returns the effective playback position at now.
func (a Anchor) Position(now time.Time) float64 {
	if !a.Playing {
		return a.Base
	}
	pos := a.Base + now.Sub(a.BaseAt).Seconds()
	if pos < 0 {
		return 0
	}
	return pos
}

// Rebase re-anchors at the given position and instant. Every accepted host
// action goes through here so the anchor always reflects the latest command.
func (a Anchor) Rebase(playing bool, position float64, now time.Time) Anchor {
	if position < 0 {
		position = 0
	}
	return Anchor{Playing: playing, Base: position, BaseAt: now}
}
