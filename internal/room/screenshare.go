package room

import "context"

// Screen-share signaling relay. The server carries no screen media, it only
// routes SDP and ICE between the host broadcaster and receiving members,
// rewriting "from" so receivers can address replies. Unknown targets are
// dropped silently so a racing leave never errors the sender.

// ScreenShareStart announces the host's share to the rest of the room.
func (a *Actor) ScreenShareStart(ctx context.Context, sessionID string) error {
	return a.call(ctx, func() error {
		caller := a.st.participantBySession(sessionID)
		if caller == nil || caller.Identity != a.st.host {
			return ErrForbidden
		}
		a.touch()
		a.broadcast(EventScreenShareStarted, map[string]any{
			"hostSessionId": sessionID,
		}, sessionID)
		return nil
	})
}

// ScreenShareStop announces the end of the share.
func (a *Actor) ScreenShareStop(ctx context.Context, sessionID string) error {
	return a.call(ctx, func() error {
		caller := a.st.participantBySession(sessionID)
		if caller == nil || caller.Identity != a.st.host {
			return ErrForbidden
		}
		a.broadcast(EventScreenShareStopped, nil, sessionID)
		return nil
	})
}

// ScreenShareReady tells the host that a member wants an offer.
func (a *Actor) ScreenShareReady(ctx context.Context, sessionID string) error {
	return a.call(ctx, func() error {
		st := a.st
		member := st.participantBySession(sessionID)
		if member == nil {
			return ErrForbidden
		}
		host, ok := st.participants[st.host]
		if !ok {
			return nil
		}
		a.emit(host.SessionID, EventScreenShareRequestOffer, map[string]any{
			"memberSessionId": sessionID,
		})
		return nil
	})
}

// ScreenShareSignal relays an offer, answer, or ICE payload to the target
// session. Both ends must be in this room; otherwise the signal is dropped.
func (a *Actor) ScreenShareSignal(ctx context.Context, sessionID, targetSessionID, event string, payload map[string]any) error {
	return a.call(ctx, func() error {
		st := a.st
		if st.participantBySession(sessionID) == nil {
			return ErrForbidden
		}
		if st.participantBySession(targetSessionID) == nil {
			return nil
		}

		out := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			out[k] = v
		}
		out["from"] = sessionID
		a.emit(targetSessionID, event, out)
		return nil
	})
}

// HostSessionID returns the host's current session, for answer routing.
func (a *Actor) HostSessionID(ctx context.Context) (string, error) {
	var id string
	err := a.call(ctx, func() error {
		host, ok := a.st.participants[a.st.host]
		if !ok {
			return ErrNotFound
		}
		id = host.SessionID
		return nil
	})
	return id, err
}
