package room

import "errors"

var (
	// ErrNotFound covers unknown rooms, messages, and participants.
	ErrNotFound = errors.New("room: not found")

	// ErrForbidden is returned for host-only operations invoked by a non-host
	// and for edits of another author's message.
	ErrForbidden = errors.New("room: forbidden")

	// ErrLocked is returned when a locked room refuses a join.
	ErrLocked = errors.New("room: locked")

	// ErrBadRequest is returned for malformed or out-of-range input.
	ErrBadRequest = errors.New("room: bad request")

	// ErrClosed is returned for operations on a destroyed room.
	ErrClosed = errors.New("room: closed")

	// ErrInternal is returned for unexpected failures, such as exhausting the
	// room code space.
	ErrInternal = errors.New("room: internal error")
)
