package room

import "errors"

var (
	// ErrNoActiveSession is returned when a peer relays a negotiation message
	// before joining a room.
	ErrNoActiveSession = errors.New("no active session")

	// ErrUnknownTarget is returned when a message is addressed to a peer that
	// does not exist or is not a member of the sender's room.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrRoomFull is returned when a join would exceed the room's capacity.
	ErrRoomFull = errors.New("room full")

	// ErrAlreadyJoined is returned on a duplicate join from a peer that is
	// already a room member. Peers must leave (or reconnect) before joining
	// another room.
	ErrAlreadyJoined = errors.New("already joined")

	// ErrTooManyRooms is returned when creating a room would exceed the
	// configured global room limit.
	ErrTooManyRooms = errors.New("too many rooms")

	// ErrUnknownPeer is returned when the sender itself is not registered.
	ErrUnknownPeer = errors.New("unknown peer")
)
