// Package store defines the relational/row-event backend the room session
// layer is built on: plain row CRUD for rooms, participants and signals,
// plus a filtered subscription to row inserts. Implementations live in the
// sqlite and redis subpackages; the relay package exposes one over a socket.
package store

import (
	"context"
	"time"
)

// Sink receives insert events for one subscription. Callbacks are invoked
// from a delivery goroutine owned by the store, one event at a time and in
// insertion order for any given sender, so handlers never race each other.
// Either callback may be nil.
type Sink struct {
	// OnSignal fires for every signal row addressed to the subscribed peer.
	OnSignal func(Signal)

	// OnParticipantJoined fires for every participant row inserted into the
	// subscribed room, including rows for peers other than the subscriber.
	OnParticipantJoined func(Participant)
}

// Subscription is a live insert feed. Close detaches the sink; after Close
// returns no further callbacks are invoked.
type Subscription interface {
	Close() error
}

// Store is the backend consumed by the session layer. One subscription per
// joined peer multiplexes the two event streams it cares about: signals
// addressed to it, and roster inserts in its room.
type Store interface {
	// CreateRoom inserts a room row. It returns ErrConflict if a row with
	// the same token already exists, leaving the existing row untouched.
	CreateRoom(ctx context.Context, room Room) (Room, error)

	// GetRoomByToken returns the room with the given token or ErrNotFound.
	GetRoomByToken(ctx context.Context, token string) (Room, error)

	// EndRoom marks a room ended. Purely bookkeeping; it does not cascade.
	EndRoom(ctx context.Context, roomID string, endedAt time.Time) error

	// AddParticipant inserts a participant row and notifies room subscribers.
	AddParticipant(ctx context.Context, p Participant) (Participant, error)

	// UpdateParticipantMedia updates the self-reported media flags on a
	// participant row. Only the owning peer calls this.
	UpdateParticipantMedia(ctx context.Context, roomID, peerID string, audio, video, screen bool) error

	// MarkParticipantLeft sets the leave timestamp. The row is kept for
	// history; active-roster queries exclude it from then on.
	MarkParticipantLeft(ctx context.Context, roomID, peerID string, leftAt time.Time) error

	// ListActiveParticipants returns the room's participant rows with no
	// leave timestamp set.
	ListActiveParticipants(ctx context.Context, roomID string) ([]Participant, error)

	// InsertSignal appends one signal row and delivers it to the matching
	// recipient subscription, if any. Fire-and-forget: no acknowledgment.
	InsertSignal(ctx context.Context, sig Signal) error

	// Subscribe registers a sink for signals addressed to peerID and for
	// participant inserts in roomID.
	Subscribe(ctx context.Context, roomID, peerID string, sink Sink) (Subscription, error)

	// Close releases the backend connection and detaches all subscriptions.
	Close() error
}
