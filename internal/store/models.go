package store

import "time"

// RoomStatus is the lifecycle state of a room row.
type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomEnded  RoomStatus = "ended"
)

// Room is a logical meeting. The token is the caller-chosen, human-readable
// identifier shared between participants; the ID is storage-assigned. Exactly
// one room row exists per token at any time.
type Room struct {
	ID         string
	Token      string
	HostUserID string
	Status     RoomStatus
	StartedAt  time.Time
	EndedAt    *time.Time
}

// Participant is one (room, transport-session) pair. PeerID is an ephemeral
// identifier regenerated on every join and never reused. A row with a non-nil
// LeftAt is logically absent from the room; rows are never hard-deleted.
type Participant struct {
	ID            string
	RoomID        string
	UserID        string
	PeerID        string
	DisplayName   string
	IsHost        bool
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	JoinedAt      time.Time
	LeftAt        *time.Time
}

// Left reports whether the participant has departed the room.
func (p Participant) Left() bool { return p.LeftAt != nil }

// Signal is a single directed signaling message. It is write-once: the
// payload is serialized JSON whose shape depends on Kind, and delivery is
// at-most-once to the subscription matching ToPeer. Signals from the same
// sender to the same recipient are delivered in insertion order.
type Signal struct {
	RoomID    string
	FromPeer  string
	ToPeer    string
	Kind      string
	Payload   string
	CreatedAt time.Time
}
