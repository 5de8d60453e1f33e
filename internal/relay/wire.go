// Package relay exposes a store.Store over a websocket so thin clients can
// share one backend without direct database access. The server wraps any
// Store implementation; the client is itself a Store, so the session layer
// cannot tell a relayed backend from a local one.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huddlekit/huddle/internal/store"
)

// Operation names for request frames.
const (
	opCreateRoom     = "create-room"
	opGetRoom        = "get-room"
	opEndRoom        = "end-room"
	opAddParticipant = "add-participant"
	opUpdateMedia    = "update-media"
	opMarkLeft       = "mark-left"
	opListActive     = "list-active"
	opInsertSignal   = "insert-signal"
	opSubscribe      = "subscribe"
	opUnsubscribe    = "unsubscribe"
)

// Error codes carried on response frames so sentinel errors survive the
// socket crossing.
const (
	codeNotFound = "not-found"
	codeConflict = "conflict"
)

// Event names for server-push frames.
const (
	eventSignal      = "signal"
	eventParticipant = "participant"
)

// frame is every message on the wire: a request (ID+Op), a response (ID and
// either Body or Error), or a push (Event+Body).
type frame struct {
	ID    uint64          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Event string          `json:"event,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type getRoomBody struct {
	Token string `json:"token"`
}

type endRoomBody struct {
	RoomID  string    `json:"roomId"`
	EndedAt time.Time `json:"endedAt"`
}

type updateMediaBody struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
	Screen bool   `json:"screen"`
}

type markLeftBody struct {
	RoomID string    `json:"roomId"`
	PeerID string    `json:"peerId"`
	LeftAt time.Time `json:"leftAt"`
}

type listActiveBody struct {
	RoomID string `json:"roomId"`
}

type subscribeBody struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type unsubscribeBody struct {
	Sub uint64 `json:"sub"`
}

type subscribedBody struct {
	Sub uint64 `json:"sub"`
}

func encodeBody(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func codeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrNotFound):
		return codeNotFound
	case errors.Is(err, store.ErrConflict):
		return codeConflict
	}
	return ""
}

// errorFor reverses codeFor on the client side so errors.Is keeps working
// across the socket.
func errorFor(code, message string) error {
	switch code {
	case codeNotFound:
		return store.ErrNotFound
	case codeConflict:
		return store.ErrConflict
	}
	return fmt.Errorf("relay: %s", message)
}
