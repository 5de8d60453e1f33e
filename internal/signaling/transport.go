// Package signaling relays session descriptions, ICE candidates and chat
// between peers, addressed by ephemeral peer id and scoped to a room. It is
// a thin layer over the store: inserting a signal row publishes it, and the
// filtered insert subscription delivers it. Fire-and-forget; no acks.
package signaling

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/huddlekit/huddle/internal/store"
)

// Message is one inbound signal after the ingress decode: the raw row plus
// its payload as the tagged-union type for its kind.
type Message struct {
	store.Signal
	Kind    Kind
	Payload any
}

// Handler receives transport events. Callbacks run one at a time per
// subscription, in per-sender order.
type Handler struct {
	// OnMessage fires for every decodable signal addressed to this peer.
	OnMessage func(Message)

	// OnParticipantJoined fires for every participant row inserted into the
	// room, the cue to re-sync the roster.
	OnParticipantJoined func(store.Participant)
}

// Transport sends and receives signals through a backing store.
type Transport struct {
	store store.Store
}

func New(st store.Store) *Transport {
	return &Transport{store: st}
}

// Send serializes payload and inserts one signal row. Errors are transport
// level and recoverable: callers log and continue rather than tearing the
// session down over one lost signal.
func (t *Transport) Send(ctx context.Context, roomID, from, to string, kind Kind, payload any) error {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	sig := store.Signal{
		RoomID:    roomID,
		FromPeer:  from,
		ToPeer:    to,
		Kind:      string(kind),
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.store.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("error sending %s signal to %s: %w", kind, to, err)
	}
	return nil
}

// Subscribe delivers signals addressed to peerID and roster inserts in
// roomID to h. Undecodable signals are logged and dropped. The returned
// function detaches the subscription; callers must invoke it on leave.
func (t *Transport) Subscribe(ctx context.Context, roomID, peerID string, h Handler) (func() error, error) {
	sink := store.Sink{
		OnParticipantJoined: h.OnParticipantJoined,
		OnSignal: func(sig store.Signal) {
			if h.OnMessage == nil {
				return
			}
			kind := Kind(sig.Kind)
			payload, err := DecodePayload(kind, sig.Payload)
			if err != nil {
				log.Printf("signaling: dropping signal from %s: %v", sig.FromPeer, err)
				return
			}
			h.OnMessage(Message{Signal: sig, Kind: kind, Payload: payload})
		},
	}
	sub, err := t.store.Subscribe(ctx, roomID, peerID, sink)
	if err != nil {
		return nil, fmt.Errorf("error subscribing to signals: %w", err)
	}
	return sub.Close, nil
}
