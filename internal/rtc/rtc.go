// Package rtc abstracts the peer transport capability the session layer
// negotiates over: one transport per remote peer, with offer/answer/ICE
// exchange and replaceable outbound tracks. The pion implementation lives
// in pion.go; tests substitute fakes.
package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Sender is one outbound track binding. ReplaceTrack swaps the payload of
// an existing sender without renegotiation, which is what screen share
// relies on.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(webrtc.TrackLocal) error
}

// PeerTransport is the per-peer connection object. Callbacks fire on the
// transport's own goroutines; handlers must do their own locking.
type PeerTransport interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Senders() []Sender

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate fires once per locally gathered candidate. The
	// end-of-gathering marker is filtered out; trickle consumers only see
	// real candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// Factory builds configured transports, one per remote peer.
type Factory interface {
	NewPeerTransport() (PeerTransport, error)
}

// Config holds transport settings shared by every peer connection.
type Config struct {
	// STUNServers lists STUN URLs. At least two independent servers are
	// required so candidate gathering survives one being unreachable.
	STUNServers []string

	// ReceiveMTU, when non-zero, raises the receive MTU to avoid packet
	// read underruns on large video frames.
	ReceiveMTU uint
}

// DefaultSTUNServers is the fallback relay list.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var errTooFewSTUNServers = errors.New("rtc: at least two STUN servers required")

func (c Config) validate() error {
	if len(c.STUNServers) < 2 {
		return errTooFewSTUNServers
	}
	return nil
}
