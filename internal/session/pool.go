package session

import (
	"context"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/rtc"
	"github.com/huddlekit/huddle/internal/signaling"
)

// RemoteTrack is an inbound media track from a remote peer.
type RemoteTrack = *webrtc.TrackRemote

// peerHandle is the per-remote-peer connection record. ensureConnection
// makes creation idempotent, which is the whole glare defense: when two
// peers offer to each other at once, each side keeps its existing handle
// and the redundant answer is dropped as stale.
//
// Negotiation fields (offerOutstanding, remoteSet, pending) are only
// touched under the session mutex. Candidates that arrive before the
// remote description are buffered in pending and flushed after
// SetRemoteDescription, since the transport rejects them earlier.
type peerHandle struct {
	peerID           string
	pc               rtc.PeerTransport
	audioSender      rtc.Sender
	videoSender      rtc.Sender
	offerOutstanding bool
	remoteSet        bool
	pending          []webrtc.ICECandidateInit
}

// senderFor returns the outbound sender carrying the given kind, nil when
// the session joined without that capture kind.
func (h *peerHandle) senderFor(kind webrtc.RTPCodecType) rtc.Sender {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return h.audioSender
	case webrtc.RTPCodecTypeVideo:
		return h.videoSender
	}
	return nil
}

// ensureConnectionLocked returns the handle for peerID, creating it on
// first sight. Existing handles are returned untouched regardless of
// initiateOffer — never tear down a live connection to re-offer. Callers
// hold s.mu.
func (s *Session) ensureConnectionLocked(peerID string, initiateOffer bool) (*peerHandle, error) {
	if h, ok := s.peers[peerID]; ok {
		return h, nil
	}

	pc, err := s.opts.Transports.NewPeerTransport()
	if err != nil {
		return nil, err
	}
	h := &peerHandle{peerID: peerID, pc: pc}

	if s.local != nil {
		for _, track := range s.local.Tracks() {
			sender, err := pc.AddTrack(track.Local())
			if err != nil {
				_ = pc.Close()
				return nil, err
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				h.audioSender = sender
			case webrtc.RTPCodecTypeVideo:
				h.videoSender = sender
			}
			// a peer arriving mid-call must not receive media the user
			// already muted
			if !track.Enabled() {
				if err := sender.ReplaceTrack(nil); err != nil {
					log.Printf("session: error detaching muted %s track for %s: %v", track.Kind(), peerID, err)
				}
			}
		}
	}
	if s.screen != nil && h.videoSender != nil {
		if t := s.screen.VideoTrack(); t != nil {
			if err := h.videoSender.ReplaceTrack(t.Local()); err != nil {
				log.Printf("session: error attaching screen track for %s: %v", peerID, err)
			}
		}
	}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.sendSignal(peerID, signaling.KindCandidate, signaling.CandidatePayload{Candidate: c})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.opts.OnRemoteTrack != nil {
			s.opts.OnRemoteTrack(peerID, track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("session: peer %s connection state %s", peerID, state)
	})

	s.peers[peerID] = h

	if initiateOffer {
		offer, err := pc.CreateOffer()
		if err != nil {
			s.dropPeerLocked(peerID)
			return nil, err
		}
		h.offerOutstanding = true
		// send before SetLocalDescription so the offer hits the backend
		// ahead of any candidates gathering produces
		s.sendSignal(peerID, signaling.KindOffer, signaling.DescriptionPayload{SDP: offer})
		if err := pc.SetLocalDescription(offer); err != nil {
			s.dropPeerLocked(peerID)
			return nil, err
		}
	}
	return h, nil
}

func (s *Session) dropPeerLocked(peerID string) {
	h, ok := s.peers[peerID]
	if !ok {
		return
	}
	delete(s.peers, peerID)
	_ = h.pc.Close()
}

// sendSignal persists one signal row addressed to a peer, logging rather
// than propagating failure: a lost signal degrades one connection, not the
// session.
func (s *Session) sendSignal(to string, kind signaling.Kind, payload any) {
	if err := s.transport.Send(context.Background(), s.room.ID, s.peerID, to, kind, payload); err != nil {
		log.Printf("session: error sending %s to %s: %v", kind, to, err)
	}
}

// handleMessage dispatches one decoded inbound signal. The subscription
// delivers messages from one sender in insert order, so negotiation steps
// for a given peer arrive sequenced.
func (s *Session) handleMessage(m signaling.Message) {
	s.mu.Lock()
	if s.peers == nil {
		// not joined yet or already left
		s.mu.Unlock()
		return
	}

	var chat *signaling.ChatMessage
	switch m.Kind {
	case signaling.KindOffer:
		if p, ok := m.Payload.(*signaling.DescriptionPayload); ok {
			s.handleOfferLocked(m.FromPeer, p.SDP)
		}
	case signaling.KindAnswer:
		if p, ok := m.Payload.(*signaling.DescriptionPayload); ok {
			s.handleAnswerLocked(m.FromPeer, p.SDP)
		}
	case signaling.KindCandidate:
		if p, ok := m.Payload.(*signaling.CandidatePayload); ok {
			s.handleCandidateLocked(m.FromPeer, p.Candidate)
		}
	case signaling.KindChat:
		if p, ok := m.Payload.(*signaling.ChatMessage); ok {
			s.chatLog = append(s.chatLog, *p)
			chat = p
		}
	default:
		log.Printf("session: ignoring signal kind %q from %s", m.Kind, m.FromPeer)
	}
	s.mu.Unlock()

	// callback outside the lock so handlers may call back into the session
	if chat != nil && s.opts.OnChat != nil {
		s.opts.OnChat(*chat)
	}
}

func (s *Session) handleOfferLocked(from string, sdp webrtc.SessionDescription) {
	h, err := s.ensureConnectionLocked(from, false)
	if err != nil {
		log.Printf("session: error creating transport for %s: %v", from, err)
		return
	}
	if err := h.pc.SetRemoteDescription(sdp); err != nil {
		log.Printf("session: error applying offer from %s: %v", from, err)
		return
	}
	h.remoteSet = true
	h.flushPendingCandidates()

	answer, err := h.pc.CreateAnswer()
	if err != nil {
		log.Printf("session: error answering %s: %v", from, err)
		return
	}
	s.sendSignal(from, signaling.KindAnswer, signaling.DescriptionPayload{SDP: answer})
	if err := h.pc.SetLocalDescription(answer); err != nil {
		log.Printf("session: error applying local answer for %s: %v", from, err)
	}
}

func (s *Session) handleAnswerLocked(from string, sdp webrtc.SessionDescription) {
	h, ok := s.peers[from]
	if !ok || !h.offerOutstanding {
		// answer with no outstanding offer, e.g. the late side of a glare
		// race; dropping it keeps the surviving connection intact
		log.Printf("session: ignoring stale answer from %s", from)
		return
	}
	if err := h.pc.SetRemoteDescription(sdp); err != nil {
		log.Printf("session: error applying answer from %s: %v", from, err)
		return
	}
	h.offerOutstanding = false
	h.remoteSet = true
	h.flushPendingCandidates()
}

func (s *Session) handleCandidateLocked(from string, candidate webrtc.ICECandidateInit) {
	h, err := s.ensureConnectionLocked(from, false)
	if err != nil {
		log.Printf("session: error creating transport for %s: %v", from, err)
		return
	}
	if !h.remoteSet {
		h.pending = append(h.pending, candidate)
		return
	}
	if err := h.pc.AddICECandidate(candidate); err != nil {
		log.Printf("session: error adding candidate from %s: %v", from, err)
	}
}

func (h *peerHandle) flushPendingCandidates() {
	for _, c := range h.pending {
		if err := h.pc.AddICECandidate(c); err != nil {
			log.Printf("session: error adding buffered candidate from %s: %v", h.peerID, err)
		}
	}
	h.pending = nil
}
