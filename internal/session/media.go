package session

import (
	"context"
	"fmt"
	"log"

	"github.com/huddlekit/huddle/internal/media"
	"github.com/pion/webrtc/v4"
)

// SetAudioEnabled flips the local microphone mute state in place. The
// participant row update is best-effort: the flag is self-reported UI
// state, and audio keeps flowing (or not) regardless of whether the write
// lands.
func (s *Session) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return s.setTrackEnabled(ctx, webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled flips the local camera state in place.
func (s *Session) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return s.setTrackEnabled(ctx, webrtc.RTPCodecTypeVideo, enabled)
}

func (s *Session) setTrackEnabled(ctx context.Context, kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	var track media.Track
	if s.local != nil {
		switch kind {
		case webrtc.RTPCodecTypeAudio:
			track = s.local.AudioTrack()
		case webrtc.RTPCodecTypeVideo:
			track = s.local.VideoTrack()
		}
	}
	if track == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no %s track", ErrNoLocalMedia, kind)
	}
	track.SetEnabled(enabled)
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		s.self.AudioEnabled = enabled
	case webrtc.RTPCodecTypeVideo:
		s.self.VideoEnabled = enabled
	}
	// Flipping the flag alone would leave every sender streaming live
	// frames, so the capture track is detached from (or reattached to)
	// the transmit path here. While a screen share holds the video
	// senders, the camera state is only recorded; it takes effect when
	// the share stops.
	if kind != webrtc.RTPCodecTypeVideo || s.screen == nil {
		var payload webrtc.TrackLocal
		if enabled {
			payload = track.Local()
		}
		for peerID, h := range s.peers {
			sender := h.senderFor(kind)
			if sender == nil {
				continue
			}
			if err := sender.ReplaceTrack(payload); err != nil {
				log.Printf("session: error swapping %s track for %s: %v", kind, peerID, err)
			}
		}
	}
	s.mu.Unlock()

	s.syncMediaFlags(ctx)
	return nil
}

// StartScreenShare acquires display capture and swaps it into every peer's
// outbound video sender via ReplaceTrack, avoiding renegotiation. Calling
// it while already sharing is a no-op. When the capture ends outside our
// control (window closed, OS stop button) the camera is restored
// automatically.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if s.screen != nil {
		s.mu.Unlock()
		return nil
	}
	if s.opts.Media == nil {
		s.mu.Unlock()
		return ErrNoLocalMedia
	}

	screen, err := s.opts.Media.GetDisplayMedia()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("error acquiring display capture: %w", err)
	}
	screenVideo := screen.VideoTrack()
	if screenVideo == nil {
		s.mu.Unlock()
		_ = screen.Close()
		return fmt.Errorf("display capture produced no video track")
	}

	s.replaceVideoSendersLocked(screenVideo.Local())
	s.screen = screen
	s.self.ScreenSharing = true
	s.mu.Unlock()

	screenVideo.OnEnded(func() {
		if err := s.StopScreenShare(context.Background()); err != nil {
			log.Printf("session: error reverting ended screen share: %v", err)
		}
	})

	s.syncMediaFlags(ctx)
	return nil
}

// StopScreenShare reverts every video sender to the camera track and stops
// the display capture. Safe to call when not sharing, and safe to race with
// the capture's own end-of-track revert; whichever runs second is a no-op.
func (s *Session) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if s.screen == nil {
		s.mu.Unlock()
		return nil
	}
	screen := s.screen
	s.screen = nil

	// restore the camera only if it was on; a muted camera stays detached
	var camera webrtc.TrackLocal
	if s.local != nil {
		if t := s.local.VideoTrack(); t != nil && t.Enabled() {
			camera = t.Local()
		}
	}
	s.replaceVideoSendersLocked(camera)
	s.self.ScreenSharing = false
	s.mu.Unlock()

	err := screen.Close()
	s.syncMediaFlags(ctx)
	if err != nil {
		return fmt.Errorf("error stopping display capture: %w", err)
	}
	return nil
}

// replaceVideoSendersLocked swaps the outbound video payload on every peer
// connection. A peer with no video sender (we joined without a camera) is
// skipped; screen share cannot reach it without renegotiation.
func (s *Session) replaceVideoSendersLocked(track webrtc.TrackLocal) {
	for peerID, h := range s.peers {
		if h.videoSender == nil {
			log.Printf("session: peer %s has no video sender to replace", peerID)
			continue
		}
		if err := h.videoSender.ReplaceTrack(track); err != nil {
			log.Printf("session: error replacing video track for %s: %v", peerID, err)
		}
	}
}

// syncMediaFlags pushes the self-reported media flags to the participant
// row. Failure is logged, never surfaced: the flags are advisory.
func (s *Session) syncMediaFlags(ctx context.Context) {
	s.mu.Lock()
	roomID := s.room.ID
	peerID := s.peerID
	audio := s.self.AudioEnabled
	video := s.self.VideoEnabled
	sharing := s.self.ScreenSharing
	s.mu.Unlock()

	if err := s.opts.Store.UpdateParticipantMedia(ctx, roomID, peerID, audio, video, sharing); err != nil {
		log.Printf("session: error syncing media flags: %v", err)
	}
}

// ScreenSharing reports whether a display capture is live.
func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}
