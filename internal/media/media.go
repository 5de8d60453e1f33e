// Package media owns the local capture lifecycle: camera and microphone
// acquisition, in-place mute toggles, and display capture for screen share.
// The session layer only reads track references from here; it never stops
// tracks itself outside full teardown.
package media

import "github.com/pion/webrtc/v4"

// Constraints selects which capture kinds to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is one local capture track. SetEnabled records the mute state in
// place without stopping capture; callers that transmit the track are
// expected to detach it while disabled. Stop releases the device track.
type Track interface {
	// Local returns the track to hand to a peer transport sender.
	Local() webrtc.TrackLocal

	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)

	// OnEnded registers a callback for the track ending outside our
	// control, e.g. the user stopping a screen share from OS chrome.
	OnEnded(func())

	Stop() error
}

// Stream is one acquired capture session (user media or display media).
type Stream interface {
	// AudioTrack returns the audio track or nil if none was acquired.
	AudioTrack() Track

	// VideoTrack returns the video track or nil if none was acquired.
	VideoTrack() Track

	Tracks() []Track

	// Close stops every track in the stream.
	Close() error
}

// Provider is the browser/OS capture capability.
type Provider interface {
	GetUserMedia(constraints Constraints) (Stream, error)
	GetDisplayMedia() (Stream, error)
}
