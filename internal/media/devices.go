package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	// driver registration for camera, microphone and screen capture
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

// DeviceProvider implements Provider on real capture hardware via
// pion/mediadevices, encoding video as VP8 and audio as Opus.
type DeviceProvider struct {
	selector *mediadevices.CodecSelector
}

var _ Provider = (*DeviceProvider)(nil)

func NewDeviceProvider() (*DeviceProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("error creating vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("error creating opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &DeviceProvider{selector: selector}, nil
}

// PopulateEngine registers the provider's codecs with a pion media engine.
// Every peer transport this client opens must use an engine populated here,
// or the captured tracks will not negotiate.
func (p *DeviceProvider) PopulateEngine(engine *webrtc.MediaEngine) error {
	p.selector.Populate(engine)
	return nil
}

func (p *DeviceProvider) GetUserMedia(constraints Constraints) (Stream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, errors.New("media: nothing to capture")
	}

	mdConstraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if constraints.Video {
		mdConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatI420, frame.FormatYUY2}
		}
	}
	if constraints.Audio {
		mdConstraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(mdConstraints)
	if err != nil {
		return nil, fmt.Errorf("error acquiring user media: %w", err)
	}
	return newDeviceStream(stream), nil
}

func (p *DeviceProvider) GetDisplayMedia() (Stream, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error acquiring display media: %w", err)
	}
	return newDeviceStream(stream), nil
}

type deviceStream struct {
	tracks []Track
}

func newDeviceStream(stream mediadevices.MediaStream) *deviceStream {
	s := &deviceStream{}
	for _, t := range stream.GetTracks() {
		s.tracks = append(s.tracks, newDeviceTrack(t))
	}
	return s
}

func (s *deviceStream) AudioTrack() Track { return s.trackOfKind(webrtc.RTPCodecTypeAudio) }
func (s *deviceStream) VideoTrack() Track { return s.trackOfKind(webrtc.RTPCodecTypeVideo) }
func (s *deviceStream) Tracks() []Track   { return s.tracks }

func (s *deviceStream) trackOfKind(kind webrtc.RTPCodecType) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *deviceStream) Close() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deviceTrack wraps a mediadevices track with an in-place enabled flag.
// Disabling records the state without pausing the capture pipeline; the
// session consults the flag and detaches the track from its senders so
// nothing is transmitted while disabled.
type deviceTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	enabled bool
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	return &deviceTrack{track: t, enabled: true}
}

func (t *deviceTrack) Local() webrtc.TrackLocal { return t.track }
func (t *deviceTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *deviceTrack) OnEnded(fn func()) {
	t.track.OnEnded(func(error) { fn() })
}

func (t *deviceTrack) Stop() error {
	return t.track.Close()
}
