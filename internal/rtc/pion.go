package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PionFactory builds pion peer connections from a shared API object.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ Factory = (*PionFactory)(nil)

// NewPionFactory configures a pion API for all transports this client will
// open. populate fills the media engine with the codecs the local capture
// pipeline encodes to; when nil, pion's default codec set is registered.
func NewPionFactory(cfg Config, populate func(*webrtc.MediaEngine) error) (*PionFactory, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if populate != nil {
		if err := populate(mediaEngine); err != nil {
			return nil, fmt.Errorf("error populating media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("error registering codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.ReceiveMTU > 0 {
		settingEngine.SetReceiveMTU(cfg.ReceiveMTU)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

func (f *PionFactory) NewPeerTransport() (PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}
	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("error adding track: %w", err)
	}
	return pionSender{sender}, nil
}

func (t *pionTransport) Senders() []Sender {
	rtpSenders := t.pc.GetSenders()
	senders := make([]Sender, 0, len(rtpSenders))
	for _, s := range rtpSenders {
		senders = append(senders, pionSender{s})
	}
	return senders
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sd)
}

func (t *pionTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sd)
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// gathering finished
			return
		}
		fn(c.ToJSON())
	})
}

func (t *pionTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.pc.OnTrack(fn)
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s pionSender) Track() webrtc.TrackLocal { return s.sender.Track() }

func (s pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}
