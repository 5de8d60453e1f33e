// Package session implements the room session core: resolving or creating
// the room row, registering as a participant, maintaining one peer transport
// per remote participant, local media control, and in-band chat. One Session
// value is one joined client; all of its state lives on the instance and is
// torn down by Leave.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/rtc"
	"github.com/huddlekit/huddle/internal/signaling"
	"github.com/huddlekit/huddle/internal/store"
)

var (
	ErrAlreadyJoined = errors.New("session: already joined")
	ErrNotJoined     = errors.New("session: not joined")
	ErrNoLocalMedia  = errors.New("session: no local media track")
)

// State is the session lifecycle. A session moves strictly forward:
// uninitialized → resolving → joined → left. Join on any state other than
// uninitialized is rejected, which is the guard against double
// initialization.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateJoined
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

// Options configures one session. Store and Transports are required; Media
// may be nil to join without capture (everything still works except
// publishing local tracks).
type Options struct {
	RoomToken   string
	UserID      string
	DisplayName string

	Store      store.Store
	Transports rtc.Factory
	Media      media.Provider

	// Constraints selects the capture kinds requested from Media. The zero
	// value requests both audio and video.
	Constraints media.Constraints

	// OnRosterChange fires with the active roster after every re-sync.
	OnRosterChange func([]store.Participant)

	// OnChat fires for every chat message, local sends included.
	OnChat func(signaling.ChatMessage)

	// OnRemoteTrack fires when a remote peer's media track arrives, keyed
	// by the peer id it belongs to.
	OnRemoteTrack func(peerID string, track RemoteTrack)
}

// Session is one client's presence in a room.
type Session struct {
	opts      Options
	transport *signaling.Transport

	mu          sync.Mutex
	state       State
	peerID      string
	room        store.Room
	self        store.Participant
	local       media.Stream
	screen      media.Stream
	roster      []store.Participant
	peers       map[string]*peerHandle
	chatLog     []signaling.ChatMessage
	unsubscribe func() error
}

// New prepares a session in the uninitialized state. Nothing touches the
// backend until Join.
func New(opts Options) *Session {
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints = media.Constraints{Audio: true, Video: true}
	}
	return &Session{
		opts:      opts,
		transport: signaling.New(opts.Store),
	}
}

// Join establishes the session: acquire local media, resolve or create the
// room, register as a participant, subscribe to signals, and offer to every
// participant already present. Join order matters — media before
// registration so the advertised flags reflect reality, registration before
// peer discovery so the roster we advertise is accurate.
//
// Media acquisition failure is not fatal: the session joins with audio and
// video off. Room resolution failure is fatal and leaves the session
// uninitialized.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrAlreadyJoined, state)
	}
	s.state = StateResolving
	s.peerID = uuid.NewString()
	s.mu.Unlock()

	if err := s.join(ctx); err != nil {
		s.mu.Lock()
		local := s.local
		peers := s.peers
		unsub := s.unsubscribe
		s.local = nil
		s.peers = nil
		s.unsubscribe = nil
		s.state = StateUninitialized
		s.mu.Unlock()
		if unsub != nil {
			_ = unsub()
		}
		for _, h := range peers {
			_ = h.pc.Close()
		}
		if local != nil {
			_ = local.Close()
		}
		return err
	}
	return nil
}

func (s *Session) join(ctx context.Context) error {
	// 1. local capture; degrade to a/v-off rather than failing the join
	var (
		local   media.Stream
		audioOn bool
		videoOn bool
	)
	if s.opts.Media != nil {
		stream, err := s.opts.Media.GetUserMedia(s.opts.Constraints)
		if err != nil {
			log.Printf("session: joining without local media: %v", err)
		} else {
			local = stream
			audioOn = stream.AudioTrack() != nil
			videoOn = stream.VideoTrack() != nil
		}
	}

	// 2. room row, racing other clients for the same token
	room, created, err := s.resolveOrCreateRoom(ctx)
	if err != nil {
		if local != nil {
			_ = local.Close()
		}
		return err
	}

	// 3. participant row
	self := store.Participant{
		ID:           uuid.NewString(),
		RoomID:       room.ID,
		UserID:       s.opts.UserID,
		PeerID:       s.peerID,
		DisplayName:  s.opts.DisplayName,
		IsHost:       created,
		AudioEnabled: audioOn,
		VideoEnabled: videoOn,
		JoinedAt:     time.Now().UTC(),
	}
	self, err = s.opts.Store.AddParticipant(ctx, self)
	if err != nil {
		if local != nil {
			_ = local.Close()
		}
		return fmt.Errorf("error registering participant: %w", err)
	}

	s.mu.Lock()
	s.room = room
	s.self = self
	s.local = local
	s.peers = make(map[string]*peerHandle)
	s.mu.Unlock()

	// 4. signal + roster subscription, before seeding so a peer joining
	// mid-seed is not missed
	unsubscribe, err := s.transport.Subscribe(ctx, room.ID, s.peerID, signaling.Handler{
		OnMessage:           s.handleMessage,
		OnParticipantJoined: s.handleParticipantJoined,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	// 5. offer to everyone already in the room
	active, err := s.opts.Store.ListActiveParticipants(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("error listing participants: %w", err)
	}
	s.mu.Lock()
	s.roster = active
	for _, p := range active {
		if p.PeerID == s.peerID {
			continue
		}
		if _, err := s.ensureConnectionLocked(p.PeerID, true); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("error connecting to peer %s: %w", p.PeerID, err)
		}
	}
	s.state = StateJoined
	s.mu.Unlock()

	s.notifyRoster(active)
	return nil
}

// resolveOrCreateRoom finds the room row for the configured token, creating
// it if absent. A create losing the uniqueness race retries the lookup
// exactly once; any other failure is fatal to the join.
func (s *Session) resolveOrCreateRoom(ctx context.Context) (store.Room, bool, error) {
	room, err := s.opts.Store.GetRoomByToken(ctx, s.opts.RoomToken)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Room{}, false, fmt.Errorf("error resolving room: %w", err)
	}

	candidate := store.Room{
		ID:         uuid.NewString(),
		Token:      s.opts.RoomToken,
		HostUserID: s.opts.UserID,
		Status:     store.RoomActive,
		StartedAt:  time.Now().UTC(),
	}
	room, err = s.opts.Store.CreateRoom(ctx, candidate)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return store.Room{}, false, fmt.Errorf("error creating room: %w", err)
	}

	// another client created the token between our lookup and insert; join
	// their row instead
	room, err = s.opts.Store.GetRoomByToken(ctx, s.opts.RoomToken)
	if err != nil {
		return store.Room{}, false, fmt.Errorf("room %q unresolvable after create conflict: %w", s.opts.RoomToken, err)
	}
	return room, false, nil
}

// handleParticipantJoined is the roster-change cue: re-sync the active
// roster and drop connections for peers no longer in it.
func (s *Session) handleParticipantJoined(store.Participant) {
	if err := s.Refresh(context.Background()); err != nil {
		log.Printf("session: roster refresh failed: %v", err)
	}
}

// Refresh re-reads the active roster, prunes connections for departed
// peers, and notifies the roster callback.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	roomID := s.room.ID
	s.mu.Unlock()

	active, err := s.opts.Store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		return fmt.Errorf("error listing participants: %w", err)
	}

	present := make(map[string]bool, len(active))
	for _, p := range active {
		present[p.PeerID] = true
	}

	var stale []*peerHandle
	s.mu.Lock()
	s.roster = active
	for peerID, h := range s.peers {
		if !present[peerID] {
			delete(s.peers, peerID)
			stale = append(stale, h)
		}
	}
	s.mu.Unlock()

	for _, h := range stale {
		if err := h.pc.Close(); err != nil {
			log.Printf("session: error closing connection to departed peer %s: %v", h.peerID, err)
		}
	}

	s.notifyRoster(active)
	return nil
}

func (s *Session) notifyRoster(active []store.Participant) {
	if s.opts.OnRosterChange == nil {
		return
	}
	snapshot := make([]store.Participant, len(active))
	copy(snapshot, active)
	s.opts.OnRosterChange(snapshot)
}

// Leave tears the session down: stop local tracks, close every peer
// transport, mark the participant row left, detach the subscription — in
// that order, every step attempted even when an earlier one fails. The
// joined errors are returned but the session always ends up in StateLeft.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateLeft:
		s.mu.Unlock()
		return nil
	case StateJoined:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotJoined, state)
	}
	s.state = StateLeft
	screen := s.screen
	local := s.local
	peers := s.peers
	unsub := s.unsubscribe
	roomID := s.room.ID
	peerID := s.peerID
	isHost := s.self.IsHost
	s.screen = nil
	s.local = nil
	s.peers = nil
	s.unsubscribe = nil
	s.mu.Unlock()

	var errs []error
	if screen != nil {
		if err := screen.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error stopping screen capture: %w", err))
		}
	}
	if local != nil {
		if err := local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error stopping local media: %w", err))
		}
	}
	for id, h := range peers {
		if err := h.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing connection to %s: %w", id, err))
		}
	}
	if err := s.opts.Store.MarkParticipantLeft(ctx, roomID, peerID, time.Now().UTC()); err != nil {
		errs = append(errs, fmt.Errorf("error marking participant left: %w", err))
	}
	if isHost {
		// bookkeeping only; the room row is closed when the host leaves it
		// empty, and a failure here never blocks the rest of teardown
		if active, err := s.opts.Store.ListActiveParticipants(ctx, roomID); err == nil && len(active) == 0 {
			if err := s.opts.Store.EndRoom(ctx, roomID, time.Now().UTC()); err != nil {
				log.Printf("session: error ending empty room: %v", err)
			}
		}
	}
	if unsub != nil {
		if err := unsub(); err != nil {
			errs = append(errs, fmt.Errorf("error detaching subscription: %w", err))
		}
	}
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the ephemeral peer id minted for this join.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Room returns the resolved room row.
func (s *Session) Room() store.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Roster returns the last synced active roster.
func (s *Session) Roster() []store.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]store.Participant, len(s.roster))
	copy(snapshot, s.roster)
	return snapshot
}

// ShareLink formats the invite URL for a room token.
func ShareLink(baseURL, roomToken string) string {
	return strings.TrimRight(baseURL, "/") + "/room/" + url.PathEscape(roomToken)
}
