// Package redis implements the room backend on a shared Redis instance, so
// clients on different machines coordinate without a relay in between. Rooms
// and participants live in hashes guarded by SETNX for token uniqueness;
// signals and roster inserts ride Redis pub/sub, which preserves publish
// order per connection and so keeps the per-sender signal ordering intact.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/store"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "huddle:"

// Store implements store.Store on a Redis client.
type Store struct {
	client *goredis.Client
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func tokenKey(token string) string     { return keyPrefix + "room:token:" + token }
func roomKey(id string) string         { return keyPrefix + "room:" + id }
func peersKey(roomID string) string    { return keyPrefix + "room:" + roomID + ":peers" }
func participantKey(roomID, peerID string) string {
	return keyPrefix + "participant:" + roomID + ":" + peerID
}
func signalChannel(roomID, peerID string) string {
	return keyPrefix + "room:" + roomID + ":signal:" + peerID
}
func rosterChannel(roomID string) string { return keyPrefix + "room:" + roomID + ":roster" }

func (s *Store) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	if room.Status == "" {
		room.Status = store.RoomActive
	}
	// The room hash is written before the token is reserved so that a
	// token key can never resolve to a missing room. The reservation via
	// SETNX decides races; the loser deletes its orphaned hash.
	err := s.client.HSet(ctx, roomKey(room.ID),
		"id", room.ID,
		"token", room.Token,
		"host_user_id", room.HostUserID,
		"status", string(room.Status),
		"started_at", room.StartedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return store.Room{}, fmt.Errorf("error writing room: %w", err)
	}
	ok, err := s.client.SetNX(ctx, tokenKey(room.Token), room.ID, 0).Result()
	if err != nil || !ok {
		if delErr := s.client.Del(ctx, roomKey(room.ID)).Err(); delErr != nil {
			log.Printf("redis: error deleting unreserved room %s: %v", room.ID, delErr)
		}
	}
	if err != nil {
		return store.Room{}, fmt.Errorf("error reserving room token: %w", err)
	}
	if !ok {
		return store.Room{}, store.ErrConflict
	}
	return room, nil
}

func (s *Store) GetRoomByToken(ctx context.Context, token string) (store.Room, error) {
	id, err := s.client.Get(ctx, tokenKey(token)).Result()
	if err == goredis.Nil {
		return store.Room{}, store.ErrNotFound
	}
	if err != nil {
		return store.Room{}, fmt.Errorf("error resolving room token: %w", err)
	}
	fields, err := s.client.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return store.Room{}, fmt.Errorf("error reading room: %w", err)
	}
	if len(fields) == 0 {
		return store.Room{}, store.ErrNotFound
	}
	room := store.Room{
		ID:         fields["id"],
		Token:      fields["token"],
		HostUserID: fields["host_user_id"],
		Status:     store.RoomStatus(fields["status"]),
	}
	if room.StartedAt, err = time.Parse(time.RFC3339Nano, fields["started_at"]); err != nil {
		return store.Room{}, fmt.Errorf("error parsing started_at: %w", err)
	}
	if raw := fields["ended_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return store.Room{}, fmt.Errorf("error parsing ended_at: %w", err)
		}
		room.EndedAt = &t
	}
	return room, nil
}

func (s *Store) EndRoom(ctx context.Context, roomID string, endedAt time.Time) error {
	n, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("error checking room: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.client.HSet(ctx, roomKey(roomID),
		"status", string(store.RoomEnded),
		"ended_at", endedAt.UTC().Format(time.RFC3339Nano),
	).Err()
}

func (s *Store) AddParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	key := participantKey(p.RoomID, p.PeerID)
	err := s.client.HSet(ctx, key,
		"id", p.ID,
		"room_id", p.RoomID,
		"user_id", p.UserID,
		"peer_id", p.PeerID,
		"display_name", p.DisplayName,
		"is_host", boolField(p.IsHost),
		"audio_enabled", boolField(p.AudioEnabled),
		"video_enabled", boolField(p.VideoEnabled),
		"screen_sharing", boolField(p.ScreenSharing),
		"joined_at", p.JoinedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return store.Participant{}, fmt.Errorf("error writing participant: %w", err)
	}
	if err := s.client.SAdd(ctx, peersKey(p.RoomID), p.PeerID).Err(); err != nil {
		return store.Participant{}, fmt.Errorf("error registering peer: %w", err)
	}

	payload, err := json.Marshal(participantJSON(p))
	if err != nil {
		return store.Participant{}, fmt.Errorf("error marshaling roster event: %w", err)
	}
	if err := s.client.Publish(ctx, rosterChannel(p.RoomID), payload).Err(); err != nil {
		return store.Participant{}, fmt.Errorf("error publishing roster event: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateParticipantMedia(ctx context.Context, roomID, peerID string, audio, video, screen bool) error {
	key := participantKey(roomID, peerID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("error checking participant: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.client.HSet(ctx, key,
		"audio_enabled", boolField(audio),
		"video_enabled", boolField(video),
		"screen_sharing", boolField(screen),
	).Err()
}

func (s *Store) MarkParticipantLeft(ctx context.Context, roomID, peerID string, leftAt time.Time) error {
	key := participantKey(roomID, peerID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("error checking participant: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.client.HSet(ctx, key, "left_at", leftAt.UTC().Format(time.RFC3339Nano)).Err()
}

func (s *Store) ListActiveParticipants(ctx context.Context, roomID string) ([]store.Participant, error) {
	peers, err := s.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing peers: %w", err)
	}
	var out []store.Participant
	for _, peerID := range peers {
		fields, err := s.client.HGetAll(ctx, participantKey(roomID, peerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("error reading participant %s: %w", peerID, err)
		}
		if len(fields) == 0 || fields["left_at"] != "" {
			continue
		}
		p, err := participantFromFields(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) InsertSignal(ctx context.Context, sig store.Signal) error {
	payload, err := json.Marshal(signalJSON(sig))
	if err != nil {
		return fmt.Errorf("error marshaling signal: %w", err)
	}
	if err := s.client.Publish(ctx, signalChannel(sig.RoomID, sig.ToPeer), payload).Err(); err != nil {
		return fmt.Errorf("error publishing signal: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, roomID, peerID string, sink store.Sink) (store.Subscription, error) {
	sigChan := signalChannel(roomID, peerID)
	rosChan := rosterChannel(roomID)
	pubsub := s.client.Subscribe(ctx, sigChan, rosChan)
	// force the SUBSCRIBE round trip so no event published after this call
	// returns can be missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("error subscribing: %w", err)
	}

	sub := &subscription{pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			switch msg.Channel {
			case sigChan:
				var sj signalMessage
				if err := json.Unmarshal([]byte(msg.Payload), &sj); err != nil {
					log.Printf("redis store: dropping malformed signal: %v", err)
					continue
				}
				if sink.OnSignal != nil {
					sink.OnSignal(sj.toSignal())
				}
			case rosChan:
				var pj participantMessage
				if err := json.Unmarshal([]byte(msg.Payload), &pj); err != nil {
					log.Printf("redis store: dropping malformed roster event: %v", err)
					continue
				}
				if sink.OnParticipantJoined != nil {
					sink.OnParticipantJoined(pj.toParticipant())
				}
			}
		}
	}()
	return sub, nil
}

type subscription struct {
	pubsub *goredis.PubSub
	once   sync.Once
	err    error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.pubsub.Close() })
	return s.err
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func participantFromFields(fields map[string]string) (store.Participant, error) {
	p := store.Participant{
		ID:            fields["id"],
		RoomID:        fields["room_id"],
		UserID:        fields["user_id"],
		PeerID:        fields["peer_id"],
		DisplayName:   fields["display_name"],
		IsHost:        fields["is_host"] == "1",
		AudioEnabled:  fields["audio_enabled"] == "1",
		VideoEnabled:  fields["video_enabled"] == "1",
		ScreenSharing: fields["screen_sharing"] == "1",
	}
	joinedAt, err := time.Parse(time.RFC3339Nano, fields["joined_at"])
	if err != nil {
		return store.Participant{}, fmt.Errorf("error parsing joined_at: %w", err)
	}
	p.JoinedAt = joinedAt
	return p, nil
}

// wire shapes for pub/sub payloads

type signalMessage struct {
	RoomID    string    `json:"roomId"`
	FromPeer  string    `json:"from"`
	ToPeer    string    `json:"to"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

func signalJSON(sig store.Signal) signalMessage {
	return signalMessage{
		RoomID:    sig.RoomID,
		FromPeer:  sig.FromPeer,
		ToPeer:    sig.ToPeer,
		Kind:      sig.Kind,
		Payload:   sig.Payload,
		CreatedAt: sig.CreatedAt,
	}
}

func (m signalMessage) toSignal() store.Signal {
	return store.Signal{
		RoomID:    m.RoomID,
		FromPeer:  m.FromPeer,
		ToPeer:    m.ToPeer,
		Kind:      m.Kind,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
}

type participantMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	UserID        string    `json:"userId"`
	PeerID        string    `json:"peerId"`
	DisplayName   string    `json:"displayName"`
	IsHost        bool      `json:"isHost"`
	AudioEnabled  bool      `json:"audioEnabled"`
	VideoEnabled  bool      `json:"videoEnabled"`
	ScreenSharing bool      `json:"screenSharing"`
	JoinedAt      time.Time `json:"joinedAt"`
}

func participantJSON(p store.Participant) participantMessage {
	return participantMessage{
		ID:            p.ID,
		RoomID:        p.RoomID,
		UserID:        p.UserID,
		PeerID:        p.PeerID,
		DisplayName:   p.DisplayName,
		IsHost:        p.IsHost,
		AudioEnabled:  p.AudioEnabled,
		VideoEnabled:  p.VideoEnabled,
		ScreenSharing: p.ScreenSharing,
		JoinedAt:      p.JoinedAt,
	}
}

func (m participantMessage) toParticipant() store.Participant {
	return store.Participant{
		ID:            m.ID,
		RoomID:        m.RoomID,
		UserID:        m.UserID,
		PeerID:        m.PeerID,
		DisplayName:   m.DisplayName,
		IsHost:        m.IsHost,
		AudioEnabled:  m.AudioEnabled,
		VideoEnabled:  m.VideoEnabled,
		ScreenSharing: m.ScreenSharing,
		JoinedAt:      m.JoinedAt,
	}
}
