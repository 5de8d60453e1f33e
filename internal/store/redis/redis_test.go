package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/huddlekit/huddle/internal/store"
)

// Tests require a running Redis instance; set HUDDLE_TEST_REDIS_ADDR to run
// them (e.g. HUDDLE_TEST_REDIS_ADDR=localhost:6379).
func setupStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("HUDDLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HUDDLE_TEST_REDIS_ADDR not set")
	}
	s, err := Open(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// uniqueToken keeps parallel test runs from colliding in the shared instance.
func uniqueToken(t *testing.T) string {
	t.Helper()
	suffix, err := gonanoid.New(8)
	if err != nil {
		t.Fatalf("nanoid failed: %v", err)
	}
	return fmt.Sprintf("test-%s", suffix)
}

func TestCreateRoomConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	token := uniqueToken(t)

	room := store.Room{ID: "room-" + token, Token: token, HostUserID: "u1", StartedAt: time.Now().UTC()}
	if _, err := s.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	dup := room
	dup.ID = "room-other"
	if _, err := s.CreateRoom(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetRoomByToken(ctx, token)
	if err != nil {
		t.Fatalf("GetRoomByToken failed: %v", err)
	}
	if got.ID != room.ID {
		t.Errorf("expected original room %q to win, got %q", room.ID, got.ID)
	}
}

// A token key must never resolve to a room hash that does not exist yet:
// the hash is written before the reservation, and a losing creation cleans
// its hash up instead of leaving residue behind.
func TestCreateRoomLoserLeavesNoResidue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	token := uniqueToken(t)

	winner := store.Room{ID: "room-" + token, Token: token, HostUserID: "u1", StartedAt: time.Now().UTC()}
	if _, err := s.CreateRoom(ctx, winner); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	loser := winner
	loser.ID = "room-loser-" + token
	if _, err := s.CreateRoom(ctx, loser); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	n, err := s.client.Exists(ctx, roomKey(loser.ID)).Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if n != 0 {
		t.Error("losing room hash left behind")
	}

	got, err := s.GetRoomByToken(ctx, token)
	if err != nil {
		t.Fatalf("GetRoomByToken failed: %v", err)
	}
	if got.ID != winner.ID {
		t.Errorf("token resolves to %q, want winner %q", got.ID, winner.ID)
	}
}

func TestRosterAndSignalRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	token := uniqueToken(t)

	room, err := s.CreateRoom(ctx, store.Room{
		ID: "room-" + token, Token: token, HostUserID: "u1", StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	var (
		mu      sync.Mutex
		signals []store.Signal
		joined  []string
	)
	sub, err := s.Subscribe(ctx, room.ID, "peer-b", store.Sink{
		OnSignal: func(sig store.Signal) {
			mu.Lock()
			signals = append(signals, sig)
			mu.Unlock()
		},
		OnParticipantJoined: func(p store.Participant) {
			mu.Lock()
			joined = append(joined, p.PeerID)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	p := store.Participant{
		ID: "part-a", RoomID: room.ID, UserID: "u2", PeerID: "peer-a",
		DisplayName: "A", AudioEnabled: true, VideoEnabled: true, JoinedAt: time.Now().UTC(),
	}
	if _, err := s.AddParticipant(ctx, p); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	err = s.InsertSignal(ctx, store.Signal{
		RoomID: room.ID, FromPeer: "peer-a", ToPeer: "peer-b",
		Kind: "offer", Payload: `{"sdp":{}}`, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertSignal failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(signals) == 1 && len(joined) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 || signals[0].Kind != "offer" {
		t.Fatalf("expected one offer signal, got %v", signals)
	}
	if len(joined) != 1 || joined[0] != "peer-a" {
		t.Fatalf("expected roster event for peer-a, got %v", joined)
	}
}

func TestListActiveParticipantsExcludesDeparted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	token := uniqueToken(t)

	room, err := s.CreateRoom(ctx, store.Room{
		ID: "room-" + token, Token: token, HostUserID: "u1", StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	for _, peer := range []string{"a", "b"} {
		p := store.Participant{
			ID: "part-" + peer, RoomID: room.ID, UserID: "u-" + peer, PeerID: peer,
			DisplayName: peer, AudioEnabled: true, VideoEnabled: true, JoinedAt: time.Now().UTC(),
		}
		if _, err := s.AddParticipant(ctx, p); err != nil {
			t.Fatalf("AddParticipant(%s) failed: %v", peer, err)
		}
	}

	if err := s.MarkParticipantLeft(ctx, room.ID, "a", time.Now().UTC()); err != nil {
		t.Fatalf("MarkParticipantLeft failed: %v", err)
	}

	active, err := s.ListActiveParticipants(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListActiveParticipants failed: %v", err)
	}
	if len(active) != 1 || active[0].PeerID != "b" {
		t.Fatalf("expected only peer b active, got %v", active)
	}
}
