package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/huddlekit/huddle/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "huddle.sqlite"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRoom(token string) store.Room {
	return store.Room{
		ID:         "room-" + token,
		Token:      token,
		HostUserID: "user-1",
		Status:     store.RoomActive,
		StartedAt:  time.Now().UTC(),
	}
}

func newParticipant(roomID, peerID string) store.Participant {
	return store.Participant{
		ID:           "part-" + peerID,
		RoomID:       roomID,
		UserID:       "user-" + peerID,
		PeerID:       peerID,
		DisplayName:  "Peer " + peerID,
		AudioEnabled: true,
		VideoEnabled: true,
		JoinedAt:     time.Now().UTC(),
	}
}

func TestCreateRoomAndGetByToken(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	got, err := s.GetRoomByToken(ctx, "standup-1")
	if err != nil {
		t.Fatalf("GetRoomByToken failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected room id %q, got %q", created.ID, got.ID)
	}
	if got.Status != store.RoomActive {
		t.Errorf("expected status active, got %q", got.Status)
	}
	if got.EndedAt != nil {
		t.Errorf("expected nil ended_at, got %v", got.EndedAt)
	}
}

func TestGetRoomByTokenNotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.GetRoomByToken(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRoomDuplicateTokenConflicts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.CreateRoom(ctx, newRoom("standup-1")); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	second := newRoom("standup-1")
	second.ID = "room-other"
	_, err := s.CreateRoom(ctx, second)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// the original row must be untouched
	got, err := s.GetRoomByToken(ctx, "standup-1")
	if err != nil {
		t.Fatalf("GetRoomByToken failed: %v", err)
	}
	if got.ID != "room-standup-1" {
		t.Errorf("expected original room to win, got %q", got.ID)
	}
}

// Only UNIQUE violations signal a losable creation race; other constraint
// failures must surface as plain errors or callers would retry a bug.
func TestMapErrorOnlyTreatsUniqueAsConflict(t *testing.T) {
	unique := errors.New("constraint failed: UNIQUE constraint failed: rooms.token (2067)")
	if !errors.Is(mapError(unique), store.ErrConflict) {
		t.Error("UNIQUE violation not mapped to ErrConflict")
	}

	notNull := errors.New("constraint failed: NOT NULL constraint failed: rooms.token (1299)")
	if errors.Is(mapError(notNull), store.ErrConflict) {
		t.Error("NOT NULL violation mapped to ErrConflict")
	}

	fk := errors.New("constraint failed: FOREIGN KEY constraint failed (787)")
	if errors.Is(mapError(fk), store.ErrConflict) {
		t.Error("foreign key violation mapped to ErrConflict")
	}

	if mapError(nil) != nil {
		t.Error("nil error not passed through")
	}
}

func TestEndRoom(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if err := s.EndRoom(ctx, room.ID, time.Now().UTC()); err != nil {
		t.Fatalf("EndRoom failed: %v", err)
	}

	got, err := s.GetRoomByToken(ctx, "standup-1")
	if err != nil {
		t.Fatalf("GetRoomByToken failed: %v", err)
	}
	if got.Status != store.RoomEnded {
		t.Errorf("expected status ended, got %q", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
}

func TestListActiveParticipantsExcludesDeparted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	for _, peer := range []string{"a", "b", "c"} {
		if _, err := s.AddParticipant(ctx, newParticipant(room.ID, peer)); err != nil {
			t.Fatalf("AddParticipant(%s) failed: %v", peer, err)
		}
	}

	if err := s.MarkParticipantLeft(ctx, room.ID, "b", time.Now().UTC()); err != nil {
		t.Fatalf("MarkParticipantLeft failed: %v", err)
	}

	active, err := s.ListActiveParticipants(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListActiveParticipants failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active participants, got %d", len(active))
	}
	for _, p := range active {
		if p.PeerID == "b" {
			t.Error("departed participant still listed as active")
		}
	}
}

func TestMarkParticipantLeftTwice(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if _, err := s.AddParticipant(ctx, newParticipant(room.ID, "a")); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	if err := s.MarkParticipantLeft(ctx, room.ID, "a", time.Now().UTC()); err != nil {
		t.Fatalf("first MarkParticipantLeft failed: %v", err)
	}
	err = s.MarkParticipantLeft(ctx, room.ID, "a", time.Now().UTC())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second leave, got %v", err)
	}
}

func TestUpdateParticipantMedia(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if _, err := s.AddParticipant(ctx, newParticipant(room.ID, "a")); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	if err := s.UpdateParticipantMedia(ctx, room.ID, "a", false, true, true); err != nil {
		t.Fatalf("UpdateParticipantMedia failed: %v", err)
	}

	active, err := s.ListActiveParticipants(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListActiveParticipants failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(active))
	}
	p := active[0]
	if p.AudioEnabled || !p.VideoEnabled || !p.ScreenSharing {
		t.Errorf("unexpected media flags: audio=%v video=%v screen=%v",
			p.AudioEnabled, p.VideoEnabled, p.ScreenSharing)
	}
}

func TestSignalDeliveryFiltering(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	var (
		mu   sync.Mutex
		gotA []store.Signal
		gotB []store.Signal
	)
	subA, err := s.Subscribe(ctx, room.ID, "peer-a", store.Sink{OnSignal: func(sig store.Signal) {
		mu.Lock()
		gotA = append(gotA, sig)
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Subscribe(a) failed: %v", err)
	}
	defer subA.Close()
	subB, err := s.Subscribe(ctx, room.ID, "peer-b", store.Sink{OnSignal: func(sig store.Signal) {
		mu.Lock()
		gotB = append(gotB, sig)
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Subscribe(b) failed: %v", err)
	}
	defer subB.Close()

	sig := store.Signal{
		RoomID:    room.ID,
		FromPeer:  "peer-a",
		ToPeer:    "peer-b",
		Kind:      "chat",
		Payload:   `{"text":"hello"}`,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertSignal(ctx, sig); err != nil {
		t.Fatalf("InsertSignal failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	}, "signal delivered to recipient")

	mu.Lock()
	defer mu.Unlock()
	if len(gotA) != 0 {
		t.Errorf("signal addressed to peer-b was delivered to peer-a: %v", gotA)
	}
	if gotB[0].Payload != `{"text":"hello"}` {
		t.Errorf("unexpected payload: %q", gotB[0].Payload)
	}
}

func TestSignalOrderPreservedPerSender(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	var (
		mu    sync.Mutex
		kinds []string
	)
	sub, err := s.Subscribe(ctx, room.ID, "peer-b", store.Sink{OnSignal: func(sig store.Signal) {
		mu.Lock()
		kinds = append(kinds, sig.Kind)
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	want := []string{"offer", "ice-candidate", "ice-candidate", "ice-candidate"}
	for _, kind := range want {
		err := s.InsertSignal(ctx, store.Signal{
			RoomID: room.ID, FromPeer: "peer-a", ToPeer: "peer-b",
			Kind: kind, Payload: "{}", CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("InsertSignal(%s) failed: %v", kind, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == len(want)
	}, "all signals delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("signal %d: expected %q, got %q (order broken)", i, kind, kinds[i])
		}
	}
}

func TestParticipantInsertNotifiesRoomSubscribers(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	var (
		mu     sync.Mutex
		joined []string
	)
	sub, err := s.Subscribe(ctx, room.ID, "peer-a", store.Sink{OnParticipantJoined: func(p store.Participant) {
		mu.Lock()
		joined = append(joined, p.PeerID)
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := s.AddParticipant(ctx, newParticipant(room.ID, "b")); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(joined) == 1 && joined[0] == "b"
	}, "roster event delivered")
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, newRoom("standup-1"))
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	var (
		mu  sync.Mutex
		got int
	)
	sub, err := s.Subscribe(ctx, room.ID, "peer-b", store.Sink{OnSignal: func(store.Signal) {
		mu.Lock()
		got++
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err = s.InsertSignal(ctx, store.Signal{
		RoomID: room.ID, FromPeer: "peer-a", ToPeer: "peer-b",
		Kind: "chat", Payload: "{}", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertSignal failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if got != 0 {
		t.Errorf("closed subscription still received %d signals", got)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
