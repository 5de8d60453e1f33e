package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/huddlekit/huddle/internal/signaling"
)

func TestChatReachesTheOtherParty(t *testing.T) {
	st := newMemStore()
	defer st.Close()

	var (
		mu       sync.Mutex
		received []signaling.ChatMessage
	)

	abe := newFixture(st, "abe")
	abe.sess.opts.OnChat = func(m signaling.ChatMessage) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	}
	mustJoin(t, abe)

	bea := newFixture(st, "bea")
	mustJoin(t, bea)

	waitFor(t, func() bool { return len(abe.sess.Roster()) == 2 }, "rosters to converge")
	waitFor(t, func() bool { return len(bea.sess.Roster()) == 2 }, "joiner roster to converge")

	sent, err := bea.sess.SendChat(context.Background(), "hello from bea")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	// sender sees it immediately, before any delivery round trip
	log := bea.sess.ChatLog()
	if len(log) != 1 || log[0].ID != sent.ID {
		t.Fatalf("sender chat log = %+v, want the sent message", log)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "recipient chat callback")

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.ID != sent.ID || got.Text != "hello from bea" || got.DisplayName != "bea" {
		t.Fatalf("received = %+v, want %+v", got, sent)
	}

	remote := abe.sess.ChatLog()
	if len(remote) != 1 || remote[0].ID != sent.ID {
		t.Fatalf("recipient chat log = %+v, want the sent message", remote)
	}
}

func TestSendChatRequiresJoin(t *testing.T) {
	st := newMemStore()
	defer st.Close()

	f := newFixture(st, "abe")
	if _, err := f.sess.SendChat(context.Background(), "too early"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("SendChat = %v, want ErrNotJoined", err)
	}
}
