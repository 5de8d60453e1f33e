package session

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/huddlekit/huddle/internal/signaling"
	"github.com/huddlekit/huddle/internal/store"
)

// SendChat appends the message to the local log immediately, then fans it
// out to every active remote peer over the signaling channel. A failed send
// to one peer does not unwind the local append or the other sends.
func (s *Session) SendChat(ctx context.Context, text string) (signaling.ChatMessage, error) {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return signaling.ChatMessage{}, ErrNotJoined
	}
	msg := signaling.ChatMessage{
		ID:          uuid.NewString(),
		FromPeerID:  s.peerID,
		FromUserID:  s.opts.UserID,
		DisplayName: s.opts.DisplayName,
		Text:        text,
		SentAt:      time.Now().UTC(),
	}
	s.chatLog = append(s.chatLog, msg)
	me := s.peerID
	roomID := s.room.ID
	recipients := make([]store.Participant, len(s.roster))
	copy(recipients, s.roster)
	s.mu.Unlock()

	if s.opts.OnChat != nil {
		s.opts.OnChat(msg)
	}
	for _, p := range recipients {
		if p.PeerID == me {
			continue
		}
		if err := s.transport.Send(ctx, roomID, me, p.PeerID, signaling.KindChat, msg); err != nil {
			log.Printf("session: error sending chat to %s: %v", p.PeerID, err)
		}
	}
	return msg, nil
}

// ChatLog returns the session's message history in arrival order.
func (s *Session) ChatLog() []signaling.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]signaling.ChatMessage, len(s.chatLog))
	copy(snapshot, s.chatLog)
	return snapshot
}
