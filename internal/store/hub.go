package store

import (
	"log"
	"sync"
)

// event is one insert notification queued for a subscriber.
type event struct {
	signal      *Signal
	participant *Participant
}

// subscriber is one attached sink with its delivery queue. Each subscriber
// drains its queue from a dedicated goroutine, which keeps per-sender order
// intact without letting a slow sink block the inserting caller.
type subscriber struct {
	hub    *Hub
	id     uint64
	roomID string
	peerID string
	sink   Sink
	queue  chan event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) Close() error {
	s.once.Do(func() {
		s.hub.detach(s.id)
		close(s.done)
	})
	return nil
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			switch {
			case ev.signal != nil && s.sink.OnSignal != nil:
				s.sink.OnSignal(*ev.signal)
			case ev.participant != nil && s.sink.OnParticipantJoined != nil:
				s.sink.OnParticipantJoined(*ev.participant)
			}
		}
	}
}

// Hub fans insert events out to attached subscribers. Backends that own
// their rows in-process (sqlite, in-memory fakes) embed one to implement
// Store.Subscribe; networked backends push events from their own feeds.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Attach registers a sink filtered to signals addressed to peerID and
// participant inserts in roomID.
func (h *Hub) Attach(roomID, peerID string, sink Sink) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	sub := &subscriber{
		hub:    h,
		id:     h.nextID,
		roomID: roomID,
		peerID: peerID,
		sink:   sink,
		queue:  make(chan event, 256),
		done:   make(chan struct{}),
	}
	h.subs[sub.id] = sub
	go sub.run()
	return sub, nil
}

func (h *Hub) detach(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// PublishSignal delivers a signal row to the subscription matching its
// recipient. Delivery is at-most-once: if a subscriber's queue is full the
// event is dropped and logged rather than blocking the insert path.
func (h *Hub) PublishSignal(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.roomID != sig.RoomID || sub.peerID != sig.ToPeer {
			continue
		}
		select {
		case sub.queue <- event{signal: &sig}:
		default:
			log.Printf("store: dropping %s signal for peer %s, queue full", sig.Kind, sig.ToPeer)
		}
	}
}

// PublishParticipant delivers a participant insert to every subscription in
// the participant's room.
func (h *Hub) PublishParticipant(p Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.roomID != p.RoomID {
			continue
		}
		select {
		case sub.queue <- event{participant: &p}:
		default:
			log.Printf("store: dropping roster event for room %s, queue full", p.RoomID)
		}
	}
}

// Close detaches every subscriber. Further Attach calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
}
