package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/huddlekit/huddle/internal/store"
)

// Client is a store.Store backed by a relay server. Requests are matched to
// responses by frame id; pushed insert events fan out through a local hub,
// which keeps delivery ordered and off the read loop so a slow handler
// cannot stall request/response traffic.
type Client struct {
	ws  *websocket.Conn
	hub *store.Hub

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	closed  bool

	readDone chan struct{}
}

var _ store.Store = (*Client)(nil)

// Dial connects to a relay server's /sync endpoint. wsURL uses the ws:// or
// wss:// scheme. Credentials are sent as basic auth; leave both empty for
// an unauthenticated server.
func Dial(wsURL, origin, username, password string) (*Client, error) {
	config, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("error configuring relay dial: %w", err)
	}
	if username != "" || password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		config.Header = http.Header{"Authorization": []string{"Basic " + token}}
	}

	ws, err := websocket.DialConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error dialing relay: %w", err)
	}

	c := &Client{
		ws:       ws,
		hub:      store.NewHub(),
		pending:  make(map[uint64]chan frame),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		var f frame
		if err := websocket.JSON.Receive(c.ws, &f); err != nil {
			if err != io.EOF {
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if !closed {
					log.Printf("relay: error reading frame: %v", err)
				}
			}
			c.failPending()
			return
		}

		if f.Event != "" {
			c.deliverEvent(f)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *Client) deliverEvent(f frame) {
	switch f.Event {
	case eventSignal:
		var sig store.Signal
		if err := json.Unmarshal(f.Body, &sig); err != nil {
			log.Printf("relay: error decoding signal event: %v", err)
			return
		}
		c.hub.PublishSignal(sig)
	case eventParticipant:
		var p store.Participant
		if err := json.Unmarshal(f.Body, &p); err != nil {
			log.Printf("relay: error decoding participant event: %v", err)
			return
		}
		c.hub.PublishParticipant(p)
	default:
		log.Printf("relay: ignoring unknown event %q", f.Event)
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan frame)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- frame{Error: "connection lost", Code: ""}
	}
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, op string, body any, result any) error {
	encoded, err := encodeBody(body)
	if err != nil {
		return fmt.Errorf("error encoding %s request: %w", op, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return store.ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = websocket.JSON.Send(c.ws, frame{ID: id, Op: op, Body: encoded})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("error sending %s request: %w", op, err)
	}

	var resp frame
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp = <-ch:
	}

	if resp.Error != "" {
		return fmt.Errorf("%s: %w", op, errorFor(resp.Code, resp.Error))
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("error decoding %s response: %w", op, err)
		}
	}
	return nil
}

func (c *Client) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	var created store.Room
	if err := c.call(ctx, opCreateRoom, room, &created); err != nil {
		return store.Room{}, err
	}
	return created, nil
}

func (c *Client) GetRoomByToken(ctx context.Context, token string) (store.Room, error) {
	var room store.Room
	if err := c.call(ctx, opGetRoom, getRoomBody{Token: token}, &room); err != nil {
		return store.Room{}, err
	}
	return room, nil
}

func (c *Client) EndRoom(ctx context.Context, roomID string, endedAt time.Time) error {
	return c.call(ctx, opEndRoom, endRoomBody{RoomID: roomID, EndedAt: endedAt}, nil)
}

func (c *Client) AddParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	var added store.Participant
	if err := c.call(ctx, opAddParticipant, p, &added); err != nil {
		return store.Participant{}, err
	}
	return added, nil
}

func (c *Client) UpdateParticipantMedia(ctx context.Context, roomID, peerID string, audio, video, screen bool) error {
	return c.call(ctx, opUpdateMedia, updateMediaBody{
		RoomID: roomID, PeerID: peerID, Audio: audio, Video: video, Screen: screen,
	}, nil)
}

func (c *Client) MarkParticipantLeft(ctx context.Context, roomID, peerID string, leftAt time.Time) error {
	return c.call(ctx, opMarkLeft, markLeftBody{RoomID: roomID, PeerID: peerID, LeftAt: leftAt}, nil)
}

func (c *Client) ListActiveParticipants(ctx context.Context, roomID string) ([]store.Participant, error) {
	var active []store.Participant
	if err := c.call(ctx, opListActive, listActiveBody{RoomID: roomID}, &active); err != nil {
		return nil, err
	}
	return active, nil
}

func (c *Client) InsertSignal(ctx context.Context, sig store.Signal) error {
	return c.call(ctx, opInsertSignal, sig, nil)
}

func (c *Client) Subscribe(ctx context.Context, roomID, peerID string, sink store.Sink) (store.Subscription, error) {
	var subscribed subscribedBody
	if err := c.call(ctx, opSubscribe, subscribeBody{RoomID: roomID, PeerID: peerID}, &subscribed); err != nil {
		return nil, err
	}
	local, err := c.hub.Attach(roomID, peerID, sink)
	if err != nil {
		_ = c.call(ctx, opUnsubscribe, unsubscribeBody{Sub: subscribed.Sub}, nil)
		return nil, err
	}
	return &clientSubscription{client: c, remote: subscribed.Sub, local: local}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.Close()
	err := c.ws.Close()
	<-c.readDone
	return err
}

type clientSubscription struct {
	client *Client
	remote uint64
	local  store.Subscription
	once   sync.Once
}

func (s *clientSubscription) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.local.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.client.call(ctx, opUnsubscribe, unsubscribeBody{Sub: s.remote}, nil)
	})
	return err
}
