package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/websocket"

	"github.com/huddlekit/huddle/internal/store"
)

// Server exposes a backing Store on GET /sync. Credentials map usernames to
// bcrypt hashes; an empty map disables auth, for local use only.
type Server struct {
	store store.Store
	creds map[string]string
}

func NewServer(st store.Store, creds map[string]string) *Server {
	return &Server{store: st, creds: creds}
}

// Handler builds the route table. Split from Run so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	syncHandler := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.syncWS,
	}
	mux.Handle("GET /sync", syncHandler)
	return s.basicAuth(mux)
}

// Run serves until SIGINT/SIGTERM, then drains with a timeout.
func (s *Server) Run(addr string) error {
	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 500 * time.Millisecond,
		Handler:           s.Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("relay: listening on %s", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down: %w", err)
	}
	log.Println("relay: graceful shutdown complete")
	return nil
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.creds) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok {
			writeAuthError(w)
			return
		}
		hash, known := s.creds[username]
		if !known || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			log.Printf("relay: rejected credentials for %q", username)
			writeAuthError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="huddle-relay"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// syncWS serves one client connection: a request/response loop with
// subscription events pushed in between. Responses and events share the
// socket, serialized by the write mutex.
func (s *Server) syncWS(ws *websocket.Conn) {
	c := &serverConn{server: s, ws: ws, subs: make(map[uint64]store.Subscription)}
	defer c.cleanup()

	for {
		var f frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			if err != io.EOF {
				log.Printf("relay: error reading frame: %v", err)
			}
			return
		}
		c.dispatch(ws.Request().Context(), f)
	}
}

type serverConn struct {
	server  *Server
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]store.Subscription
}

func (c *serverConn) cleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	if err := c.ws.Close(); err != nil {
		log.Printf("relay: error closing ws: %v", err)
	}
}

func (c *serverConn) dispatch(ctx context.Context, f frame) {
	body, err := c.handle(ctx, f)
	if err != nil {
		c.write(frame{ID: f.ID, Error: err.Error(), Code: codeFor(err)})
		return
	}
	c.write(frame{ID: f.ID, Body: body})
}

func (c *serverConn) handle(ctx context.Context, f frame) (json.RawMessage, error) {
	st := c.server.store
	switch f.Op {
	case opCreateRoom:
		var room store.Room
		if err := json.Unmarshal(f.Body, &room); err != nil {
			return nil, err
		}
		created, err := st.CreateRoom(ctx, room)
		if err != nil {
			return nil, err
		}
		return encodeBody(created)
	case opGetRoom:
		var body getRoomBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		room, err := st.GetRoomByToken(ctx, body.Token)
		if err != nil {
			return nil, err
		}
		return encodeBody(room)
	case opEndRoom:
		var body endRoomBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		return nil, st.EndRoom(ctx, body.RoomID, body.EndedAt)
	case opAddParticipant:
		var p store.Participant
		if err := json.Unmarshal(f.Body, &p); err != nil {
			return nil, err
		}
		added, err := st.AddParticipant(ctx, p)
		if err != nil {
			return nil, err
		}
		return encodeBody(added)
	case opUpdateMedia:
		var body updateMediaBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		return nil, st.UpdateParticipantMedia(ctx, body.RoomID, body.PeerID, body.Audio, body.Video, body.Screen)
	case opMarkLeft:
		var body markLeftBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		return nil, st.MarkParticipantLeft(ctx, body.RoomID, body.PeerID, body.LeftAt)
	case opListActive:
		var body listActiveBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		active, err := st.ListActiveParticipants(ctx, body.RoomID)
		if err != nil {
			return nil, err
		}
		return encodeBody(active)
	case opInsertSignal:
		var sig store.Signal
		if err := json.Unmarshal(f.Body, &sig); err != nil {
			return nil, err
		}
		return nil, st.InsertSignal(ctx, sig)
	case opSubscribe:
		var body subscribeBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		return c.subscribe(ctx, f.ID, body)
	case opUnsubscribe:
		var body unsubscribeBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return nil, err
		}
		return nil, c.unsubscribe(body.Sub)
	}
	return nil, fmt.Errorf("unknown op %q", f.Op)
}

// subscribe attaches a sink that forwards insert events down the socket.
// The request id doubles as the subscription id for unsubscribe.
func (c *serverConn) subscribe(ctx context.Context, id uint64, body subscribeBody) (json.RawMessage, error) {
	sink := store.Sink{
		OnSignal: func(sig store.Signal) {
			c.pushEvent(eventSignal, sig)
		},
		OnParticipantJoined: func(p store.Participant) {
			c.pushEvent(eventParticipant, p)
		},
	}
	sub, err := c.server.store.Subscribe(ctx, body.RoomID, body.PeerID, sink)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		_ = sub.Close()
		return nil, store.ErrClosed
	}
	c.subs[id] = sub
	c.mu.Unlock()
	return encodeBody(subscribedBody{Sub: id})
}

func (c *serverConn) unsubscribe(id uint64) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return sub.Close()
}

func (c *serverConn) pushEvent(event string, payload any) {
	body, err := encodeBody(payload)
	if err != nil {
		log.Printf("relay: error encoding %s event: %v", event, err)
		return
	}
	c.write(frame{Event: event, Body: body})
}

func (c *serverConn) write(f frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := websocket.JSON.Send(c.ws, f); err != nil {
		log.Printf("relay: error writing frame: %v", err)
	}
}
