// Package sqlite implements the room backend on an embedded SQLite
// database. Row inserts are fanned out to in-process subscribers, which
// covers single-process deployments, tests, and the relay server that
// shares one database between remote clients.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/huddlekit/huddle/internal/store"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store implements store.Store on a SQLite database file (or ":memory:").
type Store struct {
	db  *sql.DB
	hub *store.Hub
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path, creating the file and tables if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error pinging db: %w", err)
	}
	// modernc's driver is not safe for concurrent writes over multiple conns
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("error creating tables: %w", err)
	}
	return &Store{db: db, hub: store.NewHub()}, nil
}

func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	if room.Status == "" {
		room.Status = store.RoomActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, token, host_user_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		room.ID, room.Token, room.HostUserID, string(room.Status), room.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return store.Room{}, mapError(err)
	}
	return room, nil
}

func (s *Store) GetRoomByToken(ctx context.Context, token string) (store.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, token, host_user_id, status, started_at, ended_at FROM rooms WHERE token = ?`, token)

	var (
		room      store.Room
		status    string
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&room.ID, &room.Token, &room.HostUserID, &status, &startedAt, &endedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.Room{}, store.ErrNotFound
		}
		return store.Room{}, fmt.Errorf("error querying room: %w", err)
	}
	room.Status = store.RoomStatus(status)
	if room.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return store.Room{}, fmt.Errorf("error parsing started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return store.Room{}, fmt.Errorf("error parsing ended_at: %w", err)
		}
		room.EndedAt = &t
	}
	return room, nil
}

func (s *Store) EndRoom(ctx context.Context, roomID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = ?, ended_at = ? WHERE id = ?`,
		string(store.RoomEnded), endedAt.UTC().Format(time.RFC3339Nano), roomID)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) AddParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants
		 (id, room_id, user_id, peer_id, display_name, is_host, audio_enabled, video_enabled, screen_sharing, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoomID, p.UserID, p.PeerID, p.DisplayName,
		boolInt(p.IsHost), boolInt(p.AudioEnabled), boolInt(p.VideoEnabled), boolInt(p.ScreenSharing),
		p.JoinedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return store.Participant{}, mapError(err)
	}
	s.hub.PublishParticipant(p)
	return p, nil
}

func (s *Store) UpdateParticipantMedia(ctx context.Context, roomID, peerID string, audio, video, screen bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET audio_enabled = ?, video_enabled = ?, screen_sharing = ?
		 WHERE room_id = ? AND peer_id = ?`,
		boolInt(audio), boolInt(video), boolInt(screen), roomID, peerID)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) MarkParticipantLeft(ctx context.Context, roomID, peerID string, leftAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET left_at = ? WHERE room_id = ? AND peer_id = ? AND left_at IS NULL`,
		leftAt.UTC().Format(time.RFC3339Nano), roomID, peerID)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Store) ListActiveParticipants(ctx context.Context, roomID string) ([]store.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, peer_id, display_name, is_host, audio_enabled, video_enabled, screen_sharing, joined_at
		 FROM participants WHERE room_id = ? AND left_at IS NULL ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("error querying participants: %w", err)
	}
	defer rows.Close()

	var out []store.Participant
	for rows.Next() {
		var (
			p                            store.Participant
			isHost, audio, video, screen int
			joinedAt                     string
		)
		err := rows.Scan(&p.ID, &p.RoomID, &p.UserID, &p.PeerID, &p.DisplayName,
			&isHost, &audio, &video, &screen, &joinedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning participant: %w", err)
		}
		p.IsHost, p.AudioEnabled, p.VideoEnabled, p.ScreenSharing = isHost != 0, audio != 0, video != 0, screen != 0
		if p.JoinedAt, err = time.Parse(time.RFC3339Nano, joinedAt); err != nil {
			return nil, fmt.Errorf("error parsing joined_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertSignal(ctx context.Context, sig store.Signal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (room_id, from_peer, to_peer, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sig.RoomID, sig.FromPeer, sig.ToPeer, sig.Kind, sig.Payload, sig.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return mapError(err)
	}
	s.hub.PublishSignal(sig)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, roomID, peerID string, sink store.Sink) (store.Subscription, error) {
	return s.hub.Attach(roomID, peerID, sink)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapError converts driver errors to the store sentinels where possible.
// modernc/sqlite reports constraint violations only through the message
// text. Only UNIQUE violations become ErrConflict; a NOT NULL or foreign
// key failure is a caller bug, not a losable race.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}
