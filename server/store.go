// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/lib/sqlitepool"
	"github.com/jobdeck/chat/wire"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	direct_key TEXT UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS room_participants (
	room_id      TEXT NOT NULL REFERENCES rooms(id),
	user_id      TEXT NOT NULL,
	last_read_id INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS room_participants_by_user
	ON room_participants(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY,
	room_id     TEXT NOT NULL REFERENCES rooms(id),
	sender_id   TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	content     TEXT NOT NULL,
	reply_to    INTEGER,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_by_room
	ON messages(room_id, id);
`

// Store is the persistent side of the chat server: rooms, membership,
// messages, and per-user read positions, all in one SQLite database.
//
// Message ids are the messages table rowid, so they are unique,
// monotonically increasing per insert, and usable directly as
// pagination cursors. Timestamps are stored as unix milliseconds.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a store.
type StoreConfig struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection count. Defaults to 4.
	PoolSize int

	// Clock provides message timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// OpenStore opens the database, creating the schema if needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("chat store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("chat store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		Schema: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateRoom creates a room with the given id, kind, and participants.
// Used for job rooms, whose ids and membership come from the job
// system.
func (s *Store) CreateRoom(ctx context.Context, roomID string, kind wire.RoomKind, participants []string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chat store: create room: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("chat store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO rooms (id, kind, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, string(kind), s.clock.Now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("chat store: inserting room %s: %w", roomID, err)
	}
	for _, userID := range participants {
		if err := s.insertParticipant(conn, roomID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertParticipant(conn *sqlite.Conn, roomID, userID string) error {
	err := sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{roomID, userID}})
	if err != nil {
		return fmt.Errorf("chat store: adding %s to room %s: %w", userID, roomID, err)
	}
	return nil
}

// directKey is the canonical identity of a direct room: the two user
// ids, sorted. The UNIQUE constraint on it makes get-or-create
// idempotent per pair.
func directKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// GetOrCreateDirectRoom returns the direct room for a user pair,
// creating it on first use. created reports which happened.
func (s *Store) GetOrCreateDirectRoom(ctx context.Context, userA, userB string) (room wire.Room, created bool, err error) {
	if userA == userB {
		return wire.Room{}, false, fmt.Errorf("chat store: direct room with self")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wire.Room{}, false, fmt.Errorf("chat store: direct room: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return wire.Room{}, false, fmt.Errorf("chat store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	key := directKey(userA, userB)
	var existingID string
	err = sqlitex.Execute(conn,
		`SELECT id FROM rooms WHERE direct_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existingID = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return wire.Room{}, false, fmt.Errorf("chat store: looking up direct room: %w", err)
	}
	if existingID != "" {
		return wire.Room{
			ID:           existingID,
			Kind:         wire.RoomKindDirect,
			Participants: sortedPair(userA, userB),
		}, false, nil
	}

	roomID := "direct-" + uuid.NewString()
	err = sqlitex.Execute(conn,
		`INSERT INTO rooms (id, kind, direct_key, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, string(wire.RoomKindDirect), key, s.clock.Now().UnixMilli()},
		})
	if err != nil {
		return wire.Room{}, false, fmt.Errorf("chat store: creating direct room: %w", err)
	}
	for _, userID := range sortedPair(userA, userB) {
		if err := s.insertParticipant(conn, roomID, userID); err != nil {
			return wire.Room{}, false, err
		}
	}

	return wire.Room{
		ID:           roomID,
		Kind:         wire.RoomKindDirect,
		Participants: sortedPair(userA, userB),
	}, true, nil
}

func sortedPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

// IsParticipant reports whether the user belongs to the room.
func (s *Store) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("chat store: membership check: %w", err)
	}
	defer s.pool.Put(conn)

	var member bool
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM room_participants WHERE room_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, userID},
			ResultFunc: func(*sqlite.Stmt) error {
				member = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("chat store: membership check: %w", err)
	}
	return member, nil
}

// Participants returns the room's member user ids, sorted.
func (s *Store) Participants(ctx context.Context, roomID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: participants: %w", err)
	}
	defer s.pool.Put(conn)

	var users []string
	err = sqlitex.Execute(conn,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				users = append(users, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: participants of %s: %w", roomID, err)
	}
	return users, nil
}

// InsertMessage persists a message and returns it with its assigned id
// and timestamp.
func (s *Store) InsertMessage(ctx context.Context, roomID, senderID, senderName, content string, replyTo int64) (wire.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wire.Message{}, fmt.Errorf("chat store: insert message: %w", err)
	}
	defer s.pool.Put(conn)

	createdAt := s.clock.Now()
	var replyArg any
	if replyTo > 0 {
		replyArg = replyTo
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO messages (room_id, sender_id, sender_name, content, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, senderID, senderName, content, replyArg, createdAt.UnixMilli()},
		})
	if err != nil {
		return wire.Message{}, fmt.Errorf("chat store: inserting message in %s: %w", roomID, err)
	}

	return wire.Message{
		ID:         conn.LastInsertRowID(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		ReplyTo:    replyTo,
		CreatedAt:  createdAt,
		Status:     wire.StatusSent,
	}, nil
}

// History returns a page of messages in descending id order. before
// and after are exclusive cursors; zero means unbounded. The page size
// is clamped to wire.MaxPageSize, and one extra row is fetched to
// decide HasMore without a second query.
func (s *Store) History(ctx context.Context, roomID string, before, after int64, limit int) (*wire.HistoryPage, error) {
	if limit <= 0 {
		limit = wire.DefaultPageSize
	}
	if limit > wire.MaxPageSize {
		limit = wire.MaxPageSize
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: history: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT id, sender_id, sender_name, content, reply_to, created_at
		FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, before)
	}
	if after > 0 {
		query += ` AND id > ?`
		args = append(args, after)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	page := &wire.HistoryPage{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if len(page.Messages) == limit {
				page.HasMore = true
				return nil
			}
			page.Messages = append(page.Messages, readMessage(stmt, roomID))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat store: history of %s: %w", roomID, err)
	}

	if n := len(page.Messages); n > 0 {
		page.NewestID = page.Messages[0].ID
		page.OldestID = page.Messages[n-1].ID
	}
	return page, nil
}

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func readMessage(stmt *sqlite.Stmt, roomID string) wire.Message {
	return wire.Message{
		ID:         stmt.ColumnInt64(0),
		RoomID:     roomID,
		SenderID:   stmt.ColumnText(1),
		SenderName: stmt.ColumnText(2),
		Content:    stmt.ColumnText(3),
		ReplyTo:    stmt.ColumnInt64(4),
		CreatedAt:  unixMilli(stmt.ColumnInt64(5)),
		Status:     wire.StatusSent,
	}
}

// RoomsForUser returns every room the user belongs to, with the
// last-message summary and the user's unread count. Own messages never
// count as unread.
func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]wire.Room, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat store: rooms for user: %w", err)
	}
	defer s.pool.Put(conn)

	type roomRow struct {
		room       wire.Room
		lastReadID int64
	}
	var rows []roomRow
	err = sqlitex.Execute(conn,
		`SELECT r.id, r.kind, p.last_read_id
		 FROM rooms r JOIN room_participants p ON p.room_id = r.id
		 WHERE p.user_id = ? ORDER BY r.id`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, roomRow{
					room: wire.Room{
						ID:   stmt.ColumnText(0),
						Kind: wire.RoomKind(stmt.ColumnText(1)),
					},
					lastReadID: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: rooms for %s: %w", userID, err)
	}

	rooms := make([]wire.Room, 0, len(rows))
	for _, row := range rows {
		room := row.room

		room.Participants, err = s.participantsOn(conn, room.ID)
		if err != nil {
			return nil, err
		}

		err = sqlitex.Execute(conn,
			`SELECT sender_id, sender_name, content, created_at FROM messages
			 WHERE room_id = ? ORDER BY id DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{room.ID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					room.LastMessage = &wire.LastMessage{
						SenderID:   stmt.ColumnText(0),
						SenderName: stmt.ColumnText(1),
						Content:    stmt.ColumnText(2),
						SentAt:     unixMilli(stmt.ColumnInt64(3)),
					}
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("chat store: last message of %s: %w", room.ID, err)
		}

		err = sqlitex.Execute(conn,
			`SELECT COUNT(*) FROM messages
			 WHERE room_id = ? AND id > ? AND sender_id != ?`,
			&sqlitex.ExecOptions{
				Args: []any{room.ID, row.lastReadID, userID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					room.UnreadCount = int(stmt.ColumnInt64(0))
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("chat store: unread count of %s: %w", room.ID, err)
		}

		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *Store) participantsOn(conn *sqlite.Conn, roomID string) ([]string, error) {
	var users []string
	err := sqlitex.Execute(conn,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				users = append(users, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chat store: participants of %s: %w", roomID, err)
	}
	return users, nil
}

// MarkRead advances the user's read position in a room. upTo of zero
// means the newest message. The position never moves backward.
// Returns the resulting read position.
func (s *Store) MarkRead(ctx context.Context, roomID, userID string, upTo int64) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("chat store: mark read: %w", err)
	}
	defer s.pool.Put(conn)

	if upTo == 0 {
		err = sqlitex.Execute(conn,
			`SELECT COALESCE(MAX(id), 0) FROM messages WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					upTo = stmt.ColumnInt64(0)
					return nil
				},
			})
		if err != nil {
			return 0, fmt.Errorf("chat store: newest message of %s: %w", roomID, err)
		}
	}

	err = sqlitex.Execute(conn,
		`UPDATE room_participants SET last_read_id = MAX(last_read_id, ?)
		 WHERE room_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{upTo, roomID, userID}})
	if err != nil {
		return 0, fmt.Errorf("chat store: marking %s read in %s: %w", userID, roomID, err)
	}

	var position int64
	err = sqlitex.Execute(conn,
		`SELECT last_read_id FROM room_participants WHERE room_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				position = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("chat store: read position of %s in %s: %w", userID, roomID, err)
	}
	return position, nil
}
