// Package store persists chat server state in an embedded SQLite database:
// users, rooms, room membership, and the message log.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
//
// All operations serialize on the store's own mutex. Callers holding
// registry locks may call into the store, never the other way around.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — registered users. user_id is the nickname; sock_no is the
	// connection number of the user's latest session.
	`CREATE TABLE IF NOT EXISTS user (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		sock_no   INTEGER,
		user_id   TEXT UNIQUE NOT NULL,
		connected INTEGER DEFAULT 0,
		timestamp DATETIME DEFAULT (datetime('now','localtime'))
	)`,
	// v2 — rooms. room_no is the server-assigned room id, unique per
	// database. Nickname renames follow the manager reference.
	`CREATE TABLE IF NOT EXISTS room (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		room_no      INTEGER UNIQUE,
		room_name    TEXT UNIQUE NOT NULL,
		manager_id   TEXT REFERENCES user(user_id) ON UPDATE CASCADE,
		member_count INTEGER DEFAULT 0,
		created_time DATETIME DEFAULT (datetime('now','localtime'))
	)`,
	// v3 — membership. The row records the user's first join; it survives
	// leave and disconnect so the history replay window stays anchored at
	// the earliest join.
	`CREATE TABLE IF NOT EXISTS room_user (
		room_no   INTEGER,
		user_id   TEXT,
		join_time DATETIME DEFAULT (datetime('now','localtime')),
		PRIMARY KEY (room_no, user_id),
		FOREIGN KEY (room_no) REFERENCES room(room_no) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES user(user_id) ON DELETE CASCADE ON UPDATE CASCADE
	)`,
	// v4 — message log. context holds the message body.
	`CREATE TABLE IF NOT EXISTS message (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		room_no   INTEGER,
		sender_id TEXT,
		context   TEXT,
		timestamp DATETIME DEFAULT (datetime('now','localtime')),
		FOREIGN KEY (room_no) REFERENCES room(room_no) ON DELETE CASCADE,
		FOREIGN KEY (sender_id) REFERENCES user(user_id) ON UPDATE CASCADE
	)`,
	// v5 — replay queries scan one room's log in timestamp order
	`CREATE INDEX IF NOT EXISTS idx_message_room_time ON message(room_no, timestamp, id)`,
}

// User is one row of the user table. Timestamp is the registration time
// and is not refreshed on reconnect.
type User struct {
	ID        int64
	SockNo    int64
	Nickname  string
	Connected bool
	Timestamp string
}

// Room is one row of the room table.
type Room struct {
	ID          int64
	RoomNo      int64
	Name        string
	Manager     string
	MemberCount int
	CreatedTime string
}

// Message is one row of the message table.
type Message struct {
	ID        int64
	RoomNo    int64
	Sender    string
	Body      string
	Timestamp string
}

// Store wraps the SQLite database behind a single mutex.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps the per-connection pragmas in force for
	// every statement and is required for ":memory:" databases.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UpsertUser registers a nickname or resumes an existing registration.
// A fresh row records the registration time; an existing row keeps its
// original timestamp and only updates the connection state and sock_no.
func (s *Store) UpsertUser(ctx context.Context, nickname string, sockNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO user (sock_no, user_id, connected) VALUES (?, ?, 1)
ON CONFLICT(user_id) DO UPDATE SET connected = 1, sock_no = excluded.sock_no
`
	if _, err := s.db.ExecContext(ctx, q, sockNo, nickname); err != nil {
		return fmt.Errorf("upsert user %q: %w", nickname, err)
	}
	slog.Debug("user upserted", "nickname", nickname, "sock_no", sockNo)
	return nil
}

// DeleteUser removes a user together with every message they sent.
// Membership rows cascade away with the user row.
func (s *Store) DeleteUser(ctx context.Context, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete of user %q: %w", nickname, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE sender_id = ?`, nickname); err != nil {
		return fmt.Errorf("delete messages of user %q: %w", nickname, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM user WHERE user_id = ?`, nickname)
	if err != nil {
		return fmt.Errorf("delete user %q: %w", nickname, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user %q: %w", nickname, err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of user %q: %w", nickname, err)
	}
	slog.Debug("user deleted", "nickname", nickname)
	return nil
}

// RenameUser changes a nickname. Membership rows, managed rooms, and the
// message log follow via ON UPDATE CASCADE.
func (s *Store) RenameUser(ctx context.Context, oldNick, newNick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE user SET user_id = ? WHERE user_id = ?`, newNick, oldNick)
	if err != nil {
		return fmt.Errorf("rename user %q to %q: %w", oldNick, newNick, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename user %q: %w", oldNick, err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	slog.Debug("user renamed", "old", oldNick, "new", newNick)
	return nil
}

// SetDisconnected clears the connected flag for a nickname.
func (s *Store) SetDisconnected(ctx context.Context, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE user SET connected = 0 WHERE user_id = ?`, nickname)
	if err != nil {
		return fmt.Errorf("mark user %q disconnected: %w", nickname, err)
	}
	return nil
}

// GetUser returns the row for a nickname.
func (s *Store) GetUser(ctx context.Context, nickname string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT id, COALESCE(sock_no, 0), user_id, connected, timestamp FROM user WHERE user_id = ?`
	var u User
	err := s.db.QueryRowContext(ctx, q, nickname).Scan(
		&u.ID, &u.SockNo, &u.Nickname, &u.Connected, &u.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user %q: %w", nickname, err)
	}
	return u, nil
}

// UserExists reports whether a nickname is registered.
func (s *Store) UserExists(ctx context.Context, nickname string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user WHERE user_id = ?`, nickname).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user %q: %w", nickname, err)
	}
	return true, nil
}

// Users returns every registered user ordered by row id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT id, COALESCE(sock_no, 0), user_id, connected, timestamp FROM user ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.SockNo, &u.Nickname, &u.Connected, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RecentUsers returns the n most recently registered users, newest first.
func (s *Store) RecentUsers(ctx context.Context, n int) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT id, COALESCE(sock_no, 0), user_id, connected, timestamp
FROM user
ORDER BY timestamp DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("query recent users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.SockNo, &u.Nickname, &u.Connected, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ResetConnected clears every connected flag. Run at startup: sessions
// that were live when the previous process exited left their flags set.
func (s *Store) ResetConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE user SET connected = 0 WHERE connected = 1`); err != nil {
		return fmt.Errorf("reset connected flags: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// InsertRoom creates a room row with zero members.
func (s *Store) InsertRoom(ctx context.Context, roomNo int64, name, manager string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `INSERT INTO room (room_no, room_name, manager_id) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, roomNo, name, manager); err != nil {
		return fmt.Errorf("insert room %q: %w", name, err)
	}
	slog.Debug("room inserted", "room_no", roomNo, "name", name, "manager", manager)
	return nil
}

// DeleteRoom removes a room; membership rows and messages cascade away.
func (s *Store) DeleteRoom(ctx context.Context, roomNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM room WHERE room_no = ?`, roomNo)
	if err != nil {
		return fmt.Errorf("delete room %d: %w", roomNo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete room %d: %w", roomNo, err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	slog.Debug("room deleted", "room_no", roomNo)
	return nil
}

// RenameRoom updates a room's name.
func (s *Store) RenameRoom(ctx context.Context, roomNo int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE room SET room_name = ? WHERE room_no = ?`, name, roomNo)
	if err != nil {
		return fmt.Errorf("rename room %d: %w", roomNo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename room %d: %w", roomNo, err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// SetRoomManager updates a room's manager.
func (s *Store) SetRoomManager(ctx context.Context, roomNo int64, manager string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE room SET manager_id = ? WHERE room_no = ?`, manager, roomNo)
	if err != nil {
		return fmt.Errorf("set manager of room %d: %w", roomNo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set manager of room %d: %w", roomNo, err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// SetMemberCount records the current member count of a room.
func (s *Store) SetMemberCount(ctx context.Context, roomNo int64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE room SET member_count = ? WHERE room_no = ?`, count, roomNo)
	if err != nil {
		return fmt.Errorf("set member count of room %d: %w", roomNo, err)
	}
	return nil
}

// ResetMemberCounts zeroes every member count. Run at startup: counts
// reflect live sessions, and none exist yet.
func (s *Store) ResetMemberCounts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE room SET member_count = 0 WHERE member_count != 0`); err != nil {
		return fmt.Errorf("reset member counts: %w", err)
	}
	return nil
}

// GetRoomByName returns the row for a room name.
func (s *Store) GetRoomByName(ctx context.Context, name string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT id, room_no, room_name, manager_id, member_count, created_time FROM room WHERE room_name = ?`
	var r Room
	err := s.db.QueryRowContext(ctx, q, name).Scan(
		&r.ID, &r.RoomNo, &r.Name, &r.Manager, &r.MemberCount, &r.CreatedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("query room %q: %w", name, err)
	}
	return r, nil
}

// RoomNameExists reports whether a room name is taken.
func (s *Store) RoomNameExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room WHERE room_name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query room %q: %w", name, err)
	}
	return true, nil
}

// Rooms returns every room ordered by room number.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT id, room_no, room_name, manager_id, member_count, created_time FROM room ORDER BY room_no`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rs []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.RoomNo, &r.Name, &r.Manager, &r.MemberCount, &r.CreatedTime); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

// MaxRoomNo returns the highest room number ever assigned, or 0.
func (s *Store) MaxRoomNo(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(room_no), 0) FROM room`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query max room no: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// InsertRoomUser records a membership. Rejoins are ignored so the row
// keeps the earliest join time.
func (s *Store) InsertRoomUser(ctx context.Context, roomNo int64, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `INSERT OR IGNORE INTO room_user (room_no, user_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, q, roomNo, nickname); err != nil {
		return fmt.Errorf("insert membership %d/%q: %w", roomNo, nickname, err)
	}
	return nil
}

// DeleteRoomUser removes a membership row. Used for kicks only: leaving
// or disconnecting keeps the row.
func (s *Store) DeleteRoomUser(ctx context.Context, roomNo int64, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_user WHERE room_no = ? AND user_id = ?`, roomNo, nickname)
	if err != nil {
		return fmt.Errorf("delete membership %d/%q: %w", roomNo, nickname, err)
	}
	return nil
}

// EarliestJoinTime returns the join time of the user's membership row in
// a room. found is false when the user never joined (or was kicked).
func (s *Store) EarliestJoinTime(ctx context.Context, roomNo int64, nickname string) (joinTime string, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT join_time FROM room_user WHERE room_no = ? AND user_id = ?`
	err = s.db.QueryRowContext(ctx, q, roomNo, nickname).Scan(&joinTime)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query join time %d/%q: %w", roomNo, nickname, err)
	}
	return joinTime, true, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// InsertMessage persists a chat message and returns the assigned id.
func (s *Store) InsertMessage(ctx context.Context, roomNo int64, sender, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `INSERT INTO message (room_no, sender_id, context) VALUES (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, roomNo, sender, body)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()
	slog.Debug("message persisted", "msg_id", id, "room_no", roomNo, "sender", sender)
	return id, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `SELECT id, room_no, sender_id, context, timestamp FROM message WHERE id = ?`
	var m Message
	err := s.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.RoomNo, &m.Sender, &m.Body, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("query message %d: %w", id, err)
	}
	return m, nil
}

// DeleteMessage removes one message. A non-empty sender restricts the
// delete to that sender's own messages; managers pass "" to skip the
// check.
func (s *Store) DeleteMessage(ctx context.Context, id int64, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if sender == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM message WHERE id = ?`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM message WHERE id = ? AND sender_id = ?`, id, sender)
	}
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	slog.Debug("message deleted", "msg_id", id)
	return nil
}

// MessagesSince returns a room's messages with timestamp >= since in
// chronological order. An empty since returns the full room history.
func (s *Store) MessagesSince(ctx context.Context, roomNo int64, since string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT id, room_no, sender_id, context, timestamp
FROM message
WHERE room_no = ? AND (? = '' OR timestamp >= ?)
ORDER BY timestamp, id
`
	rows, err := s.db.QueryContext(ctx, q, roomNo, since, since)
	if err != nil {
		return nil, fmt.Errorf("query messages of room %d: %w", roomNo, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomNo, &m.Sender, &m.Body, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of stored messages.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
