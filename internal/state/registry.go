// Package state holds the authoritative in-memory catalog of connected
// users and live rooms. Every mutation writes through to the store so a
// restart can rebuild the durable half of the model.
//
// Locking discipline, top to bottom: users -> rooms -> store. A goroutine
// holding usersMu never acquires roomsMu or calls into the store; one
// holding roomsMu may call the store (which locks its own mutex).
// Helpers with the Locked suffix assume the caller holds the relevant
// lock. The per-User leaf mutex nests inside either registry lock.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rope-park/Chat-service-sub000/internal/store"
	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

var (
	ErrNicknameTaken = errors.New("nickname already in use")
	ErrAlreadyInRoom = errors.New("user already in a room")
	ErrNotInRoom     = errors.New("user not in a room")
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomNameTaken = errors.New("room name already in use")
	ErrRoomFull      = errors.New("room is full")
	ErrNotManager    = errors.New("user is not the room manager")
	ErrSelfTarget    = errors.New("cannot target yourself")
	ErrUserNotFound  = errors.New("target user not found")
	ErrShuttingDown  = errors.New("server is shutting down")
)

// Registry is the in-memory user/room catalog backed by the store.
type Registry struct {
	st       *store.Store
	maxUsers int
	roomCap  int

	usersMu  sync.Mutex
	users    map[int64]*User // keyed by sock number
	byNick   map[string]*User
	conns    int
	nextSock int64
	closed   bool

	roomsMu    sync.Mutex
	rooms      map[int64]*Room
	byName     map[string]*Room
	nextRoomNo int64
}

// New returns an empty registry. maxUsers caps concurrent connections,
// roomCap caps members per room.
func New(st *store.Store, maxUsers, roomCap int) *Registry {
	return &Registry{
		st:         st,
		maxUsers:   maxUsers,
		roomCap:    roomCap,
		users:      make(map[int64]*User),
		byNick:     make(map[string]*User),
		rooms:      make(map[int64]*Room),
		byName:     make(map[string]*Room),
		nextRoomNo: 1,
	}
}

// Load reconciles the store with a fresh process: stale connected flags
// and member counts are cleared, every persisted room is reloaded with an
// empty member list, and the room counter resumes past the highest number
// ever assigned.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.st.ResetConnected(ctx); err != nil {
		return fmt.Errorf("reconcile connected flags: %w", err)
	}
	if err := r.st.ResetMemberCounts(ctx); err != nil {
		return fmt.Errorf("reconcile member counts: %w", err)
	}

	rooms, err := r.st.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("reload rooms: %w", err)
	}
	maxNo, err := r.st.MaxRoomNo(ctx)
	if err != nil {
		return fmt.Errorf("seed room counter: %w", err)
	}

	r.roomsMu.Lock()
	for _, row := range rooms {
		room := &Room{no: row.RoomNo, name: row.Name, manager: row.Manager}
		r.rooms[room.no] = room
		r.byName[room.name] = room
	}
	r.nextRoomNo = maxNo + 1
	r.roomsMu.Unlock()

	slog.Info("registry loaded", "rooms", len(rooms), "next_room_no", maxNo+1)
	return nil
}

// TryAddConnection reserves a connection slot and assigns the sock number
// for it. ok is false when the server is full or shutting down.
func (r *Registry) TryAddConnection() (sockNo int64, ok bool) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	if r.closed || r.conns >= r.maxUsers {
		return 0, false
	}
	r.conns++
	r.nextSock++
	return r.nextSock, true
}

// ReleaseConnection frees a slot reserved by TryAddConnection.
func (r *Registry) ReleaseConnection() {
	r.usersMu.Lock()
	r.conns--
	r.usersMu.Unlock()
}

// ClaimNickname registers a user under a unique nickname and mirrors the
// registration to the store. An offline store row is resumed; a nickname
// held by a connected user is rejected. end is the session teardown hook
// invoked when another session (the kick path) must close this one.
func (r *Registry) ClaimNickname(ctx context.Context, nickname string, sockNo int64, conn *wire.Conn, end func()) (*User, error) {
	u := &User{sockNo: sockNo, conn: conn, end: end, nickname: nickname}

	r.usersMu.Lock()
	if r.closed {
		r.usersMu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, taken := r.byNick[nickname]; taken {
		r.usersMu.Unlock()
		return nil, ErrNicknameTaken
	}
	r.users[sockNo] = u
	r.byNick[nickname] = u
	r.usersMu.Unlock()

	if err := r.st.UpsertUser(ctx, nickname, sockNo); err != nil {
		r.usersMu.Lock()
		delete(r.users, sockNo)
		delete(r.byNick, nickname)
		r.usersMu.Unlock()
		return nil, fmt.Errorf("persist registration: %w", err)
	}

	slog.Info("user registered", "nickname", nickname, "sock_no", sockNo)
	return u, nil
}

// NicknameInUse reports whether a nickname is held by a connected user or
// any persisted registration. Renames and random assignment use it; the
// handshake itself resumes offline rows and only checks connected users.
func (r *Registry) NicknameInUse(ctx context.Context, nickname string) (bool, error) {
	r.usersMu.Lock()
	_, connected := r.byNick[nickname]
	r.usersMu.Unlock()
	if connected {
		return true, nil
	}
	return r.st.UserExists(ctx, nickname)
}

// RenameUser changes a user's nickname in memory and store. Rooms managed
// by the user follow; membership rows and the message log follow inside
// the store via its update cascades.
func (r *Registry) RenameUser(ctx context.Context, u *User, newNick string) error {
	oldNick := u.Nickname()
	if newNick == oldNick {
		return ErrNicknameTaken
	}

	exists, err := r.st.UserExists(ctx, newNick)
	if err != nil {
		return fmt.Errorf("check nickname %q: %w", newNick, err)
	}
	if exists {
		return ErrNicknameTaken
	}

	r.usersMu.Lock()
	if _, taken := r.byNick[newNick]; taken {
		r.usersMu.Unlock()
		return ErrNicknameTaken
	}
	delete(r.byNick, oldNick)
	r.byNick[newNick] = u
	u.setNickname(newNick)
	r.usersMu.Unlock()

	if err := r.st.RenameUser(ctx, oldNick, newNick); err != nil {
		r.usersMu.Lock()
		delete(r.byNick, newNick)
		r.byNick[oldNick] = u
		u.setNickname(oldNick)
		r.usersMu.Unlock()
		return fmt.Errorf("persist rename: %w", err)
	}

	r.roomsMu.Lock()
	for _, room := range r.rooms {
		if room.manager == oldNick {
			room.manager = newNick
		}
	}
	r.roomsMu.Unlock()

	slog.Info("user renamed", "old", oldNick, "new", newNick)
	return nil
}

// RemoveSession runs the registry half of session teardown: the user
// leaves their room with a disconnect announcement, then drops out of the
// catalog. A second call for the same user is a no-op. During shutdown
// nothing happens: populated rooms must survive an operator quit.
func (r *Registry) RemoveSession(ctx context.Context, u *User) {
	if r.Closed() {
		return
	}

	r.roomsMu.Lock()
	if no := u.RoomNo(); no != 0 {
		if room, ok := r.rooms[no]; ok {
			nick := u.Nickname()
			r.leaveLocked(ctx, room, u, nick+" has disconnected.")
		}
	}
	r.roomsMu.Unlock()

	r.usersMu.Lock()
	if r.users[u.sockNo] == u {
		delete(r.users, u.sockNo)
		delete(r.byNick, u.Nickname())
	}
	r.usersMu.Unlock()
}

// Closed reports whether Shutdown has run.
func (r *Registry) Closed() bool {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	return r.closed
}

// Shutdown marks the registry closed and closes every live connection,
// unblocking each session's pending read. Room and store teardown is
// deliberately skipped; the next startup reconciles the stale flags.
func (r *Registry) Shutdown() {
	r.usersMu.Lock()
	if r.closed {
		r.usersMu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*wire.Conn, 0, len(r.users))
	for _, u := range r.users {
		conns = append(conns, u.conn)
	}
	r.usersMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	slog.Info("registry shut down", "sessions_closed", len(conns))
}

// UserCount returns the number of registered users.
func (r *Registry) UserCount() int {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	return len(r.users)
}

// ConnectedNicknames returns every registered nickname, sorted.
func (r *Registry) ConnectedNicknames() []string {
	r.usersMu.Lock()
	out := make([]string, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.Nickname())
	}
	r.usersMu.Unlock()

	sort.Strings(out)
	return out
}

// LobbyBroadcast sends a packet to every connected user who is not in a
// room, except the sender.
func (r *Registry) LobbyBroadcast(t wire.Type, text string, except *User) {
	r.usersMu.Lock()
	targets := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		if u == except || u.RoomNo() != 0 {
			continue
		}
		targets = append(targets, u)
	}
	r.usersMu.Unlock()

	for _, u := range targets {
		u.send(t, text)
	}
	slog.Debug("lobby broadcast", "type", t, "recipients", len(targets))
}
