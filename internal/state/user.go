package state

import (
	"log/slog"
	"sync"

	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

// User is one connected client as tracked by the registry. The connection
// and sock number are fixed for the user's lifetime; the mutable scalars
// (nickname, room, pending-delete flag) sit behind a leaf mutex so they
// can be read while any registry lock is held, never the other way round.
type User struct {
	sockNo int64
	conn   *wire.Conn
	end    func()

	mu            sync.Mutex
	nickname      string
	roomNo        int64 // 0 = lobby
	pendingDelete bool
}

// SockNo returns the accept-order connection number.
func (u *User) SockNo() int64 {
	return u.sockNo
}

// Nickname returns the user's current nickname.
func (u *User) Nickname() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nickname
}

func (u *User) setNickname(nick string) {
	u.mu.Lock()
	u.nickname = nick
	u.mu.Unlock()
}

// RoomNo returns the user's current room number, 0 when in the lobby.
func (u *User) RoomNo() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.roomNo
}

func (u *User) setRoomNo(no int64) {
	u.mu.Lock()
	u.roomNo = no
	u.mu.Unlock()
}

// PendingDelete reports whether the first phase of account deletion has
// been requested by this session.
func (u *User) PendingDelete() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingDelete
}

// SetPendingDelete flips the two-phase deletion flag. Any command other
// than delete_account clears it.
func (u *User) SetPendingDelete(v bool) {
	u.mu.Lock()
	u.pendingDelete = v
	u.mu.Unlock()
}

// EndSession runs the teardown hook registered at claim time. The kick
// handler uses it to close the target's session; the hook is idempotent.
func (u *User) EndSession() {
	if u.end != nil {
		u.end()
	}
}

// send writes one packet to the user's connection. Broadcast delivery is
// best-effort: a failed write is logged and skipped.
func (u *User) send(t wire.Type, text string) {
	if err := u.conn.WriteText(t, text); err != nil {
		slog.Warn("dropped packet to user", "nickname", u.Nickname(), "type", t, "err", err)
	}
}
