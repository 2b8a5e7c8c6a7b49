package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

// Room is one live chat room. Every field is guarded by the registry's
// roomsMu; the manager is tracked by nickname so no user<->room pointer
// cycle exists.
type Room struct {
	no      int64
	name    string
	manager string
	members []*User
}

// RoomInfo is an immutable snapshot of one room for formatting.
type RoomInfo struct {
	No          int64
	Name        string
	Manager     string
	MemberCount int
}

// CreateRoom allocates the next room number, persists the room with the
// creator as manager, and joins the creator as its first member. The
// in-memory entry is rolled back when the store insert fails.
func (r *Registry) CreateRoom(ctx context.Context, u *User, name string) (int64, error) {
	if u.RoomNo() != 0 {
		return 0, ErrAlreadyInRoom
	}

	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	if _, taken := r.byName[name]; taken {
		return 0, ErrRoomNameTaken
	}
	exists, err := r.st.RoomNameExists(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("check room name %q: %w", name, err)
	}
	if exists {
		return 0, ErrRoomNameTaken
	}

	nick := u.Nickname()
	room := &Room{no: r.nextRoomNo, name: name, manager: nick}
	r.nextRoomNo++
	r.rooms[room.no] = room
	r.byName[name] = room

	if err := r.st.InsertRoom(ctx, room.no, name, nick); err != nil {
		delete(r.rooms, room.no)
		delete(r.byName, name)
		return 0, fmt.Errorf("persist room %q: %w", name, err)
	}

	r.addMemberLocked(ctx, room, u)
	slog.Info("room created", "room_no", room.no, "name", name, "manager", nick)
	return room.no, nil
}

// JoinRoom adds a user to a room and, in order on the joiner's socket:
// the join confirmation, the room's visible history (every message since
// the user's earliest recorded join; the full log on a first join), then
// nothing further until the next live broadcast. The other members see a
// join announcement. The whole compound holds roomsMu so no live message
// can slip between history and the first post-join broadcast.
func (r *Registry) JoinRoom(ctx context.Context, u *User, roomNo int64) error {
	if u.RoomNo() != 0 {
		return ErrAlreadyInRoom
	}

	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[roomNo]
	if !ok {
		return ErrRoomNotFound
	}
	if len(room.members) >= r.roomCap {
		return ErrRoomFull
	}

	nick := u.Nickname()

	// The replay window anchors at the earliest join, so it is read
	// before this join inserts (or re-ignores) the membership row.
	since, found, err := r.st.EarliestJoinTime(ctx, roomNo, nick)
	if err != nil {
		return fmt.Errorf("replay window for %q: %w", nick, err)
	}
	if !found {
		since = ""
	}
	if err := r.st.InsertRoomUser(ctx, roomNo, nick); err != nil {
		return fmt.Errorf("persist membership: %w", err)
	}

	r.addMemberLocked(ctx, room, u)

	u.send(wire.TypeJoinRoom, fmt.Sprintf("Joined room '%s' (ID: %d).", room.name, room.no))

	history, err := r.st.MessagesSince(ctx, roomNo, since)
	if err != nil {
		slog.Error("history replay failed", "room_no", roomNo, "nickname", nick, "err", err)
	}
	for _, m := range history {
		u.send(wire.TypeMessage, fmt.Sprintf("[%s] %s", m.Sender, m.Body))
	}

	r.broadcastLocked(room, wire.TypeServerNotice, nick+" joined the room.", u)
	slog.Info("user joined room", "room_no", roomNo, "nickname", nick, "replayed", len(history))
	return nil
}

// LeaveRoom removes a user from their current room, announcing the leave
// to the remaining members. The membership row is retained so the history
// window stays anchored at the earliest join. Returns the room's name for
// the confirmation packet.
func (r *Registry) LeaveRoom(ctx context.Context, u *User) (string, error) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[u.RoomNo()]
	if !ok {
		return "", ErrNotInRoom
	}
	name := room.name
	r.leaveLocked(ctx, room, u, u.Nickname()+" left the room.")
	return name, nil
}

// KickMember removes a target from the manager's room. Unlike leaving,
// the membership row is deleted: a kicked user's next join replays like a
// first join. The target receives a kick packet and the room an
// announcement; the caller must end the target's session after this
// returns.
func (r *Registry) KickMember(ctx context.Context, manager *User, targetNick string) (*User, error) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, target, err := r.managedTargetLocked(manager, targetNick)
	if err != nil {
		return nil, err
	}

	r.unlinkMemberLocked(ctx, room, target)
	if err := r.st.DeleteRoomUser(ctx, room.no, targetNick); err != nil {
		slog.Error("delete membership row failed", "room_no", room.no, "nickname", targetNick, "err", err)
	}

	target.send(wire.TypeKickUser, fmt.Sprintf("You have been kicked from room '%s'.", room.name))
	r.broadcastLocked(room, wire.TypeServerNotice, targetNick+" was kicked from the room.", nil)
	slog.Info("user kicked", "room_no", room.no, "nickname", targetNick, "by", manager.Nickname())
	return target, nil
}

// TransferManager hands the room's administrative rights to another
// member.
func (r *Registry) TransferManager(ctx context.Context, manager *User, targetNick string) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, _, err := r.managedTargetLocked(manager, targetNick)
	if err != nil {
		return err
	}

	prev := room.manager
	room.manager = targetNick
	if err := r.st.SetRoomManager(ctx, room.no, targetNick); err != nil {
		room.manager = prev
		return fmt.Errorf("persist manager change: %w", err)
	}

	r.broadcastLocked(room, wire.TypeServerNotice, targetNick+" is now the manager of the room.", nil)
	slog.Info("manager transferred", "room_no", room.no, "from", prev, "to", targetNick)
	return nil
}

// RenameRoom changes the name of the manager's current room.
func (r *Registry) RenameRoom(ctx context.Context, manager *User, newName string) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[manager.RoomNo()]
	if !ok {
		return ErrNotInRoom
	}
	if room.manager != manager.Nickname() {
		return ErrNotManager
	}
	if _, taken := r.byName[newName]; taken {
		return ErrRoomNameTaken
	}
	exists, err := r.st.RoomNameExists(ctx, newName)
	if err != nil {
		return fmt.Errorf("check room name %q: %w", newName, err)
	}
	if exists {
		return ErrRoomNameTaken
	}

	oldName := room.name
	delete(r.byName, oldName)
	room.name = newName
	r.byName[newName] = room

	if err := r.st.RenameRoom(ctx, room.no, newName); err != nil {
		delete(r.byName, newName)
		room.name = oldName
		r.byName[oldName] = room
		return fmt.Errorf("persist room rename: %w", err)
	}

	r.broadcastLocked(room, wire.TypeServerNotice, fmt.Sprintf("Room name changed to '%s'.", newName), nil)
	slog.Info("room renamed", "room_no", room.no, "old", oldName, "new", newName)
	return nil
}

// SendMessage persists a chat line and fans it out to the sender's room.
// Insert and broadcast share one roomsMu hold, so for any single room the
// log order and the order every member observes are the same.
func (r *Registry) SendMessage(ctx context.Context, u *User, body string) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[u.RoomNo()]
	if !ok {
		return ErrNotInRoom
	}

	nick := u.Nickname()
	if _, err := r.st.InsertMessage(ctx, room.no, nick, body); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	line := fmt.Sprintf("[%s] %s", nick, body)
	r.broadcastLocked(room, wire.TypeMessage, line, u)
	u.send(wire.TypeMessage, line) // echo doubles as the ack
	return nil
}

// RoomManager returns the manager nickname of a room.
func (r *Registry) RoomManager(roomNo int64) (string, bool) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[roomNo]
	if !ok {
		return "", false
	}
	return room.manager, true
}

// RoomMembers returns the member nicknames of a room in join order.
func (r *Registry) RoomMembers(roomNo int64) ([]string, bool) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[roomNo]
	if !ok {
		return nil, false
	}
	out := make([]string, len(room.members))
	for i, m := range room.members {
		out[i] = m.Nickname()
	}
	return out, true
}

// RoomInfos returns a snapshot of every room ordered by room number.
func (r *Registry) RoomInfos() []RoomInfo {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, RoomInfo{
			No:          room.no,
			Name:        room.name,
			Manager:     room.manager,
			MemberCount: len(room.members),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	return len(r.rooms)
}

// ---------------------------------------------------------------------------
// roomsMu-held helpers
// ---------------------------------------------------------------------------

// addMemberLocked links a user into a room and mirrors the member count.
// Capacity and duplicate checks are the caller's job.
func (r *Registry) addMemberLocked(ctx context.Context, room *Room, u *User) {
	room.members = append(room.members, u)
	u.setRoomNo(room.no)
	if err := r.st.SetMemberCount(ctx, room.no, len(room.members)); err != nil {
		slog.Error("member count update failed", "room_no", room.no, "err", err)
	}
}

// leaveLocked is the shared tail of leave and disconnect: unlink, announce
// to the remaining members, hand management over when the manager left,
// and destroy the room when it empties. The membership row survives.
func (r *Registry) leaveLocked(ctx context.Context, room *Room, u *User, announcement string) {
	r.unlinkMemberLocked(ctx, room, u)

	if len(room.members) == 0 {
		r.destroyLocked(ctx, room)
		return
	}

	r.broadcastLocked(room, wire.TypeServerNotice, announcement, nil)

	if room.manager == u.Nickname() {
		heir := room.members[0].Nickname()
		room.manager = heir
		if err := r.st.SetRoomManager(ctx, room.no, heir); err != nil {
			slog.Error("manager succession failed", "room_no", room.no, "heir", heir, "err", err)
		}
		r.broadcastLocked(room, wire.TypeServerNotice, heir+" is now the manager of the room.", nil)
	}
}

// unlinkMemberLocked removes the user from the member sequence and
// mirrors the member count.
func (r *Registry) unlinkMemberLocked(ctx context.Context, room *Room, u *User) {
	for i, m := range room.members {
		if m == u {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	u.setRoomNo(0)
	if err := r.st.SetMemberCount(ctx, room.no, len(room.members)); err != nil {
		slog.Error("member count update failed", "room_no", room.no, "err", err)
	}
}

// destroyLocked removes an empty room from the registry and store; the
// store delete cascades the room's messages and membership rows.
func (r *Registry) destroyLocked(ctx context.Context, room *Room) {
	delete(r.rooms, room.no)
	delete(r.byName, room.name)
	if err := r.st.DeleteRoom(ctx, room.no); err != nil {
		slog.Error("room delete failed", "room_no", room.no, "err", err)
	}
	slog.Info("room destroyed", "room_no", room.no, "name", room.name)
}

// managedTargetLocked resolves the checks shared by kick and manager
// transfer: caller in a room, caller is its manager, target is another
// member of that room.
func (r *Registry) managedTargetLocked(manager *User, targetNick string) (*Room, *User, error) {
	room, ok := r.rooms[manager.RoomNo()]
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	if room.manager != manager.Nickname() {
		return nil, nil, ErrNotManager
	}
	if targetNick == manager.Nickname() {
		return nil, nil, ErrSelfTarget
	}
	for _, m := range room.members {
		if m.Nickname() == targetNick {
			return room, m, nil
		}
	}
	return nil, nil, ErrUserNotFound
}

// broadcastLocked writes one packet to every member except the excluded
// sender. Write failures are logged per member and skipped.
func (r *Registry) broadcastLocked(room *Room, t wire.Type, text string, except *User) {
	for _, m := range room.members {
		if m == except {
			continue
		}
		m.send(t, text)
	}
}
