package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

// errEndSession tells the packet loop to stop after a handler that ends
// the session on purpose (quit, confirmed account deletion).
var errEndSession = errors.New("end session")

// handlers dispatches one method per packet type.
var handlers = map[wire.Type]func(*Session, context.Context, []byte) error{
	wire.TypeMessage:           (*Session).handleMessage,
	wire.TypeSetID:             (*Session).handleSetID,
	wire.TypeIDChange:          (*Session).handleRename,
	wire.TypeCreateRoom:        (*Session).handleCreateRoom,
	wire.TypeJoinRoom:          (*Session).handleJoinRoom,
	wire.TypeLeaveRoom:         (*Session).handleLeaveRoom,
	wire.TypeListRooms:         (*Session).handleListRooms,
	wire.TypeListUsers:         (*Session).handleListUsers,
	wire.TypeKickUser:          (*Session).handleKickUser,
	wire.TypeChangeRoomName:    (*Session).handleChangeRoomName,
	wire.TypeChangeRoomManager: (*Session).handleChangeRoomManager,
	wire.TypeDeleteAccount:     (*Session).handleDeleteAccount,
	wire.TypeDeleteMessage:     (*Session).handleDeleteMessage,
	wire.TypeHelp:              (*Session).handleHelp,
	wire.TypeQuit:              (*Session).handleQuit,
}

// clientText maps a registry or store failure to the sentence sent in the
// ERROR packet.
func clientText(err error) string {
	switch {
	case errors.Is(err, state.ErrRoomFull):
		return "Room is full."
	case errors.Is(err, state.ErrAlreadyInRoom):
		return "You are already in a room."
	case errors.Is(err, state.ErrNotInRoom):
		return "You are not in a room."
	case errors.Is(err, state.ErrRoomNotFound):
		return "Room not found."
	case errors.Is(err, state.ErrUserNotFound):
		return "User not found."
	case errors.Is(err, state.ErrNotManager):
		return "You are not the manager of this room."
	case errors.Is(err, state.ErrSelfTarget):
		return "You cannot target yourself."
	case errors.Is(err, state.ErrNicknameTaken):
		return "Nickname is already in use."
	case errors.Is(err, state.ErrRoomNameTaken):
		return "Room name is already in use."
	case errors.Is(err, store.ErrMessageNotFound):
		return "Message not found."
	default:
		return "Internal server error."
	}
}

// fail reports err to the client and keeps the session alive.
func (s *Session) fail(err error) error {
	s.sendError(clientText(err))
	return nil
}

func (s *Session) handleMessage(ctx context.Context, data []byte) error {
	body := trimmed(data)
	if body == "" {
		s.sendError("Message cannot be empty.")
		return nil
	}
	if err := s.reg.SendMessage(ctx, s.user, body); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleSetID(context.Context, []byte) error {
	s.sendError("Already identified. Use the id command to rename.")
	return nil
}

func (s *Session) handleRename(ctx context.Context, data []byte) error {
	nick, err := validateNickname(string(data))
	if err != nil {
		s.sendError("Nickname must be 2-20 printable characters.")
		return nil
	}

	old := s.user.Nickname()
	if err := s.reg.RenameUser(ctx, s.user, nick); err != nil {
		return s.fail(err)
	}

	s.log = s.log.With("nickname", nick)
	if err := s.conn.WriteText(wire.TypeIDChange, nick); err != nil {
		return err
	}
	s.reg.LobbyBroadcast(wire.TypeServerNotice, fmt.Sprintf("%s is now known as %s.", old, nick), s.user)
	return nil
}

func (s *Session) handleCreateRoom(ctx context.Context, data []byte) error {
	name, err := validateRoomName(string(data))
	if err != nil {
		s.sendError("Room name must be 1-31 characters.")
		return nil
	}

	no, err := s.reg.CreateRoom(ctx, s.user, name)
	if err != nil {
		return s.fail(err)
	}
	return s.conn.WriteText(wire.TypeCreateRoom,
		fmt.Sprintf("Room '%s' (ID: %d) created and joined.", name, no))
}

func (s *Session) handleJoinRoom(ctx context.Context, data []byte) error {
	no, err := parseRoomID(data)
	if err != nil {
		s.sendError("Invalid room id.")
		return nil
	}
	// JoinRoom writes the confirmation, the history replay, and the join
	// announcement itself, in that order.
	if err := s.reg.JoinRoom(ctx, s.user, no); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleLeaveRoom(ctx context.Context, _ []byte) error {
	name, err := s.reg.LeaveRoom(ctx, s.user)
	if err != nil {
		return s.fail(err)
	}
	return s.conn.WriteText(wire.TypeLeaveRoom, fmt.Sprintf("Left room '%s'.", name))
}

func (s *Session) handleKickUser(ctx context.Context, data []byte) error {
	target, err := s.reg.KickMember(ctx, s.user, trimmed(data))
	if err != nil {
		return s.fail(err)
	}
	// The registry has already unlinked the target and notified the room;
	// closing the session is safe here because teardown is idempotent.
	target.EndSession()
	return nil
}

func (s *Session) handleChangeRoomManager(ctx context.Context, data []byte) error {
	if err := s.reg.TransferManager(ctx, s.user, trimmed(data)); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleChangeRoomName(ctx context.Context, data []byte) error {
	name, err := validateRoomName(string(data))
	if err != nil {
		s.sendError("Room name must be 1-31 characters.")
		return nil
	}
	if err := s.reg.RenameRoom(ctx, s.user, name); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleDeleteAccount(ctx context.Context, _ []byte) error {
	if !s.user.PendingDelete() {
		s.user.SetPendingDelete(true)
		return s.conn.WriteText(wire.TypeDeleteAccount,
			"Send delete_account again to confirm account deletion.")
	}

	if s.user.RoomNo() != 0 {
		name, err := s.reg.LeaveRoom(ctx, s.user)
		if err != nil {
			return s.fail(err)
		}
		if err := s.conn.WriteText(wire.TypeLeaveRoom, fmt.Sprintf("Left room '%s'.", name)); err != nil {
			return err
		}
	}

	nick := s.user.Nickname()
	if err := s.st.DeleteUser(ctx, nick); err != nil {
		s.log.Error("account deletion failed", "err", err)
		return s.fail(err)
	}
	s.deleted.Store(true)
	s.log.Info("account deleted")

	_ = s.conn.WriteText(wire.TypeServerNotice, "Account deleted. Goodbye.")
	return errEndSession
}

func (s *Session) handleDeleteMessage(ctx context.Context, data []byte) error {
	id, err := parseMessageID(data)
	if err != nil {
		s.sendError("Invalid message id.")
		return nil
	}

	msg, err := s.st.GetMessage(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	if s.user.RoomNo() != msg.RoomNo {
		s.sendError("You are not in that room.")
		return nil
	}

	nick := s.user.Nickname()
	if msg.Sender == nick {
		err = s.st.DeleteMessage(ctx, id, nick)
	} else if mgr, ok := s.reg.RoomManager(msg.RoomNo); ok && mgr == nick {
		err = s.st.DeleteMessage(ctx, id, "")
	} else {
		return s.fail(state.ErrNotManager)
	}
	if err != nil {
		return s.fail(err)
	}
	return s.conn.WriteText(wire.TypeDeleteMessage, fmt.Sprintf("Message %d deleted.", id))
}

func (s *Session) handleListUsers(_ context.Context, data []byte) error {
	var names []string
	switch {
	case len(data) == 0:
		if no := s.user.RoomNo(); no != 0 {
			names, _ = s.reg.RoomMembers(no)
		} else {
			names = s.reg.ConnectedNicknames()
		}
	case len(data) == 4:
		no := int64(binary.BigEndian.Uint32(data))
		var ok bool
		names, ok = s.reg.RoomMembers(no)
		if !ok {
			return s.fail(state.ErrRoomNotFound)
		}
	default:
		s.sendError("Invalid room id.")
		return nil
	}
	return s.conn.WriteText(wire.TypeListUsers, strings.Join(names, ", ")+"\n")
}

func (s *Session) handleListRooms(_ context.Context, _ []byte) error {
	infos := s.reg.RoomInfos()
	if len(infos) == 0 {
		return s.conn.WriteText(wire.TypeListRooms, "No rooms available.")
	}
	parts := make([]string, len(infos))
	for i, r := range infos {
		parts[i] = fmt.Sprintf("ID %d: '%s' (%d members)", r.No, r.Name, r.MemberCount)
	}
	return s.conn.WriteText(wire.TypeListRooms, strings.Join(parts, ", "))
}

const helpText = `message <text> - send a message to your current room
id <nickname> - change your nickname
create <name> - create a room and join it as its manager
join <id> - join a room by id; replays the history you are entitled to
leave - leave your current room
list users - list room members, or everyone when in the lobby
list rooms - list all rooms
kick <nickname> - remove a member from your room (manager only)
manager <nickname> - hand room management to a member (manager only)
change <name> - rename your room (manager only)
delete_message <id> - delete a message you sent (managers: any message)
delete_account - delete your account; send twice to confirm
help - this text
quit - disconnect`

func (s *Session) handleHelp(context.Context, []byte) error {
	return s.conn.WriteText(wire.TypeHelp, helpText)
}

func (s *Session) handleQuit(context.Context, []byte) error {
	_ = s.conn.WriteText(wire.TypeQuit, "Goodbye.")
	return errEndSession
}
