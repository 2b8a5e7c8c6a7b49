package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rope-park/Chat-service-sub000/internal/store"
	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

// waitFor polls cond until it holds or the deadline passes. Store-side
// effects of a teardown land shortly after the client observes the
// connection close.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---

func TestHandshakePersistsUser(t *testing.T) {
	ts := startTestServer(t, 100)
	ctx := context.Background()

	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	u, err := ts.st.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.Connected || u.SockNo < 1 {
		t.Errorf("user row: got connected=%t sock=%d", u.Connected, u.SockNo)
	}

	c.send(wire.TypeQuit, "")
	c.expectText(wire.TypeQuit, "Goodbye.")
	c.expectClosed()

	waitFor(t, "connected flag cleared", func() bool {
		u, err := ts.st.GetUser(ctx, "alice")
		return err == nil && !u.Connected
	})
}

func TestHandshakeRejectsBadNickname(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)

	c.expectText(wire.TypeServerNotice, "nickname")
	c.send(wire.TypeSetID, "x")
	c.expectText(wire.TypeError, "Nickname must be 2-20 printable characters.")

	c.expectText(wire.TypeServerNotice, "nickname")
	c.send(wire.TypeSetID, "alice")
	c.expectText(wire.TypeServerNotice, "Welcome, alice!")
}

func TestHandshakeNicknameCollision(t *testing.T) {
	ts := startTestServer(t, 100)
	c1 := dialTestClient(t, ts.addr)
	c1.handshake("alice")

	c2 := dialTestClient(t, ts.addr)
	c2.expectText(wire.TypeServerNotice, "nickname")
	c2.send(wire.TypeSetID, "alice")
	c2.expectText(wire.TypeError, "Nickname is already in use.")

	c2.expectText(wire.TypeServerNotice, "nickname")
	c2.send(wire.TypeSetID, "bob")
	c2.expectText(wire.TypeServerNotice, "Welcome, bob!")
}

func TestHandshakeAssignsRandomNickname(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)

	c.expectText(wire.TypeServerNotice, "nickname")
	c.send(wire.TypeSetID, "")
	pkt := c.expectText(wire.TypeServerNotice, "Welcome, User")
	if !strings.HasSuffix(string(pkt.Data), "!") {
		t.Errorf("welcome: got %q", pkt.Data)
	}
}

func TestHandshakeRejectsOtherPackets(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)

	c.expectText(wire.TypeServerNotice, "nickname")
	c.send(wire.TypeMessage, "hello?")
	c.expectClosed()
}

// ---

func TestCreateRoomAndChat(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.TypeCreateRoom, "den")
	c.expectText(wire.TypeCreateRoom, "Room 'den' (ID: 1) created and joined.")

	c.send(wire.TypeMessage, "hello room")
	c.expectText(wire.TypeMessage, "[alice] hello room")

	msgs, err := ts.st.MessagesSince(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "alice" || msgs[0].Body != "hello room" {
		t.Errorf("log: got %+v", msgs)
	}
}

func TestLobbyMessageRejected(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.TypeMessage, "anyone?")
	c.expectText(wire.TypeError, "You are not in a room.")

	c.send(wire.TypeMessage, "   ")
	c.expectText(wire.TypeError, "Message cannot be empty.")
}

func TestJoinReplaysHistoryThenDelivers(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)
	alice.send(wire.TypeMessage, "first")
	alice.expect(wire.TypeMessage)
	alice.send(wire.TypeMessage, "second")
	alice.expect(wire.TypeMessage)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")

	// Confirmation, then the full history in log order, before anything
	// live.
	bob.expectText(wire.TypeJoinRoom, "Joined room 'den' (ID: 1).")
	bob.expectText(wire.TypeMessage, "[alice] first")
	bob.expectText(wire.TypeMessage, "[alice] second")

	alice.expectText(wire.TypeServerNotice, "bob joined the room.")

	bob.send(wire.TypeMessage, "hi all")
	bob.expectText(wire.TypeMessage, "[bob] hi all")
	alice.expectText(wire.TypeMessage, "[bob] hi all")
}

func TestRejoinReplaysMessagesSentWhileAway(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	alice.expectText(wire.TypeServerNotice, "bob joined the room.")

	bob.send(wire.TypeLeaveRoom, "")
	bob.expectText(wire.TypeLeaveRoom, "Left room 'den'.")
	alice.expectText(wire.TypeServerNotice, "bob left the room.")

	alice.send(wire.TypeMessage, "while you were out")
	alice.expect(wire.TypeMessage)

	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	bob.expectText(wire.TypeMessage, "[alice] while you were out")
}

func TestJoinErrors(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.TypeJoinRoom, "99")
	c.expectText(wire.TypeError, "Room not found.")

	c.send(wire.TypeJoinRoom, "abc")
	c.expectText(wire.TypeError, "Invalid room id.")

	c.send(wire.TypeCreateRoom, "den")
	c.expect(wire.TypeCreateRoom)
	c.send(wire.TypeJoinRoom, "1")
	c.expectText(wire.TypeError, "You are already in a room.")

	c.send(wire.TypeLeaveRoom, "")
	c.expect(wire.TypeLeaveRoom)
	c.send(wire.TypeLeaveRoom, "")
	c.expectText(wire.TypeError, "You are not in a room.")
}

// ---

func TestKick(t *testing.T) {
	ts := startTestServer(t, 100)
	ctx := context.Background()

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	alice.expectText(wire.TypeServerNotice, "bob joined the room.")

	alice.send(wire.TypeKickUser, "bob")
	bob.expectText(wire.TypeKickUser, "You have been kicked from room 'den'.")
	bob.expectClosed()
	alice.expectText(wire.TypeServerNotice, "bob was kicked from the room.")

	// A kick drops the membership row, so the next join starts over.
	if _, found, err := ts.st.EarliestJoinTime(ctx, 1, "bob"); err != nil || found {
		t.Errorf("membership row: found=%t err=%v, want gone", found, err)
	}
}

func TestKickAuthorization(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	alice.expect(wire.TypeServerNotice)

	bob.send(wire.TypeKickUser, "alice")
	bob.expectText(wire.TypeError, "You are not the manager of this room.")

	alice.send(wire.TypeKickUser, "alice")
	alice.expectText(wire.TypeError, "You cannot target yourself.")

	alice.send(wire.TypeKickUser, "ghost")
	alice.expectText(wire.TypeError, "User not found.")
}

func TestTransferManagerAndRenameRoom(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	alice.expect(wire.TypeServerNotice)

	bob.send(wire.TypeChangeRoomName, "lair")
	bob.expectText(wire.TypeError, "You are not the manager of this room.")

	alice.send(wire.TypeChangeRoomManager, "bob")
	alice.expectText(wire.TypeServerNotice, "bob is now the manager of the room.")
	bob.expectText(wire.TypeServerNotice, "bob is now the manager of the room.")

	bob.send(wire.TypeChangeRoomName, "lair")
	bob.expectText(wire.TypeServerNotice, "Room name changed to 'lair'.")
	alice.expectText(wire.TypeServerNotice, "Room name changed to 'lair'.")

	room, err := ts.st.GetRoomByName(context.Background(), "lair")
	if err != nil {
		t.Fatalf("renamed room: %v", err)
	}
	if room.Manager != "bob" {
		t.Errorf("manager: got %q, want bob", room.Manager)
	}
}

// ---

func TestAccountDeletionNeedsConfirmation(t *testing.T) {
	ts := startTestServer(t, 100)
	ctx := context.Background()

	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.TypeDeleteAccount, "")
	c.expectText(wire.TypeDeleteAccount, "Send delete_account again to confirm account deletion.")

	// Any other command in between disarms the confirmation.
	c.send(wire.TypeHelp, "")
	c.expect(wire.TypeHelp)
	c.send(wire.TypeDeleteAccount, "")
	c.expectText(wire.TypeDeleteAccount, "Send delete_account again to confirm account deletion.")

	c.send(wire.TypeDeleteAccount, "")
	c.expectText(wire.TypeServerNotice, "Account deleted. Goodbye.")
	c.expectClosed()

	if _, err := ts.st.GetUser(ctx, "alice"); !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("user row: err = %v, want ErrUserNotFound", err)
	}
}

func TestAccountDeletionLeavesRoomFirst(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	alice.expect(wire.TypeServerNotice)

	alice.send(wire.TypeDeleteAccount, "")
	alice.expect(wire.TypeDeleteAccount)
	alice.send(wire.TypeDeleteAccount, "")
	alice.expectText(wire.TypeLeaveRoom, "Left room 'den'.")
	alice.expectText(wire.TypeServerNotice, "Account deleted. Goodbye.")
	alice.expectClosed()

	bob.expectText(wire.TypeServerNotice, "alice left the room.")
	bob.expectText(wire.TypeServerNotice, "bob is now the manager of the room.")
}

// ---

func TestRenameAnnouncedInLobby(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")

	alice.send(wire.TypeIDChange, "alicia")
	alice.expectText(wire.TypeIDChange, "alicia")
	bob.expectText(wire.TypeServerNotice, "alice is now known as alicia.")

	u, err := ts.st.GetUser(context.Background(), "alicia")
	if err != nil {
		t.Fatalf("renamed user: %v", err)
	}
	if !u.Connected {
		t.Error("renamed user not connected")
	}
}

func TestSetIDAfterHandshakeRejected(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.TypeSetID, "eve")
	c.expectText(wire.TypeError, "Already identified.")
}

// ---

func TestListRoomsAndUsers(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")

	alice.send(wire.TypeListRooms, "")
	alice.expectText(wire.TypeListRooms, "No rooms available.")

	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)
	alice.send(wire.TypeListRooms, "")
	alice.expectText(wire.TypeListRooms, "ID 1: 'den' (1 members)")

	alice.send(wire.TypeListUsers, "")
	alice.expectText(wire.TypeListUsers, "alice")

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeListUsers, "")
	pkt := bob.expect(wire.TypeListUsers)
	if got := strings.TrimSpace(string(pkt.Data)); got != "alice, bob" {
		t.Errorf("lobby user list: got %q, want %q", got, "alice, bob")
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.Type(99), "")
	c.expectText(wire.TypeError, "Unknown command.")
}

func TestHelp(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	c.send(wire.TypeHelp, "")
	pkt := c.expect(wire.TypeHelp)
	for _, cmd := range []string{"message", "create", "join", "kick", "delete_account", "quit"} {
		if !strings.Contains(string(pkt.Data), cmd) {
			t.Errorf("help text missing %q", cmd)
		}
	}
}

// ---

func TestDeleteMessage(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)

	bob := dialTestClient(t, ts.addr)
	bob.handshake("bob")
	bob.send(wire.TypeJoinRoom, "1")
	bob.expect(wire.TypeJoinRoom)
	alice.expect(wire.TypeServerNotice)

	alice.send(wire.TypeMessage, "mine")
	alice.expect(wire.TypeMessage)
	bob.expect(wire.TypeMessage)
	bob.send(wire.TypeMessage, "bobs line")
	bob.expect(wire.TypeMessage)
	alice.expect(wire.TypeMessage)

	// A plain member cannot delete someone else's message.
	bob.send(wire.TypeDeleteMessage, "1")
	bob.expectText(wire.TypeError, "You are not the manager of this room.")

	// The sender can.
	alice.send(wire.TypeDeleteMessage, "1")
	alice.expectText(wire.TypeDeleteMessage, "Message 1 deleted.")

	// The manager can delete anyone's message.
	alice.send(wire.TypeDeleteMessage, "2")
	alice.expectText(wire.TypeDeleteMessage, "Message 2 deleted.")

	alice.send(wire.TypeDeleteMessage, "2")
	alice.expectText(wire.TypeError, "Message not found.")

	msgs, err := ts.st.MessagesSince(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("log: got %d messages, want 0", len(msgs))
	}
}

// ---

func TestServerFull(t *testing.T) {
	ts := startTestServer(t, 1)

	c1 := dialTestClient(t, ts.addr)
	c1.expectText(wire.TypeServerNotice, "nickname")

	c2 := dialTestClient(t, ts.addr)
	c2.expectText(wire.TypeServerNotice, "Server is full.")
	c2.expectClosed()

	// Dropping the only session frees its slot.
	_ = c1.conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		c3 := dialTestClient(t, ts.addr)
		pkt := c3.read()
		if strings.Contains(string(pkt.Data), "nickname") {
			break
		}
		_ = c3.conn.Close()
		if time.Now().After(deadline) {
			t.Fatal("slot never released")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOneCorruptFrameTolerated(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	frame := rawFrame(wire.TypeMessage, "oops")
	frame[len(frame)-1] ^= 0xff
	c.sendRaw(frame)

	// The corrupt frame is consumed whole; the session keeps going.
	c.send(wire.TypeHelp, "")
	c.expect(wire.TypeHelp)

	c.sendRaw(frame)
	c.expectClosed()
}

func TestBadMagicCloses(t *testing.T) {
	ts := startTestServer(t, 100)
	c := dialTestClient(t, ts.addr)
	c.handshake("alice")

	frame := rawFrame(wire.TypeHelp, "")
	frame[0] = 0xff
	c.sendRaw(frame)
	c.expectClosed()
}

func TestRoomRowPersisted(t *testing.T) {
	ts := startTestServer(t, 100)

	alice := dialTestClient(t, ts.addr)
	alice.handshake("alice")
	alice.send(wire.TypeCreateRoom, "den")
	alice.expect(wire.TypeCreateRoom)
	alice.send(wire.TypeMessage, "persisted")
	alice.expect(wire.TypeMessage)

	// Startup reloads rooms from these rows, so an occupied room survives
	// a restart.
	rooms, err := ts.st.Rooms(context.Background())
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Name != "den" || rooms[0].Manager != "alice" {
		t.Errorf("persisted rooms: got %+v", rooms)
	}
}
