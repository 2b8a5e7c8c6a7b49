package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
)

const consoleUsage = "commands: users, rooms, user_info <id>, room_info <name>, recent_users [N], quit"

// Console is the operator's line-oriented interface, reading commands
// from in (stdin in production) and writing dumps to out.
type Console struct {
	reg *state.Registry
	st  *store.Store
	in  io.Reader
	out io.Writer
}

// Run reads commands until quit or end of input, then calls shutdown.
func (c *Console) Run(ctx context.Context, shutdown func()) {
	defer shutdown()

	sc := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "users":
			c.dumpUsers(ctx)
		case "rooms":
			c.dumpRooms(ctx)
		case "user_info":
			if len(fields) != 2 {
				fmt.Fprintln(c.out, consoleUsage)
				continue
			}
			c.dumpUserInfo(ctx, fields[1])
		case "room_info":
			if len(fields) < 2 {
				fmt.Fprintln(c.out, consoleUsage)
				continue
			}
			c.dumpRoomInfo(ctx, strings.Join(fields[1:], " "))
		case "recent_users":
			n := 10
			if len(fields) == 2 {
				v, err := strconv.Atoi(fields[1])
				if err != nil || v < 1 {
					fmt.Fprintln(c.out, consoleUsage)
					continue
				}
				n = v
			}
			c.dumpRecentUsers(ctx, n)
		case "quit":
			return
		default:
			fmt.Fprintln(c.out, consoleUsage)
		}
	}
}

func (c *Console) dumpUsers(ctx context.Context) {
	users, err := c.st.Users(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "No users.")
		return
	}
	for _, u := range users {
		c.printUser(u)
	}
}

func (c *Console) dumpRecentUsers(ctx context.Context, n int) {
	users, err := c.st.RecentUsers(ctx, n)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "No users.")
		return
	}
	for _, u := range users {
		c.printUser(u)
	}
}

func (c *Console) dumpUserInfo(ctx context.Context, nickname string) {
	u, err := c.st.GetUser(ctx, nickname)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	c.printUser(u)
}

func (c *Console) dumpRooms(ctx context.Context) {
	rooms, err := c.st.Rooms(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if len(rooms) == 0 {
		fmt.Fprintln(c.out, "No rooms.")
		return
	}
	for _, r := range rooms {
		c.printRoom(r)
	}
}

func (c *Console) dumpRoomInfo(ctx context.Context, name string) {
	r, err := c.st.GetRoomByName(ctx, name)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	c.printRoom(r)
	if members, ok := c.reg.RoomMembers(r.RoomNo); ok {
		fmt.Fprintf(c.out, "  members: %s\n", strings.Join(members, ", "))
	}
}

func (c *Console) printUser(u store.User) {
	fmt.Fprintf(c.out, "%s\tconnected=%t\tsock=%d\tregistered=%s\n",
		u.Nickname, u.Connected, u.SockNo, u.Timestamp)
}

func (c *Console) printRoom(r store.Room) {
	fmt.Fprintf(c.out, "ID %d: '%s'\tmanager=%s\tmembers=%d\tcreated=%s\n",
		r.RoomNo, r.Name, r.Manager, r.MemberCount, r.CreatedTime)
}
