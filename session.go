package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

const nicknamePrompt = "Enter a nickname (2-20 printable characters)."

// Session owns one client connection from accept to teardown. The read
// side stays on the session's own goroutine; writes go through the wire
// connection, which serializes frames against broadcasts from other
// sessions.
type Session struct {
	id      string
	sockNo  int64
	netConn net.Conn
	conn    *wire.Conn
	reg     *state.Registry
	st      *store.Store
	log     *slog.Logger

	user      *state.User
	deleted   atomic.Bool // account deleted; skip the connected-flag update
	badFrame  bool        // one checksum mismatch is tolerated per session
	teardown1 sync.Once
}

func newSession(conn net.Conn, sockNo int64, reg *state.Registry, st *store.Store) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		sockNo:  sockNo,
		netConn: conn,
		conn:    wire.NewServerConn(conn),
		reg:     reg,
		st:      st,
		log:     slog.With("session", id, "sock_no", sockNo),
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.teardown()
	s.log.Info("session started", "remote", s.netConn.RemoteAddr())

	if err := s.handshake(ctx); err != nil {
		s.log.Debug("handshake ended", "err", err)
		return
	}
	s.loop(ctx)
}

// handshake prompts until the client claims a usable nickname. Any
// non-SET_ID packet during this phase terminates the session; its frame
// has already been consumed in full.
func (s *Session) handshake(ctx context.Context) error {
	for {
		if err := s.conn.WriteText(wire.TypeServerNotice, nicknamePrompt); err != nil {
			return fmt.Errorf("send prompt: %w", err)
		}

		pkt, err := s.conn.ReadPacket()
		if err != nil {
			if errors.Is(err, wire.ErrChecksum) && !s.badFrame {
				s.badFrame = true
				continue
			}
			return err
		}
		if pkt.Type != wire.TypeSetID {
			return fmt.Errorf("unexpected %s packet during handshake", pkt.Type)
		}

		var nick string
		if len(pkt.Data) == 0 {
			nick, err = s.randomNickname(ctx)
			if err != nil {
				return fmt.Errorf("assign random nickname: %w", err)
			}
		} else {
			nick, err = validateNickname(string(pkt.Data))
			if err != nil {
				s.sendError("Nickname must be 2-20 printable characters.")
				continue
			}
		}

		u, err := s.reg.ClaimNickname(ctx, nick, s.sockNo, s.conn, s.teardown)
		if errors.Is(err, state.ErrNicknameTaken) {
			s.sendError("Nickname is already in use.")
			continue
		}
		if err != nil {
			return err
		}

		s.user = u
		s.log = s.log.With("nickname", nick)
		return s.conn.WriteText(wire.TypeServerNotice, "Welcome, "+nick+"!")
	}
}

// randomNickname draws User<n> candidates, falling back to a Guest name
// derived from the clock and the session id when ten draws all collide.
func (s *Session) randomNickname(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		cand := fmt.Sprintf("User%d", rand.Intn(10000))
		inUse, err := s.reg.NicknameInUse(ctx, cand)
		if err != nil {
			return "", err
		}
		if !inUse {
			return cand, nil
		}
	}
	return fmt.Sprintf("Guest%d%s", time.Now().Unix()%10000, s.id[:4]), nil
}

// loop reads and dispatches packets until the session ends.
func (s *Session) loop(ctx context.Context) {
	for {
		pkt, err := s.conn.ReadPacket()
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrChecksum):
				if s.badFrame {
					s.log.Warn("second corrupt frame, closing", "err", err)
					return
				}
				s.badFrame = true
				s.log.Debug("corrupt frame skipped", "err", err)
				continue
			case errors.Is(err, wire.ErrBadMagic), errors.Is(err, wire.ErrPayloadTooLarge):
				s.log.Warn("protocol violation, closing", "err", err)
				return
			default:
				s.log.Debug("read ended", "err", err)
				return
			}
		}

		// Account deletion needs two delete_account packets in a row.
		if pkt.Type != wire.TypeDeleteAccount {
			s.user.SetPendingDelete(false)
		}

		h, ok := handlers[pkt.Type]
		if !ok {
			s.sendError("Unknown command.")
			continue
		}
		if err := h(s, ctx, pkt.Data); err != nil {
			if !errors.Is(err, errEndSession) {
				s.log.Error("command failed", "type", pkt.Type, "err", err)
			}
			return
		}
	}
}

// teardown runs the cleanup sequence exactly once, from whichever side
// ends the session first (read failure, quit, account deletion, a kick
// from another session, or server shutdown).
func (s *Session) teardown() {
	s.teardown1.Do(func() {
		ctx := context.Background()
		if s.user != nil {
			s.reg.RemoveSession(ctx, s.user)
		}
		_ = s.netConn.Close()
		if s.user != nil && !s.deleted.Load() && !s.reg.Closed() {
			if err := s.st.SetDisconnected(ctx, s.user.Nickname()); err != nil {
				s.log.Error("connected flag update failed", "err", err)
			}
		}
		s.reg.ReleaseConnection()
		s.log.Info("session closed")
	})
}

func (s *Session) sendError(text string) {
	if err := s.conn.WriteText(wire.TypeError, text); err != nil {
		s.log.Debug("error response dropped", "err", err)
	}
}

func trimmed(data []byte) string {
	return strings.TrimSpace(string(data))
}
