package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

// Server accepts TCP clients and runs one session goroutine per
// connection.
type Server struct {
	addr string
	reg  *state.Registry
	st   *store.Store

	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(addr string, reg *state.Registry, st *store.Store) *Server {
	return &Server{addr: addr, reg: reg, st: st}
}

// Listen binds the TCP listener with SO_REUSEADDR set, so a restart does
// not trip over sockets lingering in TIME_WAIT.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run accepts connections until ctx is canceled, then shuts the registry
// down (closing every client socket) and waits for the session goroutines
// to drain.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("accept failed", "err", err)
			continue
		}

		sockNo, ok := s.reg.TryAddConnection()
		if !ok {
			slog.Warn("connection refused, server full", "remote", conn.RemoteAddr())
			wc := wire.NewServerConn(conn)
			_ = wc.WriteText(wire.TypeServerNotice, "Server is full. Try again later.\n")
			_ = conn.Close()
			continue
		}

		sess := newSession(conn, sockNo, s.reg, s.st)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}

	s.reg.Shutdown()
	s.wg.Wait()
	return nil
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return opErr
}
