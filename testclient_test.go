package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
	"github.com/rope-park/Chat-service-sub000/internal/wire"
)

// testServer is a full server on a loopback port with its backing pieces
// exposed for assertions.
type testServer struct {
	addr string
	st   *store.Store
	reg  *state.Registry
}

func startTestServer(t *testing.T, maxUsers int) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	reg := state.New(st, maxUsers, 100)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	srv := NewServer("127.0.0.1:0", reg, st)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = st.Close()
	})

	return &testServer{addr: srv.Addr().String(), st: st, reg: reg}
}

// testClient speaks the framed binary protocol against a test server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	wc   *wire.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, wc: wire.NewClientConn(conn)}
}

func (c *testClient) send(typ wire.Type, payload string) {
	c.t.Helper()
	if err := c.wc.WritePacket(typ, []byte(payload)); err != nil {
		c.t.Fatalf("send %v: %v", typ, err)
	}
}

// sendRaw writes bytes straight to the socket, bypassing the codec.
func (c *testClient) sendRaw(frame []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(frame); err != nil {
		c.t.Fatalf("send raw frame: %v", err)
	}
}

func (c *testClient) read() wire.Packet {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, err := c.wc.ReadPacket()
	if err != nil {
		c.t.Fatalf("read packet: %v", err)
	}
	return pkt
}

// expect reads one packet and asserts its type.
func (c *testClient) expect(typ wire.Type) wire.Packet {
	c.t.Helper()
	pkt := c.read()
	if pkt.Type != typ {
		c.t.Fatalf("got %v packet %q, want %v", pkt.Type, pkt.Data, typ)
	}
	return pkt
}

// expectText reads one packet and asserts type and payload substring.
func (c *testClient) expectText(typ wire.Type, substr string) wire.Packet {
	c.t.Helper()
	pkt := c.expect(typ)
	if !strings.Contains(string(pkt.Data), substr) {
		c.t.Fatalf("%v payload %q does not contain %q", typ, pkt.Data, substr)
	}
	return pkt
}

// expectClosed asserts the server has closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if pkt, err := c.wc.ReadPacket(); err == nil {
		c.t.Fatalf("connection still open, read %v packet %q", pkt.Type, pkt.Data)
	}
}

// handshake consumes the prompt and claims a nickname.
func (c *testClient) handshake(nick string) {
	c.t.Helper()
	c.expectText(wire.TypeServerNotice, "nickname")
	c.send(wire.TypeSetID, nick)
	c.expectText(wire.TypeServerNotice, "Welcome, "+nick+"!")
}

// rawFrame builds a client-to-server frame by hand so tests can corrupt
// it before sending.
func rawFrame(typ wire.Type, payload string) []byte {
	frame := []byte{0x5a, 0x5a, byte(typ), byte(len(payload) >> 8), byte(len(payload))}
	frame = append(frame, payload...)
	var sum byte
	for _, b := range frame {
		sum ^= b
	}
	return append(frame, sum)
}
