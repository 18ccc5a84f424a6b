package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"jircd/internal/core"
	"jircd/internal/protocol"
	"jircd/internal/wire"
)

// startServer runs a server on an ephemeral port and returns its address.
func startServer(t *testing.T, cfg Config) string {
	t.Helper()

	cfg.Addr = "127.0.0.1:0"
	dp := core.NewDispatcher(core.NewDirectory())
	srv := New(cfg, dp)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv.Addr().String()
}

// client is a minimal wire-level test peer.
type client struct {
	t   *testing.T
	nc  net.Conn
	dec wire.Decoder
	buf []byte
}

func dialClient(t *testing.T, addr string) *client {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return &client{t: t, nc: nc, buf: make([]byte, wire.RWSize)}
}

func (c *client) send(msg protocol.Message) {
	c.t.Helper()
	frame, err := wire.Frame(msg)
	if err != nil {
		c.t.Fatalf("frame: %v", err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	if _, err := c.nc.Write([]byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// recv returns the next frame within timeout, or fails the test.
func (c *client) recv(timeout time.Duration) protocol.Message {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if payload, ok := c.dec.Next(); ok {
			msg, err := protocol.Parse(payload)
			if err != nil {
				c.t.Fatalf("parse %q: %v", payload, err)
			}
			return msg
		}
		c.nc.SetReadDeadline(deadline)
		n, err := c.nc.Read(c.buf)
		if n > 0 {
			c.dec.Feed(c.buf[:n])
			continue
		}
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
	}
}

// recvEOF asserts that the server closes the connection within timeout,
// after at most a few trailing frames.
func (c *client) recvEOF(timeout time.Duration) {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(timeout))
	for {
		n, err := c.nc.Read(c.buf)
		if n > 0 {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			c.t.Fatalf("expected EOF, got %v", err)
		}
	}
}

func (c *client) assertQuiet(d time.Duration) {
	c.t.Helper()
	if payload, ok := c.dec.Next(); ok {
		c.t.Fatalf("unexpected buffered frame %q", payload)
	}
	c.nc.SetReadDeadline(time.Now().Add(d))
	n, err := c.nc.Read(c.buf)
	if err == nil || n > 0 {
		c.t.Fatalf("unexpected traffic: %q", c.buf[:n])
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

func (c *client) register(nick string) {
	c.t.Helper()
	c.send(protocol.Message{Cmd: protocol.CmdNick, Src: nick, Update: nick})
	m := c.recv(2 * time.Second)
	if m.Cmd != protocol.CmdNick || m.Update != nick {
		c.t.Fatalf("registration echo: %#v", m)
	}
}

func TestRegistrationAndUniqueness(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.register("alice")

	bob := dialClient(t, addr)
	bob.send(protocol.Message{Cmd: protocol.CmdNick, Src: "alice", Update: "alice"})
	if m := bob.recv(2 * time.Second); m.Error != protocol.ErrNickInUse {
		t.Fatalf("expected nickinuse, got %#v", m)
	}
	bob.register("bob")
}

func TestChannelFanoutExcludesSender(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.register("alice")
	bob := dialClient(t, addr)
	bob.register("bob")

	alice.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "alice", Channels: []string{"#a"}})
	if m := alice.recv(2 * time.Second); m.Cmd != protocol.CmdJoin {
		t.Fatalf("join echo: %#v", m)
	}
	bob.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "bob", Channels: []string{"#a"}})
	if m := bob.recv(2 * time.Second); m.Cmd != protocol.CmdJoin || m.Src != "bob" {
		t.Fatalf("join echo: %#v", m)
	}
	if m := alice.recv(2 * time.Second); m.Cmd != protocol.CmdJoin || m.Src != "bob" {
		t.Fatalf("join notification: %#v", m)
	}

	alice.send(protocol.Message{Cmd: protocol.CmdMsg, Src: "alice", Targets: []string{"#a"}, Msg: "hello"})
	m := bob.recv(2 * time.Second)
	if m.Cmd != protocol.CmdMsg || m.Src != "alice" || m.Msg != "hello" {
		t.Fatalf("channel message: %#v", m)
	}
	alice.assertQuiet(200 * time.Millisecond)
}

func TestDirectMessageToUnknownUser(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.register("alice")

	alice.send(protocol.Message{Cmd: protocol.CmdMsg, Src: "alice", Targets: []string{"ghost"}, Msg: "hi"})
	if m := alice.recv(2 * time.Second); m.Error != protocol.ErrNonExist {
		t.Fatalf("expected nonexist, got %#v", m)
	}
}

func TestLeaveDeletesEmptyChannel(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.register("alice")

	alice.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "alice", Channels: []string{"#a"}})
	alice.recv(2 * time.Second)
	alice.send(protocol.Message{Cmd: protocol.CmdLeave, Src: "alice", Channels: []string{"#a"}, Msg: "bye"})
	if m := alice.recv(2 * time.Second); m.Cmd != protocol.CmdLeave || m.Msg != "bye" {
		t.Fatalf("leave echo: %#v", m)
	}

	alice.send(protocol.Message{Cmd: protocol.CmdChannels, Src: "alice"})
	m := alice.recv(2 * time.Second)
	if m.Reply != protocol.ReplyChannels || len(m.Channels) != 0 {
		t.Fatalf("expected empty channel list, got %#v", m)
	}
}

func TestOversizedFrameResync(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	// An oversized terminated line is dropped without an error reply; the
	// connection keeps working afterwards.
	alice.sendRaw(strings.Repeat("x", 2000) + "\r\n")
	alice.send(protocol.Message{Cmd: protocol.CmdPing, Src: "alice", Msg: "still-here"})
	m := alice.recv(2 * time.Second)
	if m.Cmd != protocol.CmdPong || m.Src != protocol.ServerName || m.Msg != "still-here" {
		t.Fatalf("expected pong after resync, got %#v", m)
	}
}

func TestMalformedFrameGetsSchemaError(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.sendRaw("{\"cmd\":\"dance\"}\r\n")
	if m := alice.recv(2 * time.Second); m.Error != protocol.ErrSchema {
		t.Fatalf("expected schema error, got %#v", m)
	}
	alice.register("alice")
}

func TestKeepAlivePingAndPong(t *testing.T) {
	addr := startServer(t, Config{
		IdleTimeout: 150 * time.Millisecond,
		DeadTimeout: 5 * time.Second,
		Tick:        25 * time.Millisecond,
	})

	alice := dialClient(t, addr)
	alice.register("alice")

	m := alice.recv(3 * time.Second)
	if m.Cmd != protocol.CmdPing || m.Src != protocol.ServerName || m.Msg == "" {
		t.Fatalf("expected keep-alive ping, got %#v", m)
	}
	alice.send(protocol.Message{Cmd: protocol.CmdPong, Src: "alice", Msg: m.Msg})

	// Answering resets the cycle; the next ping arrives with a fresh nonce.
	m2 := alice.recv(3 * time.Second)
	if m2.Cmd != protocol.CmdPing || m2.Msg == m.Msg {
		t.Fatalf("expected a second ping with a new nonce, got %#v", m2)
	}
}

func TestKeepAliveReapsSilentPeer(t *testing.T) {
	addr := startServer(t, Config{
		IdleTimeout: 100 * time.Millisecond,
		DeadTimeout: 400 * time.Millisecond,
		Tick:        25 * time.Millisecond,
	})

	alice := dialClient(t, addr)
	alice.register("alice")
	bob := dialClient(t, addr)
	bob.register("bob")

	alice.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "alice", Channels: []string{"#a"}})
	alice.recv(2 * time.Second)
	bob.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "bob", Channels: []string{"#a"}})
	bob.recv(2 * time.Second)
	alice.recv(2 * time.Second)

	// bob goes silent and ignores pings; alice answers hers and watches bob
	// get reaped.
	deadline := time.Now().Add(5 * time.Second)
	for {
		m := alice.recv(3 * time.Second)
		switch {
		case m.Cmd == protocol.CmdPing:
			alice.send(protocol.Message{Cmd: protocol.CmdPong, Src: "alice", Msg: m.Msg})
		case m.Cmd == protocol.CmdQuit && m.Src == "bob":
			if m.Msg != "ping timeout" {
				t.Fatalf("unexpected reap reason: %#v", m)
			}
			return
		default:
			t.Fatalf("unexpected frame while waiting for reap: %#v", m)
		}
		if time.Now().After(deadline) {
			t.Fatal("bob was never reaped")
		}
	}
}

func TestQuitClosesConnection(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.register("alice")

	alice.send(protocol.Message{Cmd: protocol.CmdQuit, Src: "alice", Msg: "done"})
	if m := alice.recv(2 * time.Second); m.Cmd != protocol.CmdQuit || m.Msg != "done" {
		t.Fatalf("quit echo: %#v", m)
	}
	alice.recvEOF(2 * time.Second)
}

func TestDisconnectNotifiesChannelMembers(t *testing.T) {
	addr := startServer(t, DefaultConfig(""))

	alice := dialClient(t, addr)
	alice.register("alice")
	bob := dialClient(t, addr)
	bob.register("bob")

	alice.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "alice", Channels: []string{"#a"}})
	alice.recv(2 * time.Second)
	bob.send(protocol.Message{Cmd: protocol.CmdJoin, Src: "bob", Channels: []string{"#a"}})
	bob.recv(2 * time.Second)
	alice.recv(2 * time.Second)

	bob.nc.Close()
	m := alice.recv(3 * time.Second)
	if m.Cmd != protocol.CmdQuit || m.Src != "bob" {
		t.Fatalf("expected quit for dropped peer, got %#v", m)
	}
}

func TestShutdownStopsAcceptingBeforeNotifying(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1:0")
	dp := core.NewDispatcher(core.NewDirectory())
	srv := New(cfg, dp)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	addr := srv.Addr().String()

	alice := dialClient(t, addr)
	alice.register("alice")

	cancel()
	if m := alice.recv(3 * time.Second); m.Cmd != protocol.CmdQuit || m.Src != protocol.ServerName {
		t.Fatalf("expected server quit, got %#v", m)
	}

	// The quit broadcast happens only after the listener is closed, so a
	// fresh dial at this point cannot be accepted into the cleared
	// directory.
	if nc, err := net.Dial("tcp", addr); err == nil {
		nc.Close()
		t.Fatal("listener still accepting after the shutdown notice")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestGracefulShutdownNotifiesClients(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1:0")
	dp := core.NewDispatcher(core.NewDirectory())
	srv := New(cfg, dp)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	alice := dialClient(t, srv.Addr().String())
	alice.register("alice")

	cancel()
	if m := alice.recv(3 * time.Second); m.Cmd != protocol.CmdQuit || m.Src != protocol.ServerName {
		t.Fatalf("expected server quit, got %#v", m)
	}
	alice.recvEOF(3 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
