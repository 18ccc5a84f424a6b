// Package server owns the TCP ingress: it accepts connections, runs the
// per-connection read and write loops over the frame codec, drives the
// keep-alive pass, and performs graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"jircd/internal/core"
	"jircd/internal/protocol"
	"jircd/internal/wire"
)

// writeTimeout bounds one socket write; a peer that cannot drain a frame
// within it is treated as dead.
const writeTimeout = 5 * time.Second

// Config carries the listener address and the keep-alive schedule.
type Config struct {
	Addr string

	// IdleTimeout is how long a connection may stay silent before the
	// server pings it. DeadTimeout is how long before it is reaped.
	// Tick drives both checks.
	IdleTimeout time.Duration
	DeadTimeout time.Duration
	Tick        time.Duration
}

// DefaultConfig returns the standard keep-alive schedule for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:        addr,
		IdleTimeout: 30 * time.Second,
		DeadTimeout: 90 * time.Second,
		Tick:        2 * time.Second,
	}
}

// Server is the TCP front end of the chat service.
type Server struct {
	cfg Config
	dp  *core.Dispatcher

	ln net.Listener
	wg sync.WaitGroup

	serverMsg *protocol.Builder
}

// New returns a server that feeds accepted connections into dp.
func New(cfg Config, dp *core.Dispatcher) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.DeadTimeout <= 0 {
		cfg.DeadTimeout = 90 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	return &Server{
		cfg:       cfg,
		dp:        dp,
		serverMsg: protocol.NewBuilder(protocol.ServerName),
	}
}

// Listen binds the configured address. Split from Serve so callers can
// learn the bound address before the first accept, which tests rely on
// when listening on port 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	slog.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run listens and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections and drives the keep-alive schedule until ctx
// cancellation, then notifies every client, drains outbound buffers
// best-effort, and closes all sockets.
func (s *Server) Serve(ctx context.Context) error {
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptLoop() }()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			// Stop accepting before the broadcast, so no connection lands
			// in the directory after it is cleared and misses the notice.
			s.ln.Close()
			<-acceptErr
			s.dp.Shutdown("server shutting down")
			s.waitConns(writeTimeout)
			return nil

		case <-ticker.C:
			s.keepAlivePass()

		case err := <-acceptErr:
			return fmt.Errorf("accept: %w", err)
		}
	}
}

func (s *Server) acceptLoop() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(2)
		go s.serveConn(nc)
	}
}

// serveConn runs the read loop for one socket and spawns its write loop.
// Every complete frame in a read batch is dispatched before the next read,
// so one chatty connection cannot starve frames it has already sent.
func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()

	c := core.NewConn(nc.RemoteAddr().String(), core.DefaultSendBuffer)
	s.dp.Directory().Add(c)

	go s.writeLoop(c, nc)

	var dec wire.Decoder
	buf := make([]byte, wire.RWSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, ok := dec.Next()
				if !ok {
					break
				}
				s.dp.HandleFrame(c, payload)
			}
		}
		if err != nil {
			// EOF is the clean-disconnect signal; everything else is a
			// transport failure. Both run the synthetic quit path.
			s.dp.ConnectionDropped(c, "connection dropped")
			return
		}
	}
}

// writeLoop drains the connection's outbound queue into the socket. When
// the queue closes it flushes what remains and closes the socket, which in
// turn unblocks the read loop.
func (s *Server) writeLoop(c *core.Conn, nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	for frame := range c.Outbound() {
		nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := nc.Write(frame); err != nil {
			slog.Debug("write failed", "conn_id", c.ID(), "err", err)
			s.dp.ConnectionDropped(c, "connection dropped")
			// Keep draining so pending enqueuers are not blocked.
			for range c.Outbound() {
			}
			return
		}
	}
}

// keepAlivePass pings connections idle past IdleTimeout and reaps those
// silent past DeadTimeout.
func (s *Server) keepAlivePass() {
	now := time.Now()
	for _, c := range s.dp.Directory().Conns() {
		idle := now.Sub(c.LastSeen())
		switch {
		case idle > s.cfg.DeadTimeout:
			s.dp.ConnectionDropped(c, "ping timeout")

		case idle > s.cfg.IdleTimeout && c.PingNonce() == "":
			nonce := uuid.NewString()
			c.SetPingNonce(nonce)
			if err := c.Enqueue(s.serverMsg.Ping(nonce)); err != nil {
				s.dp.ConnectionDropped(c, "connection dropped")
			}
		}
	}
}

// waitConns blocks until every connection goroutine finishes or the grace
// period elapses.
func (s *Server) waitConns(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace period elapsed with connections still draining")
	}
}
