// Package server is a reference backend for the tdcore protocol.
//
// It performs key agreement, binds sessions, routes requests to registered
// method handlers and pushes published updates to every bound session. It
// exists for integration tests and local development.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/auth"
	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/frame"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrServerClosed = errors.New("server: closed")

type Config struct {
	DCID         uint32
	ListenAddr   string
	WSListenAddr string
	StaticKey    secure.KeyPair
	Session      session.Config
	Validator    auth.Validator
	// DCs is advertised by help.getConfig.
	DCs   []dc.Option
	Layer uint32

	UpdateLogSize     int
	ResponseCacheSize int
}

type Server struct {
	cfg    Config
	codec  session.Codec
	limits frame.Limits
	clock  *clock.Generator
	window *secure.ReplayGuard
	feed   *updateLog
	log    zerolog.Logger

	mu       sync.RWMutex
	keys     map[uint64]secure.AuthKey
	sessions map[sessionKey]*boundSession
	handlers map[string]HandlerFunc
	conns    map[*serverConn]struct{}
	closed   bool

	// base bounds handler goroutines, which outlive their connection.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.StaticKey == (secure.KeyPair{}) {
		return nil, errors.New("server: static key required")
	}
	if cfg.DCID == 0 {
		cfg.DCID = 1
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Validator == nil {
		if session.NormalizeSecurityMode(cfg.Session.SecurityMode) == session.SecurityModeProduction {
			return nil, errors.New("server: production mode requires a bind validator")
		}
		cfg.Validator = auth.AllowAll{}
	}
	c := clock.NewGenerator()
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		base:     base,
		cancel:   cancel,
		cfg:      cfg,
		codec:    cfg.Session.Codec(),
		limits:   cfg.Session.Codec().Limits(),
		clock:    c,
		window:   secure.NewReplayGuard(0, c.Now),
		feed:     newUpdateLog(c, cfg.UpdateLogSize),
		log:      logging.Component("server").With().Uint32("dc_id", cfg.DCID).Logger(),
		keys:     make(map[uint64]secure.AuthKey),
		sessions: make(map[sessionKey]*boundSession),
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*serverConn]struct{}),
	}
	s.registerBuiltins()
	return s, nil
}

// Handle registers fn for method, replacing any earlier handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *Server) handler(method string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[method]
	return fn, ok
}

func (s *Server) DCID() uint32                    { return s.cfg.DCID }
func (s *Server) PublicKey() [secure.KeySize]byte { return s.cfg.StaticKey.Public }

// Publish appends an update to the log and pushes it to every live session.
func (s *Server) Publish(kind string, body []byte) session.Update {
	u := s.feed.Append(kind, body)
	s.mu.RLock()
	live := make([]*serverConn, 0, len(s.sessions))
	for _, b := range s.sessions {
		if c := b.live(); c != nil {
			live = append(live, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range live {
		if err := c.write(s.clock.New(clock.KindServerPush), u); err != nil {
			c.log.Debug().Err(err).Uint64("seq", u.Seq).Msg("server: push failed")
		}
	}
	return u
}

// ForgetKey drops a registered auth key and every session bound under it.
func (s *Server) ForgetKey(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	for k := range s.sessions {
		if k.authKeyID == id {
			delete(s.sessions, k)
		}
	}
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) registerKey(k secure.AuthKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
}

func (s *Server) authKey(id uint64) (secure.AuthKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok
}

// bindSession returns the session for key, creating it when new.
func (s *Server) bindSession(key sessionKey, deviceID string) (*boundSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.sessions[key]; ok {
		return b, false
	}
	b := newBoundSession(key, deviceID, s.cfg.ResponseCacheSize)
	s.sessions[key] = b
	return b, true
}

func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Close drops every connection and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Serve accepts streams on ln until ctx ends or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("server: listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if tcp, ok := nc.(*net.TCPConn); ok {
			if err := transport.Tune(tcp, transport.DefaultSocketOptions()); err != nil {
				s.log.Debug().Err(err).Msg("server: socket tuning failed")
			}
		}
		go s.ServeStream(ctx, nc)
	}
}

// ServeStream runs one connection to completion. The stream is closed on return.
func (s *Server) ServeStream(ctx context.Context, stream transport.Stream) {
	c := newServerConn(s, stream)
	if !s.track(c) {
		_ = stream.Close()
		return
	}
	defer s.untrack(c)
	defer c.close()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("server: connection panic")
		}
	}()

	observability.AddServerSessions(1)
	defer observability.AddServerSessions(-1)

	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	if tc, ok := stream.(*tls.Conn); ok {
		if err := s.tlsHandshake(ctx, tc); err != nil {
			c.log.Warn().Err(err).Msg("server: tls handshake failed")
			return
		}
	}
	if err := c.serve(ctx); err != nil && !isClosedErr(err) {
		c.log.Debug().Err(err).Msg("server: connection ended")
	}
}

func (s *Server) tlsHandshake(ctx context.Context, tc *tls.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		return err
	}
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Mutual && mode != session.SecurityModeProduction {
		return nil
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return session.ErrMTLSRequired
	}
	if transport.PeerIdentity(state.PeerCertificates[0]) == "" {
		return fmt.Errorf("server: empty peer identity from certificate")
	}
	return nil
}

// WSHandler serves websocket streams at transport.WSPath.
func (s *Server) WSHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transport.WSPath, transport.WSHandler(func(st transport.Stream) {
		s.ServeStream(ctx, st)
	}))
	return mux
}

// Listen opens the TCP listener, wrapped in TLS when configured.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := transport.ServerTLSConfig(s.cfg.Session)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// ListenAndServe runs the stream and websocket listeners until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if strings.TrimSpace(s.cfg.ListenAddr) != "" {
		ln, err := s.Listen()
		if err != nil {
			return err
		}
		g.Go(func() error { return s.Serve(gctx, ln) })
	}
	if addr := strings.TrimSpace(s.cfg.WSListenAddr); addr != "" {
		hs := &http.Server{Addr: addr, Handler: s.WSHandler(gctx), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.log.Info().Str("addr", addr).Str("path", transport.WSPath).Msg("server: websocket listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})
	return g.Wait()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, ErrServerClosed)
}
