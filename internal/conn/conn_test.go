package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/server"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
	"github.com/danmuck/tdcore/internal/transport"
)

type nopHandler struct {
	mu      sync.Mutex
	updates []session.Update
	pongs   chan session.Pong
}

func newNopHandler() *nopHandler {
	return &nopHandler{pongs: make(chan session.Pong, 8)}
}

func (h *nopHandler) HandleResponse(session.Response) {}
func (h *nopHandler) HandleRPCError(session.RPCError) {}
func (h *nopHandler) HandleBadMsg(session.BadMsg)     {}
func (h *nopHandler) HandleAck(session.Ack)           {}

func (h *nopHandler) HandleUpdate(u session.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u)
}

func (h *nopHandler) HandlePong(p session.Pong) {
	select {
	case h.pongs <- p:
	default:
	}
}

func (h *nopHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates)
}

type testServer struct {
	srv  *server.Server
	addr string
}

func startServer(t *testing.T, id uint32, key secure.KeyPair, cfg session.Config) *testServer {
	t.Helper()
	srv, err := server.New(server.Config{DCID: id, StaticKey: key, Session: cfg})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})
	return &testServer{srv: srv, addr: ln.Addr().String()}
}

func testKey(t *testing.T) secure.KeyPair {
	t.Helper()
	kp, err := secure.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func fastConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = 2 * time.Second
	cfg.AckFlushInterval = 20 * time.Millisecond
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	return cfg.WithDefaults()
}

func dialOptions(ts *testServer, key secure.KeyPair, cfg session.Config, h Handler) Options {
	return Options{
		DC:            dc.Option{ID: ts.srv.DCID(), Addr: ts.addr, Transport: dc.TransportTCP},
		Session:       cfg,
		ServerKey:     key.Public,
		Store:         store.NewMemory(),
		Handler:       h,
		Dialer:        transport.NewDialer(cfg),
		SessionID:     NewSessionID(),
		DeviceID:      "device-conn",
		ClientVersion: "conn-test",
		Layer:         1,
	}
}

func TestDialBindsAndPings(t *testing.T) {
	testlog.Start(t)
	key := testKey(t)
	cfg := fastConfig()
	ts := startServer(t, 1, key, cfg)
	h := newNopHandler()
	c, err := Dial(context.Background(), dialOptions(ts, key, cfg, h))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case p := <-h.pongs:
		if p.PingID == 0 {
			t.Fatalf("unexpected pong %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no pong received")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := c.Send(context.Background(), c.NewMsgID(), session.Ping{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestUpdatesAreAcked(t *testing.T) {
	testlog.Start(t)
	key := testKey(t)
	cfg := fastConfig()
	ts := startServer(t, 1, key, cfg)
	h := newNopHandler()
	c, err := Dial(context.Background(), dialOptions(ts, key, cfg, h))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	for i := 0; i < 20; i++ {
		ts.srv.Publish("k", nil)
	}
	deadline := time.Now().Add(3 * time.Second)
	for h.count() < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of 20 updates", h.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Acks are flushed on a timer; nothing observable beyond the connection
	// staying healthy afterwards.
	time.Sleep(3 * cfg.AckFlushInterval)
	select {
	case <-c.Done():
		t.Fatalf("connection closed after acking")
	default:
	}
}

func TestSessionDeadWhenServerSilent(t *testing.T) {
	testlog.Start(t)
	key := testKey(t)
	cfg := fastConfig()
	ts := startServer(t, 1, key, cfg)
	clientCfg := cfg
	clientCfg.HeartbeatInterval = time.Hour
	clientCfg.SessionDeadAfter = 100 * time.Millisecond
	c, err := Dial(context.Background(), dialOptions(ts, key, clientCfg, newNopHandler()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	err = c.Run(context.Background())
	if !errors.Is(err, ErrSessionDead) {
		t.Fatalf("expected ErrSessionDead, got %v", err)
	}
}

func TestDialWrongKeyFails(t *testing.T) {
	testlog.Start(t)
	key := testKey(t)
	cfg := fastConfig()
	ts := startServer(t, 1, key, cfg)
	opts := dialOptions(ts, testKey(t), cfg, newNopHandler())
	_, err := Dial(context.Background(), opts)
	var hs *session.HandshakeError
	if !errors.As(err, &hs) || hs.Stage != "key_exchange" {
		t.Fatalf("expected key_exchange handshake error, got %v", err)
	}
	if !permanent(err) {
		t.Fatalf("fingerprint rejection should be permanent")
	}
}
