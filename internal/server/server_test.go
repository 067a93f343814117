package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/tdcore/internal/auth"
	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/conn"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
	"github.com/danmuck/tdcore/internal/transport"
	"github.com/danmuck/tdcore/internal/updates"
)

type recorder struct {
	responses chan session.Response
	errors    chan session.RPCError
	updates   chan session.Update
	badMsgs   chan session.BadMsg
	acks      chan session.Ack
	pongs     chan session.Pong
}

func newRecorder() *recorder {
	return &recorder{
		responses: make(chan session.Response, 16),
		errors:    make(chan session.RPCError, 16),
		updates:   make(chan session.Update, 16),
		badMsgs:   make(chan session.BadMsg, 16),
		acks:      make(chan session.Ack, 16),
		pongs:     make(chan session.Pong, 16),
	}
}

func (r *recorder) HandleResponse(m session.Response) { r.responses <- m }
func (r *recorder) HandleRPCError(m session.RPCError) { r.errors <- m }
func (r *recorder) HandleUpdate(m session.Update)     { r.updates <- m }
func (r *recorder) HandleBadMsg(m session.BadMsg)     { r.badMsgs <- m }
func (r *recorder) HandleAck(m session.Ack)           { r.acks <- m }
func (r *recorder) HandlePong(m session.Pong)         { r.pongs <- m }

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

type harness struct {
	srv  *Server
	addr string
	cfg  session.Config
}

func startServer(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	kp, err := secure.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	cfg := Config{DCID: 2, StaticKey: kp, Session: session.DefaultConfig()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
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
	return &harness{srv: srv, addr: ln.Addr().String(), cfg: srv.cfg.Session}
}

type clientOpts struct {
	store     store.Store
	token     string
	sessionID uint64
	transport string
	addr      string
	serverKey *[secure.KeySize]byte
}

func (h *harness) dial(t *testing.T, rec *recorder, o clientOpts) (*conn.Conn, error) {
	t.Helper()
	if o.store == nil {
		o.store = store.NewMemory()
	}
	if o.sessionID == 0 {
		o.sessionID = conn.NewSessionID()
	}
	if o.transport == "" {
		o.transport = dc.TransportTCP
	}
	if o.addr == "" {
		o.addr = h.addr
	}
	key := h.srv.PublicKey()
	if o.serverKey != nil {
		key = *o.serverKey
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := conn.Dial(ctx, conn.Options{
		DC:            dc.Option{ID: 2, Addr: o.addr, Transport: o.transport},
		Session:       h.cfg,
		ServerKey:     key,
		Store:         o.store,
		Handler:       rec,
		Dialer:        transport.NewDialer(h.cfg),
		SessionID:     o.sessionID,
		DeviceID:      "device-test",
		APIToken:      o.token,
		ClientVersion: "test/1",
		Layer:         1,
	})
	if err != nil {
		return nil, err
	}
	runCtx, stop := context.WithCancel(context.Background())
	go func() { _ = c.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		_ = c.Close()
	})
	return c, nil
}

func (h *harness) mustDial(t *testing.T, rec *recorder, o clientOpts) *conn.Conn {
	t.Helper()
	c, err := h.dial(t, rec, o)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func invoke(t *testing.T, c *conn.Conn, method string, body []byte) uint64 {
	t.Helper()
	id := c.NewMsgID()
	if err := c.Send(context.Background(), id, session.Request{Method: method, Body: body}); err != nil {
		t.Fatalf("send %s: %v", method, err)
	}
	return id
}

func TestEchoRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	if !c.NewSession() {
		t.Fatalf("first bind should create a session")
	}
	id := invoke(t, c, MethodEcho, []byte("ping"))
	ack := wait(t, rec.acks, "ack")
	if len(ack.MsgIDs) != 1 || ack.MsgIDs[0] != id {
		t.Fatalf("unexpected ack %+v", ack)
	}
	resp := wait(t, rec.responses, "response")
	if resp.ReqMsgID != id || string(resp.Body) != "ping" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	id := invoke(t, c, "no.such", nil)
	e := wait(t, rec.errors, "rpc error")
	if e.ReqMsgID != id || e.Code != 400 || e.Message != "METHOD_INVALID" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestHandlerErrorsAndPanics(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	h.srv.Handle("users.get", func(context.Context, Call) ([]byte, error) { return nil, MigrateError(4) })
	h.srv.Handle("boom", func(context.Context, Call) ([]byte, error) { panic("boom") })
	h.srv.Handle("fail", func(context.Context, Call) ([]byte, error) { return nil, errors.New("db down") })
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})

	invoke(t, c, "users.get", nil)
	if e := wait(t, rec.errors, "migrate"); e.Code != 303 || e.Message != "USER_MIGRATE_4" {
		t.Fatalf("unexpected migrate error %+v", e)
	}
	invoke(t, c, "boom", nil)
	if e := wait(t, rec.errors, "panic"); e.Code != 500 || e.Message != "INTERNAL" {
		t.Fatalf("unexpected panic answer %+v", e)
	}
	invoke(t, c, "fail", nil)
	if e := wait(t, rec.errors, "failure"); e.Message != "INTERNAL" {
		t.Fatalf("unexpected failure answer %+v", e)
	}
}

func TestDuplicateRequestAnsweredFromCache(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	var calls atomic.Int32
	h.srv.Handle("count", func(context.Context, Call) ([]byte, error) {
		return []byte{byte(calls.Add(1))}, nil
	})
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	id := c.NewMsgID()
	req := session.Request{Method: "count"}
	if err := c.Send(context.Background(), id, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := wait(t, rec.responses, "first answer")
	if err := c.Send(context.Background(), id, req); err != nil {
		t.Fatalf("resend: %v", err)
	}
	second := wait(t, rec.responses, "cached answer")
	if first.ReqMsgID != id || second.ReqMsgID != id || second.Body[0] != first.Body[0] {
		t.Fatalf("answers differ: %+v %+v", first, second)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestDuplicateRequestInFlightIgnored(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	h.srv.Handle("slow", func(ctx context.Context, _ Call) ([]byte, error) {
		calls.Add(1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte("done"), nil
	})
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	id := c.NewMsgID()
	req := session.Request{Method: "slow"}
	if err := c.Send(context.Background(), id, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := wait(t, rec.acks, "ack"); len(ack.MsgIDs) != 1 || ack.MsgIDs[0] != id {
		t.Fatalf("unexpected ack %+v", ack)
	}
	wait(t, started, "handler start")
	if err := c.Send(context.Background(), id, req); err != nil {
		t.Fatalf("resend: %v", err)
	}
	// The server reads in order, so the pong means the duplicate was handled.
	if err := c.Send(context.Background(), c.NewMsgID(), session.Ping{PingID: 7}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	for wait(t, rec.pongs, "pong").PingID != 7 {
	}
	close(release)

	resp := wait(t, rec.responses, "response")
	if resp.ReqMsgID != id || string(resp.Body) != "done" {
		t.Fatalf("unexpected response %+v", resp)
	}
	select {
	case ack := <-rec.acks:
		t.Fatalf("duplicate acked again: %+v", ack)
	case resp := <-rec.responses:
		t.Fatalf("duplicate answered twice: %+v", resp)
	case <-time.After(200 * time.Millisecond):
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestStaleMessageIDGetsBadMsg(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	old := clock.FromTime(time.Now().Add(-10 * time.Minute))
	if err := c.Send(context.Background(), old, session.Request{Method: MethodEcho}); err != nil {
		t.Fatalf("send: %v", err)
	}
	bad := wait(t, rec.badMsgs, "bad msg")
	if bad.ReqMsgID != old || bad.Code != session.BadMsgIDTooLow {
		t.Fatalf("unexpected bad msg %+v", bad)
	}
	future := clock.FromTime(time.Now().Add(10 * time.Minute))
	if err := c.Send(context.Background(), future, session.Request{Method: MethodEcho}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if bad := wait(t, rec.badMsgs, "bad msg"); bad.Code != session.BadMsgIDTooHigh {
		t.Fatalf("unexpected bad msg %+v", bad)
	}
}

func TestPublishPushesUpdates(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	rec := newRecorder()
	h.mustDial(t, rec, clientOpts{})
	h.srv.Publish("updateNewMessage", []byte(`{"text":"hi"}`))
	h.srv.Publish("updateNewMessage", []byte(`{"text":"again"}`))
	u1 := wait(t, rec.updates, "update 1")
	u2 := wait(t, rec.updates, "update 2")
	if u1.Seq != 1 || u2.Seq != 2 || u1.Count != 1 || u1.Kind != "updateNewMessage" {
		t.Fatalf("unexpected updates %+v %+v", u1, u2)
	}
}

func TestGetDifference(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	for i := 0; i < 3; i++ {
		h.srv.Publish("k", []byte{byte(i)})
	}
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	body, _ := json.Marshal(updates.StateBody{Seq: 1})
	invoke(t, c, updates.MethodGetDifference, body)
	resp := wait(t, rec.responses, "difference")
	diff, err := updates.DecodeDifference(resp.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diff.Updates) != 2 || diff.Updates[0].Seq != 2 || diff.State.Seq != 3 {
		t.Fatalf("unexpected difference %+v", diff)
	}

	invoke(t, c, updates.MethodGetState, nil)
	var st updates.StateBody
	if err := json.Unmarshal(wait(t, rec.responses, "state").Body, &st); err != nil || st.Seq != 3 {
		t.Fatalf("unexpected state %+v err=%v", st, err)
	}
}

func TestDifferenceTooLongAfterTrim(t *testing.T) {
	testlog.Start(t)
	l := newUpdateLog(clock.NewGenerator(), 2)
	for i := 0; i < 5; i++ {
		l.Append("k", nil)
	}
	diff := l.Difference(store.UpdateState{Seq: 1})
	if !diff.TooLong || diff.State.Seq != 5 {
		t.Fatalf("expected too long difference, got %+v", diff)
	}
	diff = l.Difference(store.UpdateState{Seq: 3})
	if diff.TooLong || len(diff.Updates) != 2 {
		t.Fatalf("unexpected difference %+v", diff)
	}
}

func TestGetConfig(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, func(c *Config) {
		c.DCs = []dc.Option{{ID: 2, Addr: "127.0.0.1:1", Transport: dc.TransportTCP}}
	})
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	invoke(t, c, MethodGetConfig, nil)
	var cfg ConfigBody
	if err := json.Unmarshal(wait(t, rec.responses, "config").Body, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.ThisDC != 2 || cfg.Date == 0 || len(cfg.DCs) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestPingPong(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{})
	id := c.NewMsgID()
	if err := c.Send(context.Background(), id, session.Ping{PingID: 9}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if p := wait(t, rec.pongs, "pong"); p.PingID != 9 || p.ReqMsgID != id {
		t.Fatalf("unexpected pong %+v", p)
	}
}

func TestStoredKeyReusedAndSessionResumed(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	st := store.NewMemory()
	sid := conn.NewSessionID()
	c1 := h.mustDial(t, newRecorder(), clientOpts{store: st, sessionID: sid})
	keyID := c1.AuthKeyID()
	_ = c1.Close()

	c2 := h.mustDial(t, newRecorder(), clientOpts{store: st, sessionID: sid})
	if c2.AuthKeyID() != keyID {
		t.Fatalf("stored key not reused: %016x vs %016x", c2.AuthKeyID(), keyID)
	}
	if c2.NewSession() {
		t.Fatalf("rebinding the same session id should resume it")
	}
}

func TestUnregisteredKeyTriggersNewExchange(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	st := store.NewMemory()
	c1 := h.mustDial(t, newRecorder(), clientOpts{store: st})
	oldID := c1.AuthKeyID()
	_ = c1.Close()
	h.srv.ForgetKey(oldID)

	c2 := h.mustDial(t, newRecorder(), clientOpts{store: st})
	if c2.AuthKeyID() == oldID {
		t.Fatalf("expected a fresh auth key")
	}
	saved, err := st.AuthKey(context.Background(), 2)
	if err != nil || saved.ID != c2.AuthKeyID() {
		t.Fatalf("new key not stored: %+v err=%v", saved, err)
	}
}

func TestBindRejected(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, func(c *Config) { c.Validator = auth.StaticToken{Token: "secret"} })
	_, err := h.dial(t, newRecorder(), clientOpts{token: "wrong"})
	var te session.TransportError
	if !errors.As(err, &te) || te.Message != session.BindRejected {
		t.Fatalf("expected BIND_REJECTED, got %v", err)
	}
	if _, err := h.dial(t, newRecorder(), clientOpts{token: "secret"}); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestWrongPinnedKeyRejected(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	other, err := secure.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	_, err = h.dial(t, newRecorder(), clientOpts{serverKey: &other.Public})
	var te session.TransportError
	if !errors.As(err, &te) || te.Message != session.KeyFingerprintInvalid {
		t.Fatalf("expected fingerprint rejection, got %v", err)
	}
}

func TestWebSocketTransport(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewServer(h.srv.WSHandler(ctx))
	defer ts.Close()

	rec := newRecorder()
	c := h.mustDial(t, rec, clientOpts{transport: dc.TransportWS, addr: strings.TrimPrefix(ts.URL, "http://")})
	invoke(t, c, MethodEcho, []byte("over ws"))
	if resp := wait(t, rec.responses, "ws response"); string(resp.Body) != "over ws" {
		t.Fatalf("unexpected ws response %q", resp.Body)
	}
}

func TestProductionRequiresValidator(t *testing.T) {
	testlog.Start(t)
	kp, _ := secure.GenerateKeyPair(nil)
	cfg := Config{StaticKey: kp, Session: session.DefaultConfig()}
	cfg.Session.SecurityMode = session.SecurityModeProduction
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected production config without validator to fail")
	}
}
