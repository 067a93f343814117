// Package conn owns authenticated sessions to a data center.
//
// A Conn is one live stream: key agreement (or a stored auth key), session
// bind, then a read loop, a ping loop and an ack flusher. Manager keeps one
// Conn alive for the current DC and reconnects with backoff.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/protocol/frame"
	"github.com/danmuck/tdcore/internal/protocol/schema"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionDead  = errors.New("conn: session dead")
	ErrClosed       = errors.New("conn: closed")
	ErrNotConnected = errors.New("conn: not connected")
	ErrPlaintext    = errors.New("conn: unexpected plaintext frame")
	ErrKeyMismatch  = errors.New("conn: auth key id mismatch")
)

const maxPendingAcks = 16

// Handler receives decoded server messages from the read loop. Methods are
// called sequentially from one goroutine and must not block for long.
type Handler interface {
	HandleResponse(r session.Response)
	HandleRPCError(e session.RPCError)
	HandleUpdate(u session.Update)
	HandleBadMsg(b session.BadMsg)
	HandleAck(a session.Ack)
	HandlePong(p session.Pong)
}

// Options configures one connection attempt.
type Options struct {
	DC            dc.Option
	Session       session.Config
	ServerKey     [secure.KeySize]byte
	Store         store.Store
	Clock         *clock.Generator
	Replay        *secure.ReplayGuard
	Handler       Handler
	Dialer        transport.Dialer
	SessionID     uint64
	DeviceID      string
	APIToken      string
	ClientVersion string
	Layer         uint32
}

// Conn is one bound session over one stream.
type Conn struct {
	opts   Options
	stream transport.Stream
	reader *bufio.Reader
	codec  session.Codec
	limits frame.Limits
	cipher *secure.Cipher
	ack    session.BindAck
	log    zerolog.Logger

	wmu sync.Mutex

	ackMu    sync.Mutex
	acks     []uint64
	ackKick  chan struct{}
	lastRecv atomic.Int64
	pingSeq  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects, authenticates and binds. The returned Conn is ready for Send
// but does not read until Run is called.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts.Session = opts.Session.WithDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.NewGenerator()
	}
	if opts.Replay == nil {
		opts.Replay = secure.NewReplayGuard(0, opts.Clock.Now)
	}
	stream, err := opts.Dialer.Dial(ctx, opts.DC)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		opts:    opts,
		stream:  stream,
		reader:  bufio.NewReaderSize(stream, 64*1024),
		codec:   opts.Session.Codec(),
		limits:  opts.Session.Codec().Limits(),
		log:     logging.Component("conn").With().Uint32("dc_id", opts.DC.ID).Logger(),
		ackKick: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := c.setup(ctx); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) setup(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.Session.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.stream.SetReadDeadline(deadline)
	_ = c.stream.SetWriteDeadline(deadline)

	key, err := c.opts.Store.AuthKey(ctx, c.opts.DC.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if key, err = c.newAuthKey(ctx); err != nil {
			return err
		}
	case err != nil:
		return &session.HandshakeError{Stage: "load_key", Err: err}
	}

	ack, err := c.bindWith(ctx, key)
	var te session.TransportError
	if errors.As(err, &te) && te.Message == session.AuthKeyUnregistered {
		c.log.Warn().Uint64("auth_key_id", key.ID).Msg("conn: auth key unregistered, redoing key exchange")
		if err := c.opts.Store.DeleteAuthKey(ctx, c.opts.DC.ID); err != nil {
			return &session.HandshakeError{Stage: "drop_key", Err: err}
		}
		if key, err = c.newAuthKey(ctx); err != nil {
			return err
		}
		ack, err = c.bindWith(ctx, key)
	}
	if err != nil {
		return &session.HandshakeError{Stage: "bind", Err: err}
	}
	c.ack = ack
	c.opts.Clock.SyncServerTime(clock.FromUnixMilli(ack.TimestampMS))

	_ = c.stream.SetReadDeadline(time.Time{})
	_ = c.stream.SetWriteDeadline(time.Time{})
	c.lastRecv.Store(time.Now().UnixNano())
	c.log.Info().
		Uint64("session_id", ack.SessionID).
		Bool("new_session", ack.NewSession).
		Uint64("auth_key_id", key.ID).
		Msg("conn: session bound")
	return nil
}

func (c *Conn) newAuthKey(ctx context.Context) (secure.AuthKey, error) {
	key, err := c.exchangeKey()
	if err != nil {
		return secure.AuthKey{}, &session.HandshakeError{Stage: "key_exchange", Err: err}
	}
	if err := c.opts.Store.SaveAuthKey(ctx, c.opts.DC.ID, key); err != nil {
		return secure.AuthKey{}, &session.HandshakeError{Stage: "save_key", Err: err}
	}
	return key, nil
}

func (c *Conn) exchangeKey() (secure.AuthKey, error) {
	h, err := secure.NewClientHandshake(c.opts.ServerKey, nil)
	if err != nil {
		return secure.AuthKey{}, err
	}
	init := session.HandshakeInit{
		Nonce:          h.Nonce(),
		PublicKey:      h.Public(),
		KeyFingerprint: h.ServerFingerprint(),
	}
	if err := c.writePlain(c.opts.Clock.New(clock.KindClient), init); err != nil {
		return secure.AuthKey{}, err
	}
	f, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		return secure.AuthKey{}, err
	}
	reply, err := session.Expect[session.HandshakeReply](c.codec, f)
	if err != nil {
		return secure.AuthKey{}, err
	}
	key, err := h.Finish(reply.Nonce, reply.ServerNonce, reply.PublicKey, reply.Confirm)
	if err != nil {
		return secure.AuthKey{}, err
	}
	if reply.AuthKeyID != key.ID {
		return secure.AuthKey{}, fmt.Errorf("%w: server=%016x local=%016x", ErrKeyMismatch, reply.AuthKeyID, key.ID)
	}
	c.opts.Clock.SyncServerTime(clock.FromUnixMilli(reply.TimestampMS))
	c.log.Info().Uint64("auth_key_id", key.ID).Msg("conn: auth key created")
	return key, nil
}

func (c *Conn) bindWith(ctx context.Context, key secure.AuthKey) (session.BindAck, error) {
	cipher, err := secure.NewCipher(key, false)
	if err != nil {
		return session.BindAck{}, err
	}
	c.cipher = cipher
	bind := session.Bind{
		SessionID:     c.opts.SessionID,
		DeviceID:      c.opts.DeviceID,
		APIToken:      c.opts.APIToken,
		ClientVersion: c.opts.ClientVersion,
		Layer:         c.opts.Layer,
	}
	if err := c.write(ctx, c.opts.Clock.New(clock.KindClient), bind); err != nil {
		return session.BindAck{}, err
	}
	f, err := c.readFrame()
	if err != nil {
		return session.BindAck{}, err
	}
	return session.Expect[session.BindAck](c.codec, f)
}

// readFrame reads one frame and decrypts it. Only a transport error may
// arrive in plaintext once a key is in use.
func (c *Conn) readFrame() (frame.Frame, error) {
	f, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		return frame.Frame{}, err
	}
	if !f.Has(frame.FlagEncrypted) {
		if f.Header.MessageType == schema.MsgTransportError {
			return f, nil
		}
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrPlaintext, schema.Name(f.Header.MessageType))
	}
	return c.cipher.Open(f)
}

func (c *Conn) writePlain(msgID uint64, m session.Message) error {
	f, err := c.codec.Encode(msgID, m)
	if err != nil {
		return err
	}
	return c.writeFrame(context.Background(), f)
}

func (c *Conn) write(ctx context.Context, msgID uint64, m session.Message) error {
	f, err := c.codec.Encode(msgID, m)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, c.cipher.Seal(f))
}

func (c *Conn) writeFrame(ctx context.Context, f frame.Frame) error {
	b, err := frame.Marshal(f, c.limits)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(c.opts.Session.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = c.stream.Write(b)
	return err
}

// Send encrypts and writes m under msgID.
func (c *Conn) Send(ctx context.Context, msgID uint64, m session.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(ctx, msgID, m)
}

// NewMsgID allocates a client message id from the shared clock.
func (c *Conn) NewMsgID() uint64 {
	return c.opts.Clock.New(clock.KindClient)
}

func (c *Conn) DC() uint32               { return c.opts.DC.ID }
func (c *Conn) SessionID() uint64        { return c.ack.SessionID }
func (c *Conn) NewSession() bool         { return c.ack.NewSession }
func (c *Conn) AuthKeyID() uint64        { return c.cipher.KeyID() }
func (c *Conn) Done() <-chan struct{}    { return c.done }
func (c *Conn) RemoteAddr() net.Addr     { return c.stream.RemoteAddr() }
func (c *Conn) BindAck() session.BindAck { return c.ack }

// Run drives the read, ping and ack loops until one fails or ctx ends.
// The stream is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.pingLoop(gctx) })
	g.Go(func() error { return c.ackLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)) {
		return ctx.Err()
	}
	return err
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.stream.Close()
	})
	return err
}

func (c *Conn) readLoop() error {
	for {
		_ = c.stream.SetReadDeadline(time.Now().Add(c.opts.Session.SessionDeadAfter))
		f, err := c.readFrame()
		if err != nil {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%w: nothing received for %s", ErrSessionDead, c.opts.Session.SessionDeadAfter)
			}
			return err
		}
		c.lastRecv.Store(time.Now().UnixNano())

		msg, err := c.codec.Decode(f)
		if err != nil {
			c.log.Warn().Err(err).Uint64("msg_id", f.Header.MessageID).Msg("conn: drop undecodable frame")
			continue
		}
		if te, ok := msg.(session.TransportError); ok {
			return te
		}
		if err := c.opts.Replay.Check(c.cipher.KeyID(), f.Header.MessageID); err != nil {
			c.log.Warn().Err(err).Uint64("msg_id", f.Header.MessageID).Str("type", schema.Name(f.Header.MessageType)).Msg("conn: drop replayed frame")
			continue
		}
		c.dispatch(f.Header.MessageID, msg)
	}
}

func (c *Conn) dispatch(msgID uint64, msg session.Message) {
	h := c.opts.Handler
	switch m := msg.(type) {
	case session.Response:
		h.HandleResponse(m)
	case session.RPCError:
		h.HandleRPCError(m)
	case session.Update:
		c.queueAck(msgID)
		h.HandleUpdate(m)
	case session.BadMsg:
		h.HandleBadMsg(m)
	case session.Ack:
		h.HandleAck(m)
	case session.Pong:
		h.HandlePong(m)
	default:
		c.log.Debug().Str("type", schema.Name(msg.MessageType())).Msg("conn: ignore message")
	}
}

func (c *Conn) queueAck(msgID uint64) {
	c.ackMu.Lock()
	c.acks = append(c.acks, msgID)
	full := len(c.acks) >= maxPendingAcks
	c.ackMu.Unlock()
	if full {
		select {
		case c.ackKick <- struct{}{}:
		default:
		}
	}
}

func (c *Conn) flushAcks(ctx context.Context) error {
	c.ackMu.Lock()
	ids := c.acks
	c.acks = nil
	c.ackMu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return c.write(ctx, c.NewMsgID(), session.Ack{MsgIDs: ids})
}

func (c *Conn) ackLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Session.AckFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.ackKick:
		}
		if err := c.flushAcks(ctx); err != nil {
			return err
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := c.write(ctx, c.NewMsgID(), session.Ping{PingID: c.pingSeq.Add(1)}); err != nil {
			return err
		}
	}
}

// LastReceived reports when the last frame arrived.
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}
