package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/auth"
	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/frame"
	"github.com/danmuck/tdcore/internal/protocol/schema"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/transport"
	"github.com/rs/zerolog"
)

var ErrUnexpectedPlaintext = errors.New("server: unexpected plaintext frame")

// serverConn is one accepted stream.
type serverConn struct {
	srv    *Server
	stream transport.Stream
	reader *bufio.Reader
	cipher *secure.Cipher
	sess   *boundSession
	log    zerolog.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newServerConn(s *Server, stream transport.Stream) *serverConn {
	remote := ""
	if addr := stream.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &serverConn{
		srv:    s,
		stream: stream,
		reader: bufio.NewReaderSize(stream, 64*1024),
		log:    logging.Component("server").With().Uint32("dc_id", s.cfg.DCID).Str("remote", remote).Logger(),
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
	})
}

func (c *serverConn) serve(ctx context.Context) error {
	cfg := c.srv.cfg.Session
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = c.stream.SetReadDeadline(deadline)
	_ = c.stream.SetWriteDeadline(deadline)

	// A client told its key is unregistered may start over with a key
	// exchange on the same stream, once.
	for retry := true; ; retry = false {
		f, err := frame.ReadFrame(c.reader, c.srv.limits)
		if err != nil {
			return err
		}
		if !f.Has(frame.FlagEncrypted) {
			if f, err = c.keyExchange(f); err != nil {
				return err
			}
		}
		err = c.bind(f)
		if err == nil {
			break
		}
		if !retry || !errors.Is(err, secure.ErrUnknownKey) {
			return err
		}
		c.log.Info().Err(err).Msg("server: unknown auth key, waiting for key exchange")
	}
	defer c.sess.detach(c)

	_ = c.stream.SetWriteDeadline(time.Time{})
	return c.readLoop(ctx)
}

// keyExchange answers a HandshakeInit and returns the first encrypted frame.
func (c *serverConn) keyExchange(f frame.Frame) (frame.Frame, error) {
	observability.RecordServerFrame("in", schema.Name(f.Header.MessageType))
	init, err := session.Expect[session.HandshakeInit](c.srv.codec, f)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrUnexpectedPlaintext, err)
	}
	static := c.srv.cfg.StaticKey
	if init.KeyFingerprint != secure.Fingerprint(static.Public[:]) {
		_ = c.writePlain(session.TransportError{Code: session.TransportCodeBadKey, Message: session.KeyFingerprintInvalid})
		return frame.Frame{}, fmt.Errorf("server: client pinned key %016x", init.KeyFingerprint)
	}
	reply, err := secure.AcceptHandshake(static, init.Nonce, init.PublicKey, nil)
	if err != nil {
		return frame.Frame{}, err
	}
	c.srv.registerKey(reply.Key)
	if err := c.writePlain(session.HandshakeReply{
		Nonce:       init.Nonce,
		ServerNonce: reply.ServerNonce,
		PublicKey:   reply.Public,
		Confirm:     reply.Confirm,
		AuthKeyID:   reply.Key.ID,
		TimestampMS: clock.UnixMilli(c.srv.clock.Now()),
	}); err != nil {
		return frame.Frame{}, err
	}
	c.log.Info().Uint64("auth_key_id", reply.Key.ID).Msg("server: auth key created")

	next, err := frame.ReadFrame(c.reader, c.srv.limits)
	if err != nil {
		return frame.Frame{}, err
	}
	if !next.Has(frame.FlagEncrypted) {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedPlaintext, schema.Name(next.Header.MessageType))
	}
	return next, nil
}

func (c *serverConn) bind(f frame.Frame) error {
	keyID, ok := secure.KeyIDFromAuth(f.Auth)
	key, known := c.srv.authKey(keyID)
	if !ok || !known {
		_ = c.writePlain(session.TransportError{Code: session.TransportCodeAuthKeyUnregistered, Message: session.AuthKeyUnregistered})
		return fmt.Errorf("%w: %016x", secure.ErrUnknownKey, keyID)
	}
	cipher, err := secure.NewCipher(key, true)
	if err != nil {
		return err
	}
	c.cipher = cipher
	pf, err := cipher.Open(f)
	if err != nil {
		return err
	}
	observability.RecordServerFrame("in", schema.Name(pf.Header.MessageType))
	b, err := session.Expect[session.Bind](c.srv.codec, pf)
	if err != nil {
		return err
	}
	creds := auth.Credentials{
		APIToken:      b.APIToken,
		DeviceID:      b.DeviceID,
		ClientVersion: b.ClientVersion,
		Layer:         b.Layer,
	}
	if err := c.srv.cfg.Validator.Validate(creds); err != nil {
		_ = c.writePlain(session.TransportError{Code: session.TransportCodeBindRejected, Message: session.BindRejected})
		return fmt.Errorf("server: bind rejected for device %q: %w", b.DeviceID, err)
	}

	sess, created := c.srv.bindSession(sessionKey{authKeyID: key.ID, sessionID: b.SessionID}, b.DeviceID)
	if prev := sess.attach(c); prev != nil && prev != c {
		prev.log.Info().Uint64("session_id", b.SessionID).Msg("server: connection replaced")
		prev.close()
	}
	c.sess = sess
	c.log = c.log.With().Uint64("session_id", b.SessionID).Str("session_ref", sess.ref).Logger()

	if err := c.write(c.srv.clock.New(clock.KindServerResponse), session.BindAck{
		SessionID:   b.SessionID,
		NewSession:  created,
		TimestampMS: clock.UnixMilli(c.srv.clock.Now()),
		DCID:        c.srv.cfg.DCID,
	}); err != nil {
		return err
	}
	c.log.Info().
		Bool("new_session", created).
		Str("device_id", b.DeviceID).
		Str("client_version", b.ClientVersion).
		Msg("server: session bound")
	return nil
}

func (c *serverConn) readLoop(ctx context.Context) error {
	idle := c.srv.cfg.Session.SessionDeadAfter
	for {
		_ = c.stream.SetReadDeadline(time.Now().Add(idle))
		f, err := frame.ReadFrame(c.reader, c.srv.limits)
		if err != nil {
			return err
		}
		pf, err := c.cipher.Open(f)
		if err != nil {
			return err
		}
		msgID := pf.Header.MessageID
		observability.RecordServerFrame("in", schema.Name(pf.Header.MessageType))

		if clock.KindOf(msgID) != clock.KindClient {
			c.badMsg(msgID, session.BadMsgInvalid)
			continue
		}
		if err := c.srv.window.CheckWindow(msgID); err != nil {
			code := session.BadMsgIDTooLow
			if errors.Is(err, secure.ErrMsgTooNew) {
				code = session.BadMsgIDTooHigh
			}
			c.log.Debug().Err(err).Uint64("msg_id", msgID).Msg("server: message id outside window")
			c.badMsg(msgID, code)
			continue
		}
		msg, err := c.srv.codec.Decode(pf)
		if err != nil {
			c.log.Debug().Err(err).Uint64("msg_id", msgID).Msg("server: invalid message")
			c.badMsg(msgID, session.BadMsgInvalid)
			continue
		}

		switch m := msg.(type) {
		case session.Request:
			c.request(msgID, m)
		case session.Ping:
			if err := c.write(c.srv.clock.New(clock.KindServerResponse), session.Pong{PingID: m.PingID, ReqMsgID: msgID}); err != nil {
				return err
			}
		case session.Ack:
			c.log.Trace().Int("count", len(m.MsgIDs)).Msg("server: client ack")
		default:
			c.badMsg(msgID, session.BadMsgInvalid)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *serverConn) badMsg(msgID uint64, code uint32) {
	_ = c.write(c.srv.clock.New(clock.KindServerResponse), session.BadMsg{
		ReqMsgID:    msgID,
		Code:        code,
		TimestampMS: clock.UnixMilli(c.srv.clock.Now()),
	})
}

// request acks and runs one request. Handlers run on their own goroutine;
// the answer goes to whichever connection holds the session when it is ready.
func (c *serverConn) request(msgID uint64, req session.Request) {
	cached, state := c.sess.begin(msgID)
	switch state {
	case answerReady:
		c.log.Debug().Uint64("msg_id", msgID).Msg("server: resend cached answer")
		_ = c.write(c.srv.clock.New(clock.KindServerResponse), cached)
		return
	case answerInFlight:
		return
	}
	_ = c.write(c.srv.clock.New(clock.KindServerResponse), session.Ack{MsgIDs: []uint64{msgID}})

	call := Call{
		MsgID:     msgID,
		Method:    req.Method,
		Body:      req.Body,
		SessionID: c.sess.key.sessionID,
		AuthKeyID: c.sess.key.authKeyID,
		DeviceID:  c.sess.deviceID,
	}
	sess := c.sess
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		answer := c.srv.call(call)
		sess.finish(msgID, answer)
		if live := sess.live(); live != nil {
			if err := live.write(c.srv.clock.New(clock.KindServerResponse), answer); err != nil {
				live.log.Debug().Err(err).Uint64("msg_id", msgID).Msg("server: answer not delivered")
			}
		}
	}()
}

func (s *Server) call(call Call) (answer session.Message) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("method", call.Method).Msg("server: handler panic")
			answer = session.RPCError{ReqMsgID: call.MsgID, Code: uint32(ErrInternal.Code), Message: ErrInternal.Message}
			result = "panic"
		}
		s.log.Debug().Str("method", call.Method).Uint64("msg_id", call.MsgID).Str("result", result).Dur("took", time.Since(start)).Msg("server: call")
	}()

	fn, ok := s.handler(call.Method)
	if !ok {
		result = "unknown_method"
		return session.RPCError{ReqMsgID: call.MsgID, Code: uint32(ErrMethodInvalid.Code), Message: ErrMethodInvalid.Message}
	}
	ctx, cancel := context.WithTimeout(s.base, s.cfg.Session.RequestTimeout)
	defer cancel()
	body, err := fn(ctx, call)
	if err != nil {
		e := asError(err)
		result = "error"
		if e == ErrInternal {
			s.log.Warn().Err(err).Str("method", call.Method).Msg("server: handler failed")
		}
		return session.RPCError{ReqMsgID: call.MsgID, Code: uint32(e.Code), Message: e.Message}
	}
	if body == nil {
		body = []byte{}
	}
	return session.Response{ReqMsgID: call.MsgID, Body: body}
}

func (c *serverConn) writePlain(m session.Message) error {
	f, err := c.srv.codec.Encode(c.srv.clock.New(clock.KindServerResponse), m)
	if err != nil {
		return err
	}
	return c.writeFrame(f, m)
}

func (c *serverConn) write(msgID uint64, m session.Message) error {
	if c.cipher == nil {
		return errors.New("server: write before key agreement")
	}
	f, err := c.srv.codec.Encode(msgID, m)
	if err != nil {
		return err
	}
	return c.writeFrame(c.cipher.Seal(f), m)
}

func (c *serverConn) writeFrame(f frame.Frame, m session.Message) error {
	b, err := frame.Marshal(f, c.srv.limits)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(c.srv.cfg.Session.WriteTimeout))
	if _, err := c.stream.Write(b); err != nil {
		return err
	}
	observability.RecordServerFrame("out", schema.Name(m.MessageType()))
	return nil
}
