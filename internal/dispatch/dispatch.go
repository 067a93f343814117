// Package dispatch correlates requests with their answers.
//
// Every request lives in a session.RequestOutbox under its current message id
// until an answer arrives. Requests outlive connections: whatever is still
// pending when a new connection becomes ready is sent again.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/rs/zerolog"
)

const (
	// resendMargin keeps a resent id clear of the edge of the server's window.
	resendMargin = 30 * time.Second
	// minFloodWait paces retries of FLOOD_WAIT_0.
	minFloodWait = time.Second
)

// Sender writes one message on a live connection.
type Sender interface {
	Send(ctx context.Context, msgID uint64, m session.Message) error
}

type Options struct {
	// Current returns the live connection, or an error while there is none.
	Current func() (Sender, error)
	Clock   *clock.Generator

	// RequestTimeout bounds one Invoke, flood waits included.
	RequestTimeout time.Duration
	// FloodWaitMax is the longest FLOOD_WAIT retried automatically.
	// Negative disables the retry.
	FloodWaitMax time.Duration
	// ResendWindow is how old a message id may be and still be resent as is.
	ResendWindow time.Duration

	OnUpdate func(session.Update)
}

type result struct {
	body []byte
	err  error
}

type call struct {
	id     uint64
	method string
	done   chan result
}

// Dispatcher implements conn.Handler for answers and forwards updates.
type Dispatcher struct {
	opts   Options
	outbox *session.RequestOutbox
	log    zerolog.Logger

	mu     sync.Mutex
	calls  map[uint64]*call
	closed bool
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.NewGenerator()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = session.DefaultConfig().RequestTimeout
	}
	if opts.FloodWaitMax == 0 {
		opts.FloodWaitMax = defaultFloodWaitMax
	}
	if opts.ResendWindow <= 0 {
		opts.ResendWindow = secure.DefaultReplayPast - resendMargin
	}
	if opts.Current == nil {
		opts.Current = func() (Sender, error) { return nil, errors.New("dispatch: no connection") }
	}
	return &Dispatcher{
		opts:   opts,
		outbox: session.NewRequestOutbox(),
		log:    logging.Component("dispatch"),
		calls:  make(map[uint64]*call),
	}
}

// Outbox exposes the pending requests.
func (d *Dispatcher) Outbox() *session.RequestOutbox {
	return d.outbox
}

// Invoke sends method and waits for its answer. Error answers come back as
// *RPCError or *BadMsgError.
func (d *Dispatcher) Invoke(ctx context.Context, method string, body []byte) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeoutCause(ctx, d.opts.RequestTimeout, ErrRequestTimeout)
	defer cancel()

	for {
		out, err := d.invokeOnce(ctx, method, body)
		if wait, ok := AsFloodWait(err); ok && d.opts.FloodWaitMax >= 0 && wait <= d.opts.FloodWaitMax {
			wait = max(wait, minFloodWait)
			d.log.Info().Str("method", method).Dur("wait", wait).Msg("dispatch: flood wait, retrying")
			observability.RecordRPC(method, "flood_wait", time.Since(start))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, d.ctxErr(ctx)
			case <-timer.C:
			}
			continue
		}
		observability.RecordRPC(method, resultLabel(err), time.Since(start))
		return out, err
	}
}

func (d *Dispatcher) invokeOnce(ctx context.Context, method string, body []byte) ([]byte, error) {
	now := d.opts.Clock.Now()
	c := &call{id: d.opts.Clock.New(clock.KindClient), method: method, done: make(chan result, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.calls[c.id] = c
	deadline, _ := ctx.Deadline()
	d.outbox.Upsert(session.PendingRequest{
		MsgID:      c.id,
		Method:     method,
		Body:       body,
		QueuedAt:   now,
		DeadlineAt: deadline,
	})
	d.mu.Unlock()

	if s, err := d.opts.Current(); err == nil {
		d.send(ctx, s, c.id)
	} else {
		d.log.Debug().Str("method", method).Uint64("msg_id", c.id).Msg("dispatch: queued until connected")
	}

	select {
	case r := <-c.done:
		return r.body, r.err
	case <-ctx.Done():
		d.forget(c)
		return nil, d.ctxErr(ctx)
	}
}

func (d *Dispatcher) ctxErr(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrRequestTimeout) {
		return ErrRequestTimeout
	}
	return ctx.Err()
}

// forget drops an abandoned call. An answer arriving later is logged and dropped.
func (d *Dispatcher) forget(c *call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.calls, c.id)
	d.outbox.Remove(c.id)
}

func (d *Dispatcher) send(ctx context.Context, s Sender, msgID uint64) {
	item, ok := d.outbox.Get(msgID)
	if !ok {
		return
	}
	err := s.Send(ctx, msgID, session.Request{Method: item.Method, Body: item.Body})
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
		d.log.Debug().Err(err).Str("method", item.Method).Uint64("msg_id", msgID).Msg("dispatch: send failed, waiting for reconnect")
	}
	d.outbox.MarkAttempt(msgID, d.opts.Clock.Now(), lastErr)
}

// take removes and returns the call waiting on msgID.
func (d *Dispatcher) take(msgID uint64) (*call, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.calls[msgID]
	if !ok {
		return nil, false
	}
	delete(d.calls, msgID)
	d.outbox.Remove(msgID)
	return c, true
}

func (d *Dispatcher) resolve(msgID uint64, r result) {
	c, ok := d.take(msgID)
	if !ok {
		d.log.Debug().Uint64("req_msg_id", msgID).Msg("dispatch: drop answer for unknown request")
		return
	}
	c.done <- r
}

// renumber moves a call to a fresh id and returns it.
func (d *Dispatcher) renumber(oldID uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.calls[oldID]
	if !ok {
		return 0, false
	}
	newID := d.opts.Clock.New(clock.KindClient)
	if _, ok := d.outbox.Rekey(oldID, newID); !ok {
		return 0, false
	}
	delete(d.calls, oldID)
	c.id = newID
	d.calls[newID] = c
	return newID, true
}

// OnReady resends every unanswered request on s in ascending id order. Ids
// still inside the resend window are kept so the server can answer from its
// cache; older ones are renumbered.
func (d *Dispatcher) OnReady(ctx context.Context, s Sender) {
	cutoff := d.opts.Clock.Now().Add(-d.opts.ResendWindow)
	pending := d.outbox.List()
	if len(pending) > 0 {
		d.log.Info().Int("pending", len(pending)).Msg("dispatch: resending pending requests")
	}
	for _, item := range pending {
		id := item.MsgID
		if clock.TimeOf(id).Before(cutoff) {
			newID, ok := d.renumber(id)
			if !ok {
				continue
			}
			id = newID
		}
		d.send(ctx, s, id)
	}
}

// Close fails every pending request with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, c := range d.calls {
		delete(d.calls, id)
		d.outbox.Remove(id)
		c.done <- result{err: ErrClosed}
	}
}

func (d *Dispatcher) HandleResponse(r session.Response) {
	d.resolve(r.ReqMsgID, result{body: r.Body})
}

func (d *Dispatcher) HandleRPCError(e session.RPCError) {
	d.resolve(e.ReqMsgID, result{err: NewRPCError(int(e.Code), e.Message)})
}

// HandleBadMsg corrects the clock for id-out-of-window notices and resends
// under a fresh id. Any other code fails the request.
func (d *Dispatcher) HandleBadMsg(b session.BadMsg) {
	switch b.Code {
	case session.BadMsgIDTooLow, session.BadMsgIDTooHigh:
		offset := d.opts.Clock.SyncServerTime(clock.FromUnixMilli(b.TimestampMS))
		newID, ok := d.renumber(b.ReqMsgID)
		if !ok {
			return
		}
		d.log.Info().
			Uint64("msg_id", b.ReqMsgID).
			Uint64("new_msg_id", newID).
			Uint32("code", b.Code).
			Dur("offset", offset).
			Msg("dispatch: clock corrected, resending")
		s, err := d.opts.Current()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.RequestTimeout)
		defer cancel()
		d.send(ctx, s, newID)
	default:
		d.resolve(b.ReqMsgID, result{err: &BadMsgError{MsgID: b.ReqMsgID, Code: b.Code}})
	}
}

func (d *Dispatcher) HandleAck(a session.Ack) {
	d.outbox.MarkAcked(a.MsgIDs...)
}

func (d *Dispatcher) HandlePong(p session.Pong) {
	d.log.Trace().Uint64("ping_id", p.PingID).Msg("dispatch: pong")
}

func (d *Dispatcher) HandleUpdate(u session.Update) {
	if d.opts.OnUpdate != nil {
		d.opts.OnUpdate(u)
	}
}

func resultLabel(err error) string {
	var rpcErr *RPCError
	var badMsg *BadMsgError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.As(err, &badMsg):
		return "bad_msg"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "canceled"
}
