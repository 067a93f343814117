// Package updates orders the server update stream.
//
// Updates carry a sequence number and the count of events they cover. An
// update is applied when it continues the local position exactly; one that
// skips ahead is held until the hole is filled or GapTimeout passes, after
// which the missing range is fetched with updates.getDifference.
package updates

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/rs/zerolog"
)

const (
	DefaultGapTimeout   = 500 * time.Millisecond
	differenceTimeout   = 30 * time.Second
	saveStateTimeout    = 5 * time.Second
	maxDifferenceRounds = 8
)

var ErrClosed = errors.New("updates: closed")

// Differ fetches what the stream missed since from.
type Differ interface {
	Difference(ctx context.Context, from store.UpdateState) (Difference, error)
}

// DifferFunc adapts a function to Differ.
type DifferFunc func(ctx context.Context, from store.UpdateState) (Difference, error)

func (f DifferFunc) Difference(ctx context.Context, from store.UpdateState) (Difference, error) {
	return f(ctx, from)
}

type Options struct {
	Store      store.Store
	Differ     Differ
	GapTimeout time.Duration
}

type Demux struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    store.UpdateState
	pending  map[uint64]session.Update
	gapTimer *time.Timer
	fetching bool
	subs     map[*Subscription]struct{}
	closed   bool
}

// New loads the stored position. A missing position starts from zero.
func New(ctx context.Context, opts Options) (*Demux, error) {
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = DefaultGapTimeout
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	st, err := opts.Store.State(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &Demux{
		opts:    opts,
		log:     logging.Component("updates"),
		state:   st,
		pending: make(map[uint64]session.Update),
		subs:    make(map[*Subscription]struct{}),
	}, nil
}

func (d *Demux) State() store.UpdateState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Subscribe returns a subscription for kinds, or for every kind when none
// are given.
func (d *Demux) Subscribe(kinds ...string) *Subscription {
	s := newSubscription(kinds, d.unsubscribe)
	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.subs[s] = struct{}{}
	}
	d.mu.Unlock()
	if closed {
		s.Close()
	}
	return s
}

func (d *Demux) unsubscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, s)
}

// Handle applies or buffers one update from the wire.
func (d *Demux) Handle(u session.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if u.Seq == 0 {
		d.deliver(u)
		return
	}
	switch {
	case u.Seq <= d.state.Seq:
		d.log.Debug().Uint64("seq", u.Seq).Uint64("state_seq", d.state.Seq).Msg("updates: drop duplicate")
	case d.fits(u):
		d.apply(u)
		if d.drain() && len(d.pending) == 0 {
			observability.RecordUpdateGap("filled")
		}
		d.persist()
	default:
		d.pending[u.Seq] = u
		d.log.Debug().Uint64("seq", u.Seq).Uint64("state_seq", d.state.Seq).Int("buffered", len(d.pending)).Msg("updates: gap, buffering")
		d.armGapTimer()
	}
}

// OnSessionCreated fetches the difference right away: updates sent while no
// session existed were never pushed.
func (d *Demux) OnSessionCreated() {
	d.mu.Lock()
	if d.closed || d.fetching {
		d.mu.Unlock()
		return
	}
	d.stopGapTimer()
	d.fetching = true
	d.mu.Unlock()
	go d.fetchDifference("session_created")
}

// Close stops gap recovery and ends every subscription.
func (d *Demux) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.stopGapTimer()
	subs := make([]*Subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func count(u session.Update) uint64 {
	if u.Count == 0 {
		return 1
	}
	return uint64(u.Count)
}

func (d *Demux) fits(u session.Update) bool {
	return d.state.Seq+count(u) == u.Seq
}

func (d *Demux) apply(u session.Update) {
	d.state.Seq = u.Seq
	if u.TimestampMS > d.state.DateMS {
		d.state.DateMS = u.TimestampMS
	}
	d.deliver(u)
}

func (d *Demux) deliver(u session.Update) {
	observability.RecordUpdate(u.Kind)
	for s := range d.subs {
		if s.matches(u.Kind) {
			s.push(u)
		}
	}
}

// drain applies buffered updates that now fit and discards covered ones.
// It reports whether anything was applied.
func (d *Demux) drain() bool {
	applied := false
	for {
		progressed := false
		for seq, u := range d.pending {
			switch {
			case seq <= d.state.Seq:
				delete(d.pending, seq)
			case d.fits(u):
				delete(d.pending, seq)
				d.apply(u)
				applied = true
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if len(d.pending) == 0 {
		d.stopGapTimer()
	}
	return applied
}

func (d *Demux) armGapTimer() {
	if d.gapTimer != nil || d.fetching {
		return
	}
	d.gapTimer = time.AfterFunc(d.opts.GapTimeout, d.onGapTimeout)
}

func (d *Demux) stopGapTimer() {
	if d.gapTimer != nil {
		d.gapTimer.Stop()
		d.gapTimer = nil
	}
}

func (d *Demux) onGapTimeout() {
	d.mu.Lock()
	d.gapTimer = nil
	if d.closed || d.fetching || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	d.fetching = true
	d.mu.Unlock()
	d.fetchDifference("gap_timeout")
}

// fetchDifference runs getDifference rounds until the server reports nothing newer.
func (d *Demux) fetchDifference(reason string) {
	defer func() {
		d.mu.Lock()
		d.fetching = false
		if !d.closed && len(d.pending) > 0 {
			d.armGapTimer()
		}
		d.mu.Unlock()
	}()

	if d.opts.Differ == nil {
		d.mu.Lock()
		d.skipGap()
		d.mu.Unlock()
		observability.RecordUpdateGap("skipped")
		return
	}

	for round := 0; round < maxDifferenceRounds; round++ {
		d.mu.Lock()
		from := d.state
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), differenceTimeout)
		diff, err := d.opts.Differ.Difference(ctx, from)
		cancel()
		if err != nil {
			d.log.Warn().Err(err).Str("reason", reason).Uint64("seq", from.Seq).Msg("updates: difference failed")
			observability.RecordUpdateGap("failed")
			return
		}

		d.mu.Lock()
		advanced := d.applyDifference(diff)
		d.mu.Unlock()
		d.log.Info().
			Str("reason", reason).
			Uint64("from_seq", from.Seq).
			Uint64("to_seq", diff.State.Seq).
			Int("updates", len(diff.Updates)).
			Msg("updates: difference applied")
		if !advanced {
			break
		}
	}
	observability.RecordUpdateGap("difference")
}

// applyDifference applies diff in order and adopts its state. It reports
// whether the position moved forward.
func (d *Demux) applyDifference(diff Difference) bool {
	before := d.state.Seq
	ups := append([]session.Update(nil), diff.Updates...)
	sort.SliceStable(ups, func(i, j int) bool { return ups[i].Seq < ups[j].Seq })
	for _, u := range ups {
		if u.Seq == 0 {
			d.deliver(u)
			continue
		}
		if u.Seq <= d.state.Seq {
			continue
		}
		d.apply(u)
	}
	if diff.State.Seq > d.state.Seq {
		d.state.Seq = diff.State.Seq
	}
	if diff.State.DateMS > d.state.DateMS {
		d.state.DateMS = diff.State.DateMS
	}
	d.drain()
	d.persist()
	return d.state.Seq > before
}

// skipGap jumps to the lowest buffered update when nothing can fill the hole.
func (d *Demux) skipGap() {
	if len(d.pending) == 0 {
		return
	}
	lowest := uint64(0)
	for seq := range d.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	u := d.pending[lowest]
	delete(d.pending, lowest)
	d.log.Warn().Uint64("state_seq", d.state.Seq).Uint64("seq", lowest).Msg("updates: skipping unrecoverable gap")
	d.apply(u)
	d.drain()
	d.persist()
}

func (d *Demux) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), saveStateTimeout)
	defer cancel()
	if err := d.opts.Store.SaveState(ctx, d.state); err != nil {
		d.log.Warn().Err(err).Uint64("seq", d.state.Seq).Msg("updates: save state failed")
	}
}
