package secure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/danmuck/tdcore/internal/clock"
)

var (
	ErrReplay    = errors.New("secure: message id already seen")
	ErrMsgTooOld = errors.New("secure: message id too old")
	ErrMsgTooNew = errors.New("secure: message id too far in the future")
)

const (
	DefaultReplayPast   = 300 * time.Second
	DefaultReplayFuture = 30 * time.Second

	// fastcache rounds anything smaller up to its own minimum.
	DefaultReplayCacheBytes = 32 * 1024 * 1024
)

// ReplayGuard rejects repeated message ids and ids outside the time window.
type ReplayGuard struct {
	mu     sync.Mutex
	seen   *fastcache.Cache
	now    func() time.Time
	past   time.Duration
	future time.Duration
}

// NewReplayGuard builds a guard. A nil now falls back to time.Now.
func NewReplayGuard(maxBytes int, now func() time.Time) *ReplayGuard {
	if maxBytes <= 0 {
		maxBytes = DefaultReplayCacheBytes
	}
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{
		seen:   fastcache.New(maxBytes),
		now:    now,
		past:   DefaultReplayPast,
		future: DefaultReplayFuture,
	}
}

// WithWindow overrides the accepted age range.
func (g *ReplayGuard) WithWindow(past, future time.Duration) *ReplayGuard {
	g.past = past
	g.future = future
	return g
}

// CheckWindow only validates the time embedded in msgID.
func (g *ReplayGuard) CheckWindow(msgID uint64) error {
	at := clock.TimeOf(msgID)
	now := g.now()
	if at.Before(now.Add(-g.past)) {
		return fmt.Errorf("%w: %s behind", ErrMsgTooOld, now.Sub(at).Truncate(time.Millisecond))
	}
	if at.After(now.Add(g.future)) {
		return fmt.Errorf("%w: %s ahead", ErrMsgTooNew, at.Sub(now).Truncate(time.Millisecond))
	}
	return nil
}

// Check validates the window and records msgID under scope, usually an auth key id.
func (g *ReplayGuard) Check(scope, msgID uint64) error {
	if err := g.CheckWindow(msgID); err != nil {
		return err
	}
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], scope)
	binary.BigEndian.PutUint64(key[8:16], msgID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Has(key[:]) {
		return ErrReplay
	}
	g.seen.Set(key[:], []byte{1})
	return nil
}

func (g *ReplayGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen.Reset()
}
