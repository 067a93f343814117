// Package clock generates time-derived message ids and keeps the local view of
// server time.
//
// A message id carries unix seconds in its upper 32 bits and the fraction of the
// second in the lower 32 bits. The two lowest bits are overwritten with the
// sender kind, so ids from the client are divisible by 4 and ids from the server
// are odd.
package clock

import (
	"sync"
	"time"
)

// Kind is the sender class encoded in the two low bits of a message id.
type Kind uint8

const (
	KindClient         Kind = 0
	KindServerResponse Kind = 1
	KindServerPush     Kind = 3
)

// Generator issues strictly increasing message ids for one sender.
type Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	offset time.Duration
	last   uint64
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorAt returns a generator reading time from now. Tests use it to pin time.
func NewGeneratorAt(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// New returns the next id for kind. Ids never repeat and never go backwards,
// even if the corrected clock does.
func (g *Generator) New(kind Kind) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := FromTime(g.now().Add(g.offset))&^3 | uint64(kind)
	if id <= g.last {
		id = (g.last+4)&^3 | uint64(kind)
	}
	g.last = id
	return id
}

// Now returns the corrected current time.
func (g *Generator) Now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Add(g.offset)
}

func (g *Generator) Offset() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offset
}

func (g *Generator) SetOffset(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset = d
}

// SyncServerTime sets the offset so that Now matches serverTime.
func (g *Generator) SyncServerTime(serverTime time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset = serverTime.Sub(g.now())
	return g.offset
}

// FromTime converts t to the id time layout with kind bits cleared.
func FromTime(t time.Time) uint64 {
	sec := uint64(t.Unix())
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return (sec<<32 | frac) &^ 3
}

// TimeOf recovers the send time embedded in id.
func TimeOf(id uint64) time.Time {
	sec := int64(id >> 32)
	frac := id & 0xFFFFFFFF
	ns := (frac * uint64(time.Second)) >> 32
	return time.Unix(sec, int64(ns))
}

// KindOf returns the sender kind bits of id.
func KindOf(id uint64) Kind {
	return Kind(id & 3)
}

// FromUnixMilli and UnixMilli convert wire timestamps.
func FromUnixMilli(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

func UnixMilli(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
