package server

import (
	"sync"

	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/updates"
)

const (
	defaultUpdateLogSize = 10000
	maxDifferenceUpdates = 1000
)

// updateLog numbers published updates and keeps the most recent ones for
// getDifference.
type updateLog struct {
	mu      sync.Mutex
	clock   *clock.Generator
	max     int
	entries []session.Update
	seq     uint64
	date    uint64
}

func newUpdateLog(c *clock.Generator, max int) *updateLog {
	if max <= 0 {
		max = defaultUpdateLogSize
	}
	return &updateLog{clock: c, max: max}
}

func (l *updateLog) Append(kind string, body []byte) session.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.date = clock.UnixMilli(l.clock.Now())
	u := session.Update{
		Seq:         l.seq,
		Count:       1,
		Kind:        kind,
		Body:        append([]byte(nil), body...),
		TimestampMS: l.date,
	}
	l.entries = append(l.entries, u)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return u
}

func (l *updateLog) State() store.UpdateState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return store.UpdateState{Seq: l.seq, DateMS: l.date}
}

// Difference returns the updates after from. When the log was trimmed past
// from, TooLong is set and the caller should restart from the returned state.
func (l *updateLog) Difference(from store.UpdateState) updates.DifferenceBody {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := updates.DifferenceBody{
		Updates: []updates.UpdateBody{},
		State:   updates.StateBody{Seq: l.seq, Date: l.date},
	}
	if from.Seq >= l.seq {
		return out
	}
	if len(l.entries) == 0 || l.entries[0].Seq > from.Seq+1 {
		out.TooLong = true
		return out
	}
	start := int(from.Seq + 1 - l.entries[0].Seq)
	end := len(l.entries)
	if end-start > maxDifferenceUpdates {
		end = start + maxDifferenceUpdates
	}
	for _, u := range l.entries[start:end] {
		out.Updates = append(out.Updates, updates.UpdateBodyOf(u))
	}
	last := l.entries[end-1]
	out.State = updates.StateBody{Seq: last.Seq, Date: last.TimestampMS}
	return out
}
