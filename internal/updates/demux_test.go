package updates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
)

func upd(seq uint64, kind string) session.Update {
	return session.Update{Seq: seq, Count: 1, Kind: kind, TimestampMS: 1700000000000 + seq}
}

func recv(t *testing.T, s *Subscription, n int) []session.Update {
	t.Helper()
	out := make([]session.Update, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case u, ok := <-s.C():
			if !ok {
				t.Fatalf("subscription closed after %d updates", len(out))
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("received %d of %d updates", len(out), n)
		}
	}
	return out
}

func expectNone(t *testing.T, s *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case u := <-s.C():
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(wait):
	}
}

func seqs(us []session.Update) []uint64 {
	out := make([]uint64, len(us))
	for i, u := range us {
		out[i] = u.Seq
	}
	return out
}

func equalSeqs(got []session.Update, want ...uint64) bool {
	s := seqs(got)
	if len(s) != len(want) {
		return false
	}
	for i := range s {
		if s[i] != want[i] {
			return false
		}
	}
	return true
}

func newDemux(t *testing.T, opts Options) *Demux {
	t.Helper()
	d, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("new demux: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestInOrderUpdatesApplied(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{})
	sub := d.Subscribe()
	for i := uint64(1); i <= 3; i++ {
		d.Handle(upd(i, "updateNewMessage"))
	}
	if got := recv(t, sub, 3); !equalSeqs(got, 1, 2, 3) {
		t.Fatalf("unexpected order %v", seqs(got))
	}
	if st := d.State(); st.Seq != 3 || st.DateMS != 1700000000003 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestDuplicateDropped(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{})
	sub := d.Subscribe()
	d.Handle(upd(1, "a"))
	d.Handle(upd(1, "a"))
	recv(t, sub, 1)
	expectNone(t, sub, 50*time.Millisecond)
}

func TestSeqZeroDeliveredImmediately(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{})
	sub := d.Subscribe()
	d.Handle(session.Update{Kind: "updateUserStatus"})
	if got := recv(t, sub, 1); got[0].Kind != "updateUserStatus" {
		t.Fatalf("unexpected update %+v", got[0])
	}
	if d.State().Seq != 0 {
		t.Fatalf("seq-less update moved state")
	}
}

func TestGapFilledBeforeTimeout(t *testing.T) {
	testlog.Start(t)
	differ := DifferFunc(func(context.Context, store.UpdateState) (Difference, error) {
		t.Errorf("differ should not be called")
		return Difference{}, nil
	})
	d := newDemux(t, Options{Differ: differ, GapTimeout: time.Second})
	sub := d.Subscribe()
	d.Handle(upd(1, "a"))
	d.Handle(upd(3, "a"))
	d.Handle(upd(4, "a"))
	if got := recv(t, sub, 1); !equalSeqs(got, 1) {
		t.Fatalf("unexpected %v", seqs(got))
	}
	expectNone(t, sub, 50*time.Millisecond)
	d.Handle(upd(2, "a"))
	if got := recv(t, sub, 3); !equalSeqs(got, 2, 3, 4) {
		t.Fatalf("unexpected %v", seqs(got))
	}
}

func TestGapTimeoutFetchesDifference(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var asked []uint64
	differ := DifferFunc(func(_ context.Context, from store.UpdateState) (Difference, error) {
		mu.Lock()
		asked = append(asked, from.Seq)
		mu.Unlock()
		if from.Seq >= 4 {
			return Difference{State: store.UpdateState{Seq: 4}}, nil
		}
		return Difference{
			Updates: []session.Update{upd(3, "a"), upd(2, "a"), upd(4, "a")},
			State:   store.UpdateState{Seq: 4},
		}, nil
	})
	d := newDemux(t, Options{Differ: differ, GapTimeout: 20 * time.Millisecond})
	sub := d.Subscribe()
	d.Handle(upd(1, "a"))
	d.Handle(upd(4, "a"))
	if got := recv(t, sub, 4); !equalSeqs(got, 1, 2, 3, 4) {
		t.Fatalf("unexpected %v", seqs(got))
	}
	expectNone(t, sub, 50*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(asked) == 0 || asked[0] != 1 {
		t.Fatalf("difference requested from %v", asked)
	}
}

func TestGapWithoutDifferSkips(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{GapTimeout: 10 * time.Millisecond})
	sub := d.Subscribe()
	d.Handle(upd(5, "a"))
	d.Handle(upd(6, "a"))
	if got := recv(t, sub, 2); !equalSeqs(got, 5, 6) {
		t.Fatalf("unexpected %v", seqs(got))
	}
}

func TestOnSessionCreatedFetchesDifference(t *testing.T) {
	testlog.Start(t)
	differ := DifferFunc(func(_ context.Context, from store.UpdateState) (Difference, error) {
		if from.Seq > 0 {
			return Difference{State: from}, nil
		}
		return Difference{Updates: []session.Update{upd(1, "missed")}, State: store.UpdateState{Seq: 1}}, nil
	})
	d := newDemux(t, Options{Differ: differ})
	sub := d.Subscribe()
	d.OnSessionCreated()
	if got := recv(t, sub, 1); got[0].Kind != "missed" {
		t.Fatalf("unexpected %+v", got[0])
	}
}

func TestSubscriptionFiltersKinds(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{})
	msgs := d.Subscribe("updateNewMessage")
	all := d.Subscribe()
	d.Handle(upd(1, "updateUserStatus"))
	d.Handle(upd(2, "updateNewMessage"))
	if got := recv(t, msgs, 1); got[0].Seq != 2 {
		t.Fatalf("filter let through %+v", got[0])
	}
	recv(t, all, 2)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{})
	sub := d.Subscribe()
	const n = 2000
	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= n; i++ {
			d.Handle(upd(i, "a"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("handle blocked on an unread subscription")
	}
	got := recv(t, sub, n)
	for i, u := range got {
		if u.Seq != uint64(i+1) {
			t.Fatalf("update %d has seq %d", i, u.Seq)
		}
	}
}

func TestSubscriptionClose(t *testing.T) {
	testlog.Start(t)
	d := newDemux(t, Options{})
	sub := d.Subscribe()
	sub.Close()
	d.Handle(upd(1, "a"))
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("closed subscription delivered an update")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription channel not closed")
	}
}

func TestStatePersisted(t *testing.T) {
	testlog.Start(t)
	st := store.NewMemory()
	d := newDemux(t, Options{Store: st})
	d.Handle(upd(1, "a"))
	d.Handle(upd(2, "a"))
	saved, err := st.State(context.Background())
	if err != nil || saved.Seq != 2 {
		t.Fatalf("saved state %+v err=%v", saved, err)
	}
	d2 := newDemux(t, Options{Store: st})
	if d2.State().Seq != 2 {
		t.Fatalf("state not reloaded: %+v", d2.State())
	}
}

func TestDecodeDifference(t *testing.T) {
	testlog.Start(t)
	b := []byte(`{"updates":[{"seq":2,"count":1,"kind":"a","body":"aGk=","date":5}],"state":{"seq":2,"date":5}}`)
	diff, err := DecodeDifference(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diff.Updates) != 1 || string(diff.Updates[0].Body) != "hi" || diff.State.Seq != 2 {
		t.Fatalf("unexpected difference %+v", diff)
	}
}
