package updates

import (
	"sync"

	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/eapache/queue"
)

// Subscription delivers matching updates in apply order. Its queue is
// unbounded so a slow reader never stalls the demux.
type Subscription struct {
	kinds map[string]struct{}

	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
	out    chan session.Update
	done   chan struct{}
	once   sync.Once
	remove func(*Subscription)
}

func newSubscription(kinds []string, remove func(*Subscription)) *Subscription {
	s := &Subscription{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
		out:    make(chan session.Update),
		done:   make(chan struct{}),
		remove: remove,
	}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	go s.pump()
	return s
}

// C is closed after Close once the pump stops.
func (s *Subscription) C() <-chan session.Update {
	return s.out
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.remove != nil {
			s.remove(s)
		}
	})
}

// Pending reports how many updates are queued but not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

func (s *Subscription) matches(kind string) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s *Subscription) push(u session.Update) {
	s.mu.Lock()
	s.q.Add(u)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.q.Length() == 0 {
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.signal:
				continue
			}
		}
		u := s.q.Remove().(session.Update)
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case s.out <- u:
		}
	}
}
