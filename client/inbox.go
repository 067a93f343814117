package client

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// inbox holds JSON objects until Receive picks them up. It never blocks the
// producer.
type inbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{q: queue.New(), signal: make(chan struct{}, 1)}
}

func (b *inbox) push(obj []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.q.Add(obj)
	b.mu.Unlock()
	b.wake()
}

func (b *inbox) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// pop waits up to timeout for the next object. It returns nil on timeout or
// once the inbox is closed and drained.
func (b *inbox) pop(timeout time.Duration) []byte {
	var timer *time.Timer
	for {
		b.mu.Lock()
		if b.q.Length() > 0 {
			obj := b.q.Remove().([]byte)
			more := b.q.Length() > 0
			b.mu.Unlock()
			if more {
				b.wake()
			}
			return obj
		}
		closed := b.closed
		b.mu.Unlock()
		if closed || timeout <= 0 {
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-b.signal:
		case <-timer.C:
			return nil
		}
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}
