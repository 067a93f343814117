package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingRequest tracks one request awaiting its answer.
type PendingRequest struct {
	MsgID         uint64
	Method        string
	Body          []byte
	Attempts      int
	Acked         bool
	QueuedAt      time.Time
	LastAttemptAt time.Time
	DeadlineAt    time.Time
	LastError     string
}

// RequestOutbox stores pending requests by message id.
type RequestOutbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingRequest
}

func NewRequestOutbox() *RequestOutbox {
	return &RequestOutbox{
		items: make(map[uint64]PendingRequest),
	}
}

func (o *RequestOutbox) Upsert(item PendingRequest) {
	if item.MsgID == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.MsgID] = item
}

func (o *RequestOutbox) MarkAttempt(msgID uint64, at time.Time, lastErr string) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[msgID]
	if !ok {
		return PendingRequest{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[msgID] = item
	return item, true
}

// MarkAcked records a server ack. Unknown ids are ignored.
func (o *RequestOutbox) MarkAcked(msgIDs ...uint64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, id := range msgIDs {
		item, ok := o.items[id]
		if !ok || item.Acked {
			continue
		}
		item.Acked = true
		o.items[id] = item
		n++
	}
	return n
}

// Rekey moves a pending request to a fresh message id, resetting its ack state.
func (o *RequestOutbox) Rekey(oldID, newID uint64) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[oldID]
	if !ok {
		return PendingRequest{}, false
	}
	delete(o.items, oldID)
	item.MsgID = newID
	item.Acked = false
	o.items[newID] = item
	return item, true
}

func (o *RequestOutbox) Remove(msgID uint64) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[msgID]
	delete(o.items, msgID)
	return item, ok
}

func (o *RequestOutbox) Get(msgID uint64) (PendingRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[msgID]
	return item, ok
}

func (o *RequestOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending requests in ascending message id order.
func (o *RequestOutbox) List() []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MsgID < out[j].MsgID
	})
	return out
}
