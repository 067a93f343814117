package server

import (
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/eapache/queue"
	"github.com/google/uuid"
)

const defaultResponseCacheSize = 1024

type answerState int

const (
	answerNew answerState = iota
	answerInFlight
	answerReady
)

type sessionKey struct {
	authKeyID uint64
	sessionID uint64
}

// boundSession outlives connections: a client that reconnects with the same
// session id finds its cached answers here.
type boundSession struct {
	key       sessionKey
	ref       string
	deviceID  string
	createdAt time.Time

	mu       sync.Mutex
	answers  map[uint64]session.Message
	order    *queue.Queue
	maxCache int
	conn     *serverConn
}

func newBoundSession(key sessionKey, deviceID string, maxCache int) *boundSession {
	if maxCache <= 0 {
		maxCache = defaultResponseCacheSize
	}
	return &boundSession{
		key:       key,
		ref:       uuid.NewString(),
		deviceID:  deviceID,
		createdAt: time.Now(),
		answers:   make(map[uint64]session.Message),
		order:     queue.New(),
		maxCache:  maxCache,
	}
}

// begin claims msgID. A cached answer is returned for ids already served;
// a nil message with answerInFlight means the request is still running.
func (b *boundSession) begin(msgID uint64) (session.Message, answerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.answers[msgID]; ok {
		if m == nil {
			return nil, answerInFlight
		}
		return m, answerReady
	}
	b.answers[msgID] = nil
	b.order.Add(msgID)
	for b.order.Length() > b.maxCache {
		delete(b.answers, b.order.Remove().(uint64))
	}
	return nil, answerNew
}

func (b *boundSession) finish(msgID uint64, m session.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.answers[msgID]; ok {
		b.answers[msgID] = m
	}
}

// attach makes c the live connection and returns the one it replaced.
func (b *boundSession) attach(c *serverConn) *serverConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.conn
	b.conn = c
	return prev
}

func (b *boundSession) detach(c *serverConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == c {
		b.conn = nil
	}
}

func (b *boundSession) live() *serverConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}
