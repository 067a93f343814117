// Package store persists the client state that must survive restarts:
// auth keys per DC, the update stream position and the device id.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("store: not found")

// UpdateState is the last applied position of the update stream.
type UpdateState struct {
	Seq    uint64
	DateMS uint64
}

type Store interface {
	AuthKey(ctx context.Context, dc uint32) (secure.AuthKey, error)
	SaveAuthKey(ctx context.Context, dc uint32, key secure.AuthKey) error
	DeleteAuthKey(ctx context.Context, dc uint32) error
	State(ctx context.Context) (UpdateState, error)
	SaveState(ctx context.Context, st UpdateState) error
	// DeviceID returns the persistent device id, creating one on first use.
	DeviceID(ctx context.Context) (string, error)
	Close() error
}

// Memory is an in-process Store. Its zero value is not usable; call NewMemory.
type Memory struct {
	mu       sync.Mutex
	keys     map[uint32]secure.AuthKey
	state    *UpdateState
	deviceID string
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[uint32]secure.AuthKey)}
}

func (m *Memory) AuthKey(_ context.Context, dc uint32) (secure.AuthKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[dc]
	if !ok {
		return secure.AuthKey{}, ErrNotFound
	}
	return k, nil
}

func (m *Memory) SaveAuthKey(_ context.Context, dc uint32, key secure.AuthKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[dc] = key
	return nil
}

func (m *Memory) DeleteAuthKey(_ context.Context, dc uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, dc)
	return nil
}

func (m *Memory) State(context.Context) (UpdateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return UpdateState{}, ErrNotFound
	}
	return *m.state, nil
}

func (m *Memory) SaveState(_ context.Context, st UpdateState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	return nil
}

func (m *Memory) DeviceID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceID == "" {
		m.deviceID = uuid.NewString()
	}
	return m.deviceID, nil
}

func (m *Memory) Close() error { return nil }
