package store

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/google/uuid"
)

func TestMemoryAuthKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.AuthKey(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	key, err := secure.NewAuthKey(make([]byte, secure.KeySize))
	if err != nil {
		t.Fatalf("auth key: %v", err)
	}
	if err := m.SaveAuthKey(ctx, 1, key); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.AuthKey(ctx, 1)
	if err != nil || got != key {
		t.Fatalf("got %+v err=%v", got, err)
	}
	if err := m.DeleteAuthKey(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.AuthKey(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStateAndDevice(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.State(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.SaveState(ctx, UpdateState{Seq: 9, DateMS: 100}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	st, err := m.State(ctx)
	if err != nil || st.Seq != 9 {
		t.Fatalf("state=%+v err=%v", st, err)
	}
	a, _ := m.DeviceID(ctx)
	b, _ := m.DeviceID(ctx)
	if a != b {
		t.Fatalf("device id not stable: %q vs %q", a, b)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("device id not a uuid: %v", err)
	}
}
