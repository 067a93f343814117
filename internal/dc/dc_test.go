package dc

import (
	"errors"
	"testing"
)

func TestTableLookupAndIDs(t *testing.T) {
	tbl, err := NewTable(
		Option{ID: 2, Addr: "127.0.0.1:4402"},
		Option{ID: 1, Addr: "127.0.0.1:4401", Transport: TransportWS},
	)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	o, err := tbl.Lookup(2)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if o.Transport != TransportTCP {
		t.Fatalf("default transport not applied: %+v", o)
	}
	if ids := tbl.IDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if _, err := tbl.Lookup(9); !errors.Is(err, ErrUnknownDC) {
		t.Fatalf("expected ErrUnknownDC, got %v", err)
	}
}

func TestOptionValidate(t *testing.T) {
	if err := (Option{ID: 1, Addr: "x:1", Transport: "quic"}).Validate(); err == nil {
		t.Fatalf("expected unsupported transport error")
	}
	if _, err := NewTable(Option{Addr: "x:1"}); err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestParseMigrate(t *testing.T) {
	id, err := ParseMigrate("USER_MIGRATE", 4)
	if err != nil || id != 4 {
		t.Fatalf("got id=%d err=%v", id, err)
	}
	if _, err := ParseMigrate("FLOOD_WAIT", 4); !errors.Is(err, ErrNotMigration) {
		t.Fatalf("expected ErrNotMigration, got %v", err)
	}
	if _, err := ParseMigrate("PHONE_MIGRATE", 0); err == nil {
		t.Fatalf("expected missing target error")
	}
	if got := MigrateMessage("USER", 3); got != "USER_MIGRATE_3" {
		t.Fatalf("unexpected message %q", got)
	}
}
