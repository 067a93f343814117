// Package dc describes the data centers a client can talk to.
package dc

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrUnknownDC    = errors.New("dc: unknown data center")
	ErrNotMigration = errors.New("dc: not a migration error")
)

// Transport kinds accepted by the dialer.
const (
	TransportTCP = "tcp"
	TransportTLS = "tls"
	TransportWS  = "ws"
	TransportWSS = "wss"
)

// Option is one reachable endpoint of a data center.
type Option struct {
	ID        uint32
	Addr      string
	Transport string
}

func (o Option) Validate() error {
	if o.ID == 0 {
		return fmt.Errorf("dc: option missing id")
	}
	if strings.TrimSpace(o.Addr) == "" {
		return fmt.Errorf("dc %d: missing addr", o.ID)
	}
	switch o.Transport {
	case "", TransportTCP, TransportTLS, TransportWS, TransportWSS:
	default:
		return fmt.Errorf("dc %d: unsupported transport %q", o.ID, o.Transport)
	}
	return nil
}

func (o Option) String() string {
	t := o.Transport
	if t == "" {
		t = TransportTCP
	}
	return fmt.Sprintf("dc%d(%s://%s)", o.ID, t, o.Addr)
}

// Table maps DC ids to endpoints. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	options map[uint32]Option
}

func NewTable(opts ...Option) (*Table, error) {
	t := &Table{options: make(map[uint32]Option, len(opts))}
	for _, o := range opts {
		if err := t.Set(o); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Set adds or replaces the endpoint for o.ID.
func (t *Table) Set(o Option) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Transport == "" {
		o.Transport = TransportTCP
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options[o.ID] = o
	return nil
}

func (t *Table) Lookup(id uint32) (Option, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.options[id]
	if !ok {
		return Option{}, fmt.Errorf("%w: %d", ErrUnknownDC, id)
	}
	return o, nil
}

// IDs returns known DC ids in ascending order.
func (t *Table) IDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.options))
	for id := range t.options {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var migratePrefixes = []string{"PHONE_MIGRATE", "NETWORK_MIGRATE", "USER_MIGRATE", "FILE_MIGRATE", "STATS_MIGRATE"}

// IsMigrate reports whether rpcType names a DC migration.
func IsMigrate(rpcType string) bool {
	for _, p := range migratePrefixes {
		if rpcType == p {
			return true
		}
	}
	return false
}

// ParseMigrate returns the target DC of a *_MIGRATE_<n> error split into its
// type and argument.
func ParseMigrate(rpcType string, arg int) (uint32, error) {
	if !IsMigrate(rpcType) {
		return 0, fmt.Errorf("%w: %s", ErrNotMigration, rpcType)
	}
	if arg <= 0 {
		return 0, fmt.Errorf("dc: migration %s has no target", rpcType)
	}
	return uint32(arg), nil
}

// MigrateMessage renders the error message a server returns to move a client.
func MigrateMessage(kind string, id uint32) string {
	return kind + "_MIGRATE_" + strconv.FormatUint(uint64(id), 10)
}
