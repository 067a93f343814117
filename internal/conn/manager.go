package conn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/transport"
	"github.com/rs/zerolog"
)

// State is the lifecycle of the primary connection.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ManagerOptions configures a Manager. Table and Store are required. An empty
// DeviceID is taken from the store.
type ManagerOptions struct {
	Table         *dc.Table
	DC            uint32
	Session       session.Config
	ServerKey     [secure.KeySize]byte
	Store         store.Store
	Clock         *clock.Generator
	Handler       Handler
	Dialer        *transport.Dialer
	DeviceID      string
	APIToken      string
	ClientVersion string
	Layer         uint32

	// MaxConnectAttempts bounds consecutive failures; 0 retries forever.
	MaxConnectAttempts int

	// OnState observes every state change. OnReady runs after each bind,
	// before the read loop starts.
	OnState func(State, error)
	OnReady func(c *Conn)
}

// Manager keeps one connection to the current DC alive.
type Manager struct {
	opts   ManagerOptions
	replay *secure.ReplayGuard
	dialer transport.Dialer
	rng    *mrand.Rand
	log    zerolog.Logger

	mu         sync.Mutex
	state      State
	dcID       uint32
	sessionID  uint64
	current    *Conn
	cancelConn context.CancelFunc
	readyCh    chan struct{}
	done       chan struct{}
	running    bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Table == nil {
		return nil, errors.New("conn: dc table required")
	}
	if opts.Store == nil {
		return nil, errors.New("conn: store required")
	}
	if _, err := opts.Table.Lookup(opts.DC); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.DeviceID) == "" {
		id, err := opts.Store.DeviceID(context.Background())
		if err != nil {
			return nil, fmt.Errorf("conn: device id: %w", err)
		}
		opts.DeviceID = id
	}
	if strings.TrimSpace(opts.ClientVersion) == "" {
		opts.ClientVersion = buildinfo.Name
	}
	opts.Session = opts.Session.WithDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.NewGenerator()
	}
	dialer := transport.NewDialer(opts.Session)
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	}
	return &Manager{
		opts:      opts,
		replay:    secure.NewReplayGuard(0, opts.Clock.Now),
		dialer:    dialer,
		rng:       mrand.New(mrand.NewSource(time.Now().UnixNano())),
		log:       logging.Component("conn.manager"),
		state:     StateDisconnected,
		dcID:      opts.DC,
		sessionID: NewSessionID(),
		readyCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// NewSessionID returns a random non-zero session id.
func NewSessionID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id
		}
	}
}

// Run connects and reconnects until ctx ends or the attempt budget runs out.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("conn: manager already running")
	}
	m.running = true
	m.mu.Unlock()
	defer m.finish()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.setState(StateConnecting, nil)
		c, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			observability.RecordReconnect(m.DC(), "dial")
			m.log.Warn().Err(err).Int("attempt", failures).Uint32("dc_id", m.DC()).Msg("conn: connect failed")
			m.setState(StateDisconnected, err)
			if permanent(err) {
				return err
			}
			if m.opts.MaxConnectAttempts > 0 && failures >= m.opts.MaxConnectAttempts {
				return err
			}
			if err := m.sleepBackoff(ctx, failures); err != nil {
				return err
			}
			continue
		}
		failures = 0

		connCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.current = c
		m.cancelConn = cancel
		m.mu.Unlock()

		if m.opts.OnReady != nil {
			m.opts.OnReady(c)
		}
		m.setState(StateReady, nil)

		runErr := c.Run(connCtx)
		cancel()

		m.mu.Lock()
		m.current = nil
		m.cancelConn = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := "io"
		if errors.Is(runErr, ErrSessionDead) {
			reason = "dead"
		} else if errors.Is(runErr, ErrClosed) || errors.Is(runErr, context.Canceled) {
			reason = "switch"
		}
		observability.RecordReconnect(c.DC(), reason)
		m.log.Info().Err(runErr).Uint32("dc_id", c.DC()).Str("reason", reason).Msg("conn: disconnected")
		m.setState(StateDisconnected, runErr)
	}
}

func (m *Manager) connect(ctx context.Context) (*Conn, error) {
	m.mu.Lock()
	dcID := m.dcID
	sessionID := m.sessionID
	m.mu.Unlock()

	opt, err := m.opts.Table.Lookup(dcID)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.opts.Session.ConnectTimeout+m.opts.Session.HandshakeTimeout)
	defer cancel()
	return Dial(dctx, Options{
		DC:            opt,
		Session:       m.opts.Session,
		ServerKey:     m.opts.ServerKey,
		Store:         m.opts.Store,
		Clock:         m.opts.Clock,
		Replay:        m.replay,
		Handler:       m.opts.Handler,
		Dialer:        m.dialer,
		SessionID:     sessionID,
		DeviceID:      m.opts.DeviceID,
		APIToken:      m.opts.APIToken,
		ClientVersion: m.opts.ClientVersion,
		Layer:         m.opts.Layer,
	})
}

// permanent reports connect failures that another attempt cannot fix.
func permanent(err error) bool {
	var te session.TransportError
	if errors.As(err, &te) && te.Permanent() {
		return true
	}
	return errors.Is(err, secure.ErrConfirmMismatch) ||
		errors.Is(err, dc.ErrUnknownDC) ||
		errors.Is(err, session.ErrInvalidMessage)
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(m.opts.Session.Backoff, attempt, m.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.running = false
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.mu.Unlock()
	m.setState(StateClosed, nil)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if s == StateReady && prev != StateReady {
		close(m.readyCh)
	} else if s != StateReady && prev == StateReady {
		m.readyCh = make(chan struct{})
	}
	dcID := m.dcID
	m.mu.Unlock()

	if prev == s {
		return
	}
	observability.SetConnState(dcID, s.String())
	if m.opts.OnState != nil {
		m.opts.OnState(s, err)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) DC() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dcID
}

func (m *Manager) Clock() *clock.Generator {
	return m.opts.Clock
}

// Current returns the bound connection. It is set before OnReady runs.
func (m *Manager) Current() (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNotConnected
	}
	return m.current, nil
}

// WaitReady blocks until a connection is ready, ctx ends or Run has returned.
func (m *Manager) WaitReady(ctx context.Context) (*Conn, error) {
	for {
		m.mu.Lock()
		if m.current != nil && m.state == StateReady {
			c := m.current
			m.mu.Unlock()
			return c, nil
		}
		ready := m.readyCh
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-ready:
		}
	}
}

// Migrate switches the primary DC. The current connection is dropped and the
// next one binds a fresh session.
func (m *Manager) Migrate(dcID uint32) error {
	if _, err := m.opts.Table.Lookup(dcID); err != nil {
		return err
	}
	m.mu.Lock()
	if m.dcID == dcID {
		m.mu.Unlock()
		return nil
	}
	from := m.dcID
	m.dcID = dcID
	m.sessionID = NewSessionID()
	cancel := m.cancelConn
	m.mu.Unlock()

	m.log.Info().Uint32("from_dc", from).Uint32("dc_id", dcID).Msg("conn: migrating")
	if cancel != nil {
		cancel()
	}
	return nil
}
