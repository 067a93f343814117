// Package client is the public entry point of tdcore. A Client owns one
// connection manager, one request dispatcher and one update demultiplexer,
// and exposes them both as Go calls and as a JSON request/response/update
// interface.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/config"
	"github.com/danmuck/tdcore/internal/conn"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/dispatch"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
	"github.com/danmuck/tdcore/internal/store/sqlstore"
	"github.com/danmuck/tdcore/internal/updates"
	"github.com/rs/zerolog"
)

var (
	ErrClosed         = errors.New("client: closed")
	ErrAlreadyRunning = errors.New("client: already running")
)

type Options struct {
	Config config.ClientConfig

	// Store overrides the store named by Config. The client does not close a
	// store it was given.
	Store store.Store
	Clock *clock.Generator

	// JSONUpdates forwards every update and state change to Receive.
	JSONUpdates bool

	// OnState observes connection state changes.
	OnState func(conn.State, error)
}

type Client struct {
	cfg      config.ClientConfig
	store    store.Store
	ownStore bool
	clock    *clock.Generator
	mgr      *conn.Manager
	disp     *dispatch.Dispatcher
	demux    *updates.Demux
	inbox    *inbox
	log      zerolog.Logger
	onState  func(conn.State, error)

	jsonUpdates bool

	mu      sync.Mutex
	running bool
	closed  bool
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	cfg.Session = cfg.Session.WithDefaults()
	if err := config.ValidateClientConfig(cfg); err != nil {
		return nil, err
	}
	table, err := dc.NewTable(cfg.DCs...)
	if err != nil {
		return nil, err
	}

	st, own := opts.Store, false
	if st == nil {
		if st, err = openStore(ctx, cfg); err != nil {
			return nil, err
		}
		own = true
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = st.DeviceID(ctx); err != nil {
			closeOwned(st, own)
			return nil, fmt.Errorf("client: device id: %w", err)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewGenerator()
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		store:    st,
		ownStore: own,
		clock:    clk,
		inbox:    newInbox(),
		log:      logging.Component("client"),
		onState:  opts.OnState,
		base:     base,
		cancel:   cancel,
		done:     make(chan struct{}),

		jsonUpdates: opts.JSONUpdates,
	}

	c.demux, err = updates.New(ctx, updates.Options{
		Store:      st,
		Differ:     updates.DifferFunc(c.difference),
		GapTimeout: cfg.GapTimeout,
	})
	if err != nil {
		cancel()
		closeOwned(st, own)
		return nil, err
	}
	c.disp = dispatch.New(dispatch.Options{
		Current:        c.current,
		Clock:          clk,
		RequestTimeout: cfg.Session.RequestTimeout,
		FloodWaitMax:   cfg.FloodWaitMax,
		OnUpdate:       c.demux.Handle,
	})
	c.mgr, err = conn.NewManager(conn.ManagerOptions{
		Table:              table,
		DC:                 cfg.DC,
		Session:            cfg.Session,
		ServerKey:          cfg.ServerKey,
		Store:              st,
		Clock:              clk,
		Handler:            c.disp,
		DeviceID:           deviceID,
		APIToken:           cfg.APIToken,
		ClientVersion:      clientVersion(cfg),
		Layer:              cfg.Layer,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		OnState:            c.stateChanged,
		OnReady:            c.ready,
	})
	if err != nil {
		cancel()
		c.demux.Close()
		closeOwned(st, own)
		return nil, err
	}
	if opts.JSONUpdates {
		c.forwardUpdates()
	}
	return c, nil
}

func openStore(ctx context.Context, cfg config.ClientConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case "", config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite:
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, cfg.StoreDSN)
	case config.StorePostgres:
		return sqlstore.Open(ctx, sqlstore.DriverPostgres, cfg.StoreDSN)
	}
	return nil, fmt.Errorf("client: unknown store driver %q", cfg.StoreDriver)
}

func closeOwned(st store.Store, own bool) {
	if own {
		_ = st.Close()
	}
}

func clientVersion(cfg config.ClientConfig) string {
	if cfg.ClientVersion == "" {
		return buildinfo.Name + "/" + buildinfo.Version
	}
	return cfg.ClientVersion
}

// current adapts the manager for the dispatcher.
func (c *Client) current() (dispatch.Sender, error) {
	cn, err := c.mgr.Current()
	if err != nil {
		return nil, err
	}
	return cn, nil
}

func (c *Client) ready(cn *conn.Conn) {
	c.disp.OnReady(c.base, cn)
	if cn.NewSession() {
		c.demux.OnSessionCreated()
	}
}

func (c *Client) stateChanged(s conn.State, err error) {
	if c.onState != nil {
		c.onState(s, err)
	}
	c.pushState(s)
}

func (c *Client) difference(ctx context.Context, from store.UpdateState) (updates.Difference, error) {
	body, err := json.Marshal(updates.StateBodyOf(from))
	if err != nil {
		return updates.Difference{}, err
	}
	out, err := c.disp.Invoke(ctx, updates.MethodGetDifference, body)
	if err != nil {
		return updates.Difference{}, err
	}
	return updates.DecodeDifference(out)
}

// Run keeps the client connected until ctx ends, Close is called or the
// connection manager gives up.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.running:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	if c.cfg.StatsdAddr != "" {
		detach := observability.EnableStatsd(c.cfg.StatsdAddr, c.cfg.StatsdPrefix)
		defer detach()
	}
	if c.cfg.NTPHost != "" {
		if _, err := c.clock.SyncNTP(ctx, c.cfg.NTPHost); err != nil {
			c.log.Warn().Err(err).Str("host", c.cfg.NTPHost).Msg("client: ntp sync failed, using local clock")
		}
	}
	c.log.Info().
		Uint32("dc_id", c.cfg.DC).
		Str("version", buildinfo.Version).
		Msg("client: starting")
	err := c.mgr.Run(ctx)
	if c.base.Err() != nil {
		return nil
	}
	return err
}

// WaitReady blocks until the first connection is bound.
func (c *Client) WaitReady(ctx context.Context) error {
	_, err := c.mgr.WaitReady(ctx)
	return err
}

// Invoke calls method and returns the raw answer body. A migration answer
// (USER_MIGRATE_n and friends) moves the client to DC n and retries once.
func (c *Client) Invoke(ctx context.Context, method string, body []byte) ([]byte, error) {
	out, err := c.disp.Invoke(ctx, method, body)
	dcID, ok := dispatch.AsMigrate(err)
	if !ok {
		return out, err
	}
	c.log.Info().Str("method", method).Uint32("dc_id", dcID).Msg("client: following migration")
	if merr := c.mgr.Migrate(dcID); merr != nil {
		return nil, fmt.Errorf("client: migrate to dc %d: %w", dcID, merr)
	}
	return c.disp.Invoke(ctx, method, body)
}

// InvokeJSON marshals in, invokes method and unmarshals the answer into out
// when out is not nil.
func (c *Client) InvokeJSON(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.Invoke(ctx, method, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp, out)
}

func (c *Client) Subscribe(kinds ...string) *updates.Subscription {
	return c.demux.Subscribe(kinds...)
}

func (c *Client) State() conn.State                 { return c.mgr.State() }
func (c *Client) DC() uint32                        { return c.mgr.DC() }
func (c *Client) UpdateState() store.UpdateState    { return c.demux.State() }
func (c *Client) Pending() []session.PendingRequest { return c.disp.Outbox().List() }
func (c *Client) Clock() *clock.Generator           { return c.clock }
func (c *Client) Config() config.ClientConfig       { return c.cfg }
func (c *Client) Manager() *conn.Manager            { return c.mgr }
func (c *Client) Dispatcher() *dispatch.Dispatcher  { return c.disp }
func (c *Client) Updates() *updates.Demux           { return c.demux }
func (c *Client) Store() store.Store                { return c.store }

// Close stops Run, fails pending requests, ends subscriptions and closes an
// owned store. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	running := c.running
	c.mu.Unlock()

	c.cancel()
	if running {
		<-c.done
	}
	c.disp.Close()
	c.demux.Close()
	c.wg.Wait()
	c.inbox.close()
	if c.ownStore {
		return c.store.Close()
	}
	return nil
}
