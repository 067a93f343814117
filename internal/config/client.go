package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
)

// Store drivers understood by ClientConfig.StoreDriver.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// ClientConfig is the resolved configuration of one client instance.
type ClientConfig struct {
	DC            uint32
	DCs           []dc.Option
	ServerKey     [secure.KeySize]byte
	APIToken      string
	DeviceID      string
	ClientVersion string
	Layer         uint32

	StoreDriver string
	StoreDSN    string

	NTPHost      string
	StatsdAddr   string
	StatsdPrefix string
	AdminAddr    string

	MaxConnectAttempts int
	FloodWaitMax       time.Duration
	GapTimeout         time.Duration

	Session session.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DC:            1,
		ClientVersion: "tdcore",
		Layer:         1,
		StoreDriver:   StoreMemory,
		StatsdPrefix:  "tdcore",
		FloodWaitMax:  60 * time.Second,
		GapTimeout:    500 * time.Millisecond,
		Session:       session.DefaultConfig(),
	}
}

type tlsEntry struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type clientFile struct {
	DC                 uint32     `toml:"dc"`
	DCs                []DCConfig `toml:"dcs"`
	ServerKey          string     `toml:"server_key"`
	APIToken           string     `toml:"api_token"`
	DeviceID           string     `toml:"device_id"`
	ClientVersion      string     `toml:"client_version"`
	Layer              uint32     `toml:"layer"`
	StoreDriver        string     `toml:"store_driver"`
	StoreDSN           string     `toml:"store_dsn"`
	NTPHost            string     `toml:"ntp_host"`
	StatsdAddr         string     `toml:"statsd_addr"`
	StatsdPrefix       string     `toml:"statsd_prefix"`
	AdminAddr          string     `toml:"admin_addr"`
	MaxConnectAttempts int        `toml:"max_connect_attempts"`
	RequestTimeout     string     `toml:"request_timeout"`
	FloodWaitMax       string     `toml:"flood_wait_max"`
	GapTimeout         string     `toml:"gap_timeout"`
	ConnectTimeout     string     `toml:"connect_timeout"`
	Heartbeat          string     `toml:"heartbeat"`
	SessionDeadAfter   string     `toml:"session_dead_after"`
	MaxFrameSize       string     `toml:"max_frame_size"`
	CompressThreshold  string     `toml:"compress_threshold"`
	SecurityMode       string     `toml:"security_mode"`
	TLS                tlsEntry   `toml:"tls"`
}

// LoadClientConfig reads a client TOML file. Keys that are absent keep their
// defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	return resolveClient(raw, meta)
}

// ParseClientConfig is LoadClientConfig for an in-memory document.
func ParseClientConfig(data string) (ClientConfig, error) {
	var raw clientFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("parse client config: %w", err)
	}
	return resolveClient(raw, meta)
}

func resolveClient(raw clientFile, meta toml.MetaData) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	if meta.IsDefined("dc") {
		cfg.DC = raw.DC
	}
	if meta.IsDefined("dcs") {
		cfg.DCs = dcOptions(raw.DCs)
	}
	if meta.IsDefined("server_key") {
		key, err := secure.ParsePublicKey(raw.ServerKey)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse server_key: %w", err)
		}
		cfg.ServerKey = key
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("device_id") {
		cfg.DeviceID = strings.TrimSpace(raw.DeviceID)
	}
	if meta.IsDefined("client_version") {
		cfg.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	}
	if meta.IsDefined("layer") {
		cfg.Layer = raw.Layer
	}
	if meta.IsDefined("store_driver") {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(raw.StoreDriver))
	}
	if meta.IsDefined("store_dsn") {
		cfg.StoreDSN = strings.TrimSpace(raw.StoreDSN)
	}
	if meta.IsDefined("ntp_host") {
		cfg.NTPHost = strings.TrimSpace(raw.NTPHost)
	}
	if meta.IsDefined("statsd_addr") {
		cfg.StatsdAddr = strings.TrimSpace(raw.StatsdAddr)
	}
	if meta.IsDefined("statsd_prefix") {
		cfg.StatsdPrefix = strings.TrimSpace(raw.StatsdPrefix)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = tlsConfig(raw.TLS)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.Session.RequestTimeout},
		{"flood_wait_max", raw.FloodWaitMax, &cfg.FloodWaitMax},
		{"gap_timeout", raw.GapTimeout, &cfg.GapTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"heartbeat", raw.Heartbeat, &cfg.Session.HeartbeatInterval},
		{"session_dead_after", raw.SessionDeadAfter, &cfg.Session.SessionDeadAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return ClientConfig{}, err
		}
		*d.dst = v
	}

	if meta.IsDefined("max_frame_size") {
		n, err := parseBytes("max_frame_size", raw.MaxFrameSize)
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.Session.MaxFrameSize = uint64(n)
	}
	if meta.IsDefined("compress_threshold") {
		n, err := parseBytes("compress_threshold", raw.CompressThreshold)
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.Session.CompressThreshold = int(n)
	}

	cfg.Session = cfg.Session.WithDefaults()
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if len(cfg.DCs) == 0 {
		return fmt.Errorf("client config needs at least one [[dcs]] entry")
	}
	table, err := dc.NewTable(cfg.DCs...)
	if err != nil {
		return fmt.Errorf("client config dcs invalid: %w", err)
	}
	if _, err := table.Lookup(cfg.DC); err != nil {
		return fmt.Errorf("client config dc %d: %w", cfg.DC, err)
	}
	if cfg.ServerKey == ([secure.KeySize]byte{}) {
		return fmt.Errorf("client config missing server_key")
	}
	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if cfg.StoreDSN == "" {
			return fmt.Errorf("client config store_dsn required for %s", cfg.StoreDriver)
		}
	default:
		return fmt.Errorf("client config unknown store_driver %q", cfg.StoreDriver)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("client config transport: %w", err)
	}
	return nil
}
