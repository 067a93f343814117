// Package config loads the TOML files of the client and the reference server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

type DCConfig struct {
	ID        uint32 `toml:"id"`
	Addr      string `toml:"addr"`
	Transport string `toml:"transport"`
}

type TLSFileConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

// ServerConfig is the reference server file format.
type ServerConfig struct {
	DCID              uint32        `toml:"dc_id"`
	ListenAddr        string        `toml:"listen_addr"`
	WSListenAddr      string        `toml:"ws_listen_addr"`
	AdminAddr         string        `toml:"admin_addr"`
	CorsOrigins       []string      `toml:"cors_origins"`
	StaticKey         string        `toml:"static_key"`
	APITokens         []string      `toml:"api_tokens"`
	MinLayer          uint32        `toml:"min_layer"`
	Layer             uint32        `toml:"layer"`
	UpdateLogSize     int           `toml:"update_log_size"`
	ResponseCacheSize int           `toml:"response_cache_size"`
	MaxFrameSize      string        `toml:"max_frame_size"`
	SessionDeadAfter  string        `toml:"session_dead_after"`
	SecurityMode      string        `toml:"security_mode"`
	StatsdAddr        string        `toml:"statsd_addr"`
	DCs               []DCConfig    `toml:"dcs"`
	TLS               TLSFileConfig `toml:"tls"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.DCID == 0 {
		cfg.DCID = 1
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4430"
	}
	if cfg.Layer == 0 {
		cfg.Layer = 1
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("server config missing listen_addr")
	}
	if strings.TrimSpace(cfg.StaticKey) == "" {
		return fmt.Errorf("server config missing static_key")
	}
	if _, err := secure.ParsePrivateKey(cfg.StaticKey); err != nil {
		return fmt.Errorf("server config static_key: %w", err)
	}
	if _, err := parseBytes("max_frame_size", cfg.MaxFrameSize); cfg.MaxFrameSize != "" && err != nil {
		return err
	}
	if _, err := parseDuration("session_dead_after", cfg.SessionDeadAfter); cfg.SessionDeadAfter != "" && err != nil {
		return err
	}
	mode := session.NormalizeSecurityMode(session.SecurityMode(cfg.SecurityMode))
	if mode == session.SecurityModeProduction && len(cfg.APITokens) == 0 {
		return fmt.Errorf("server config api_tokens required in production mode")
	}
	for i, entry := range cfg.DCs {
		if err := (dc.Option{ID: entry.ID, Addr: entry.Addr, Transport: entry.Transport}).Validate(); err != nil {
			return fmt.Errorf("dcs[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}

// parseBytes accepts sizes such as "8MiB", "512KB" or a bare byte count.
func parseBytes(key, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		raw = strconv.FormatInt(n, 10) + "B"
	}
	n, err := units.ParseBase2Bytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse %s: negative size", key)
	}
	return int64(n), nil
}

func dcOptions(entries []DCConfig) []dc.Option {
	out := make([]dc.Option, 0, len(entries))
	for _, e := range entries {
		out = append(out, dc.Option{ID: e.ID, Addr: strings.TrimSpace(e.Addr), Transport: strings.TrimSpace(e.Transport)})
	}
	return out
}

func tlsConfig(e tlsEntry) session.TLSConfig {
	return session.TLSConfig{
		Enabled:            e.Enabled,
		Mutual:             e.Mutual,
		CertFile:           strings.TrimSpace(e.CertFile),
		KeyFile:            strings.TrimSpace(e.KeyFile),
		CAFile:             strings.TrimSpace(e.CAFile),
		ServerName:         strings.TrimSpace(e.ServerName),
		InsecureSkipVerify: e.InsecureSkipVerify,
	}
}
