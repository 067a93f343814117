package config

import (
	"github.com/danmuck/tdcore/internal/auth"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/server"
)

// Server builds the reference server settings from a validated file config.
func (c ServerConfig) Server() (server.Config, error) {
	key, err := secure.ParsePrivateKey(c.StaticKey)
	if err != nil {
		return server.Config{}, err
	}
	sess := session.DefaultConfig()
	sess.SecurityMode = session.SecurityMode(c.SecurityMode)
	if c.MaxFrameSize != "" {
		n, err := parseBytes("max_frame_size", c.MaxFrameSize)
		if err != nil {
			return server.Config{}, err
		}
		sess.MaxFrameSize = uint64(n)
	}
	if c.SessionDeadAfter != "" {
		d, err := parseDuration("session_dead_after", c.SessionDeadAfter)
		if err != nil {
			return server.Config{}, err
		}
		sess.SessionDeadAfter = d
	}
	sess.TLS = session.TLSConfig{
		Enabled:  c.TLS.Enabled,
		Mutual:   c.TLS.Mutual,
		CertFile: c.TLS.CertFile,
		KeyFile:  c.TLS.KeyFile,
		CAFile:   c.TLS.CAFile,
	}

	var validator auth.Validator
	if len(c.APITokens) > 0 {
		validator = auth.MinLayer{Layer: c.MinLayer, Next: auth.TokenSet(c.APITokens)}
	} else if c.MinLayer > 0 {
		validator = auth.MinLayer{Layer: c.MinLayer}
	}

	return server.Config{
		DCID:              c.DCID,
		ListenAddr:        c.ListenAddr,
		WSListenAddr:      c.WSListenAddr,
		StaticKey:         key,
		Session:           sess.WithDefaults(),
		Validator:         validator,
		DCs:               dcOptions(c.DCs),
		Layer:             c.Layer,
		UpdateLogSize:     c.UpdateLogSize,
		ResponseCacheSize: c.ResponseCacheSize,
	}, nil
}

