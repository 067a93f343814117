// Package mobile wraps client for gomobile bind. Every exported signature
// uses only strings, numbers, errors and pointers to types of this package.
package mobile

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/tdcore/client"
	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/config"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/rs/zerolog/log"
)

// Client is a running tdcore client driven through JSON strings.
type Client struct {
	c      *client.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient parses a client TOML document and starts connecting in the
// background. Answers and updates are read with Receive.
func NewClient(configTOML string) (*Client, error) {
	logging.ConfigureRuntime()
	cfg, err := config.ParseClientConfig(configTOML)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c, err := client.New(ctx, client.Options{Config: cfg, JSONUpdates: true})
	if err != nil {
		cancel()
		return nil, err
	}
	m := &Client{c: c, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		if err := c.Run(ctx); err != nil && !errors.Is(err, client.ErrClosed) {
			log.Error().Err(err).Str("component", "mobile").Msg("mobile: client stopped")
		}
	}()
	return m, nil
}

func (m *Client) Send(request string) {
	m.c.Send([]byte(request))
}

// Receive waits up to seconds for the next object. It returns "" on timeout.
func (m *Client) Receive(seconds float64) string {
	return string(m.c.Receive(time.Duration(seconds * float64(time.Second))))
}

func (m *Client) Execute(request string) string {
	return string(m.c.Execute([]byte(request)))
}

func (m *Client) Close() error {
	err := m.c.Close()
	m.cancel()
	<-m.done
	return err
}

// Execute answers local methods without a client.
func Execute(request string) string {
	return string(client.Execute([]byte(request)))
}

func Version() string {
	return buildinfo.Version
}
