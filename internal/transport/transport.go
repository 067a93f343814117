// Package transport dials and adapts the byte streams sessions run over.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedTransport = errors.New("transport: unsupported transport")

// Stream is a bidirectional byte stream with deadlines. *net.TCPConn and
// *tls.Conn satisfy it directly; websocket connections are adapted.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Dialer opens streams to data center endpoints.
type Dialer struct {
	Session session.Config
	Socket  SocketOptions
}

func NewDialer(cfg session.Config) Dialer {
	return Dialer{Session: cfg.WithDefaults(), Socket: DefaultSocketOptions()}
}

func (d Dialer) Dial(ctx context.Context, o dc.Option) (Stream, error) {
	switch o.Transport {
	case "", dc.TransportTCP:
		return d.dialTCP(ctx, o.Addr)
	case dc.TransportTLS:
		return d.dialTLS(ctx, o.Addr)
	case dc.TransportWS, dc.TransportWSS:
		return d.dialWS(ctx, o)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, o.Transport)
}

func (d Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Session.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := Tune(conn, d.Socket); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("transport: socket tuning failed")
	}
	return conn, nil
}

func (d Dialer) dialTLS(ctx context.Context, addr string) (Stream, error) {
	raw, err := d.dialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := ClientTLSConfig(d.Session.TLS, addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, d.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}
