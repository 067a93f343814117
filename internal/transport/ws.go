package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/danmuck/tdcore/internal/dc"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSPath is the websocket endpoint served by the reference server.
const WSPath = "/tdcore"

// WSSubprotocol is negotiated on every websocket session.
const WSSubprotocol = "tdcore.v1"

func (d Dialer) dialWS(ctx context.Context, o dc.Option) (Stream, error) {
	scheme := "ws"
	if o.Transport == dc.TransportWSS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: o.Addr, Path: WSPath}

	wd := websocket.Dialer{
		HandshakeTimeout: d.Session.HandshakeTimeout,
		Subprotocols:     []string{WSSubprotocol},
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.dialTCP(ctx, addr)
		},
	}
	if scheme == "wss" {
		tlsCfg, err := ClientTLSConfig(d.Session.TLS, o.Addr)
		if err != nil {
			return nil, err
		}
		wd.TLSClientConfig = tlsCfg
	}
	conn, resp, err := wd.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}

// wsStream adapts a websocket connection to a byte stream. Each Write is sent
// as one binary message, so callers write whole frames per call.
type wsStream struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	r    io.Reader
}

// NewStream wraps conn for either side of a websocket session.
func NewStream(conn *websocket.Conn) Stream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				return 0, wsErr(err)
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, wsErr(err)
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
func (s *wsStream) RemoteAddr() net.Addr               { return s.conn.RemoteAddr() }

func wsErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

// WSHandler upgrades requests and hands each stream to accept, which owns it.
func WSHandler(accept func(Stream)) http.Handler {
	up := websocket.Upgrader{
		Subprotocols:    []string{WSSubprotocol},
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("transport: websocket upgrade failed")
			return
		}
		accept(NewStream(conn))
	})
}
