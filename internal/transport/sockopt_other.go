//go:build !linux

package transport

import (
	"errors"
	"net"
)

// Tune applies opts through the portable net.TCPConn setters.
func Tune(conn net.Conn, opts SocketOptions) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	var err error
	err = errors.Join(err, tcp.SetNoDelay(opts.NoDelay))
	if opts.ReadBuffer > 0 {
		err = errors.Join(err, tcp.SetReadBuffer(opts.ReadBuffer))
	}
	if opts.WriteBuffer > 0 {
		err = errors.Join(err, tcp.SetWriteBuffer(opts.WriteBuffer))
	}
	if opts.KeepAlive > 0 {
		err = errors.Join(err, tcp.SetKeepAlive(true), tcp.SetKeepAlivePeriod(opts.KeepAlive))
	}
	return err
}
