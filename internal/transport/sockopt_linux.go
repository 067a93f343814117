//go:build linux

package transport

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// Tune applies opts to a TCP connection. Non-TCP connections are left alone.
func Tune(conn net.Conn, opts SocketOptions) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		s := int(fd)
		if opts.NoDelay {
			sockErr = errors.Join(sockErr, unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1))
		}
		if opts.ReadBuffer > 0 {
			sockErr = errors.Join(sockErr, unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReadBuffer))
		}
		if opts.WriteBuffer > 0 {
			sockErr = errors.Join(sockErr, unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.WriteBuffer))
		}
		if opts.KeepAlive > 0 {
			secs := int(opts.KeepAlive.Seconds())
			if secs < 1 {
				secs = 1
			}
			sockErr = errors.Join(sockErr,
				unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1),
				unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs),
				unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs),
			)
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
