package transport

import "time"

// SocketOptions tunes TCP sockets after connect or accept.
type SocketOptions struct {
	NoDelay     bool
	ReadBuffer  int
	WriteBuffer int
	KeepAlive   time.Duration
}

func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		NoDelay:     true,
		ReadBuffer:  256 * 1024,
		WriteBuffer: 256 * 1024,
		KeepAlive:   30 * time.Second,
	}
}
