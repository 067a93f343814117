package session

import (
	"errors"
	"fmt"
)

var ErrHandshakeFailed = errors.New("session: handshake failed")

// ErrInvalidMessage wraps outgoing messages rejected before encoding.
var ErrInvalidMessage = errors.New("session: invalid message")

// HandshakeError wraps a failure in one stage of connection setup.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: handshake %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeFailed
}
