package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/tdcore/internal/dc"
)

var (
	ErrClosed         = errors.New("dispatch: closed")
	ErrRequestTimeout = errors.New("dispatch: request timed out")
)

const (
	CodeSeeOther        = 303
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeFlood           = 420
	CodeInternal        = 500
	floodWaitType       = "FLOOD_WAIT"
	defaultFloodWaitMax = 60 * time.Second
)

// RPCError is an error answer from the server. Message follows the
// UPPER_SNAKE convention; a trailing _<n> is split off into Argument.
type RPCError struct {
	Code     int
	Message  string
	Type     string
	Argument int
}

// NewRPCError parses message into Type and Argument.
func NewRPCError(code int, message string) *RPCError {
	e := &RPCError{Code: code, Message: message, Type: message}
	if i := strings.LastIndexByte(message, '_'); i > 0 && i < len(message)-1 {
		if n, err := strconv.Atoi(message[i+1:]); err == nil && n >= 0 {
			e.Type = message[:i]
			e.Argument = n
		}
	}
	return e
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error code %d: %s", e.Code, e.Message)
}

// IsType reports whether e carries the given type, ignoring any argument.
func (e *RPCError) IsType(t string) bool {
	return e != nil && e.Type == t
}

// AsType unwraps err into an *RPCError of the given type.
func AsType(err error, t string) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.IsType(t) {
		return rpcErr, true
	}
	return nil, false
}

// AsFloodWait returns the wait demanded by a FLOOD_WAIT_<n> error.
func AsFloodWait(err error) (time.Duration, bool) {
	rpcErr, ok := AsType(err, floodWaitType)
	if !ok {
		return 0, false
	}
	return time.Duration(rpcErr.Argument) * time.Second, true
}

// AsMigrate returns the DC named by a *_MIGRATE_<n> error.
func AsMigrate(err error) (uint32, bool) {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return 0, false
	}
	id, err := dc.ParseMigrate(rpcErr.Type, rpcErr.Argument)
	if err != nil {
		return 0, false
	}
	return id, true
}

// BadMsgError reports a request the server refused to process.
type BadMsgError struct {
	MsgID uint64
	Code  uint32
}

func (e *BadMsgError) Error() string {
	return fmt.Sprintf("dispatch: bad message %016x: code %d", e.MsgID, e.Code)
}
