package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/tdcore/internal/clock"
	"github.com/danmuck/tdcore/internal/dc"
	"github.com/danmuck/tdcore/internal/updates"
)

// Built-in method names.
const (
	MethodGetConfig = "help.getConfig"
	MethodEcho      = "echo"
)

// Call is one request as seen by a method handler.
type Call struct {
	MsgID     uint64
	Method    string
	Body      []byte
	SessionID uint64
	AuthKeyID uint64
	DeviceID  string
}

// HandlerFunc serves one method. Returning an *Error answers with that
// error; any other error answers INTERNAL.
type HandlerFunc func(ctx context.Context, call Call) ([]byte, error)

// Error is an RPC error answer.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrMethodInvalid = NewError(400, "METHOD_INVALID")
	ErrBodyInvalid   = NewError(400, "BODY_INVALID")
	ErrInternal      = NewError(500, "INTERNAL")
)

// MigrateError tells the client its account lives on another DC.
func MigrateError(id uint32) *Error {
	return NewError(303, dc.MigrateMessage("USER", id))
}

// FloodWait asks the client to retry after d.
func FloodWait(d time.Duration) *Error {
	return NewError(420, fmt.Sprintf("FLOOD_WAIT_%d", int(d/time.Second)))
}

func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return ErrInternal
}

// ConfigBody answers help.getConfig.
type ConfigBody struct {
	ThisDC uint32            `json:"this_dc"`
	Date   uint64            `json:"date"`
	DCs    []ConfigDC        `json:"dc_options,omitempty"`
	Layer  uint32            `json:"layer"`
	State  updates.StateBody `json:"state"`
}

type ConfigDC struct {
	ID        uint32 `json:"id"`
	Addr      string `json:"addr"`
	Transport string `json:"transport"`
}

func (s *Server) registerBuiltins() {
	s.Handle(MethodGetConfig, s.handleGetConfig)
	s.Handle(MethodEcho, func(_ context.Context, call Call) ([]byte, error) {
		return call.Body, nil
	})
	s.Handle(updates.MethodGetState, func(context.Context, Call) ([]byte, error) {
		return json.Marshal(updates.StateBodyOf(s.feed.State()))
	})
	s.Handle(updates.MethodGetDifference, s.handleGetDifference)
}

func (s *Server) handleGetConfig(context.Context, Call) ([]byte, error) {
	body := ConfigBody{
		ThisDC: s.cfg.DCID,
		Date:   clock.UnixMilli(s.clock.Now()),
		Layer:  s.cfg.Layer,
		State:  updates.StateBodyOf(s.feed.State()),
	}
	for _, o := range s.cfg.DCs {
		body.DCs = append(body.DCs, ConfigDC{ID: o.ID, Addr: o.Addr, Transport: o.Transport})
	}
	return json.Marshal(body)
}

func (s *Server) handleGetDifference(_ context.Context, call Call) ([]byte, error) {
	var from updates.StateBody
	if len(call.Body) > 0 {
		if err := json.Unmarshal(call.Body, &from); err != nil {
			return nil, ErrBodyInvalid
		}
	}
	return json.Marshal(s.feed.Difference(from.State()))
}
