package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/conn"
	"github.com/danmuck/tdcore/internal/dispatch"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/protocol/session"
)

// Object types produced by Receive and Execute.
const (
	TypeOK              = "ok"
	TypeError           = "error"
	TypeUpdate          = "update"
	TypeVersion         = "version"
	TypeConnectionState = "connectionState"
)

// Methods Execute answers locally.
const (
	MethodGetVersion           = "getVersion"
	MethodSetLogVerbosityLevel = "setLogVerbosityLevel"
	MethodGetConnectionState   = "getConnectionState"
)

// UpdateKindConnectionState tags the update pushed on every state change.
const UpdateKindConnectionState = "updateConnectionState"

// Error codes used for requests that never reach the server.
const (
	codeBadRequest = 400
	codeTimeout    = 408
	codeInternal   = 500
)

var verbosityLevels = []string{"disabled", "error", "warn", "info", "debug", "trace"}

type errorObject struct {
	Type    string          `json:"@type"`
	Extra   json.RawMessage `json:"@extra,omitempty"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
}

type okObject struct {
	Type   string          `json:"@type"`
	Extra  json.RawMessage `json:"@extra,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type updateObject struct {
	Type  string          `json:"@type"`
	Kind  string          `json:"kind"`
	Seq   uint64          `json:"seq,omitempty"`
	Date  uint64          `json:"date,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	State string          `json:"state,omitempty"`
}

// request is a decoded JSON request: the method, the correlation value and
// the remaining fields as the call body.
type request struct {
	method string
	extra  json.RawMessage
	body   []byte
}

func parseRequest(raw []byte) (request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return request{}, err
	}
	var req request
	req.extra = fields["@extra"]
	if t, ok := fields["@type"]; ok {
		if err := json.Unmarshal(t, &req.method); err != nil {
			return req, errors.New("@type must be a string")
		}
	}
	if req.method == "" {
		return req, errors.New("@type is required")
	}
	delete(fields, "@type")
	delete(fields, "@extra")
	if len(fields) > 0 {
		body, err := json.Marshal(fields)
		if err != nil {
			return req, err
		}
		req.body = body
	}
	return req, nil
}

// Send submits a JSON request such as {"@type":"echo","@extra":1,"text":"hi"}.
// The answer arrives through Receive carrying the same @extra.
func (c *Client) Send(raw []byte) {
	req, err := parseRequest(raw)
	if err != nil {
		c.inbox.push(encodeError(req.extra, codeBadRequest, err.Error()))
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.inbox.push(encodeError(req.extra, codeInternal, ErrClosed.Error()))
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		out, err := c.Invoke(c.base, req.method, req.body)
		if err != nil {
			c.inbox.push(errorFor(req.extra, err))
			return
		}
		c.inbox.push(encodeOK(req.extra, out))
	}()
}

// Receive returns the next answer or update, or nil after timeout.
func (c *Client) Receive(timeout time.Duration) []byte {
	return c.inbox.pop(timeout)
}

// Execute answers the methods that need no network round trip. Anything
// else is rejected with an error object.
func (c *Client) Execute(raw []byte) []byte {
	return execute(raw, c)
}

// Execute without a client answers getVersion and setLogVerbosityLevel.
func Execute(raw []byte) []byte {
	return execute(raw, nil)
}

func execute(raw []byte, c *Client) []byte {
	req, err := parseRequest(raw)
	if err != nil {
		return encodeError(req.extra, codeBadRequest, err.Error())
	}
	switch req.method {
	case MethodGetVersion:
		return encode(struct {
			Type     string          `json:"@type"`
			Extra    json.RawMessage `json:"@extra,omitempty"`
			Version  string          `json:"version"`
			Artifact string          `json:"artifact"`
			Commit   string          `json:"commit"`
		}{TypeVersion, req.extra, buildinfo.Version, buildinfo.Artifact, buildinfo.Commit})
	case MethodSetLogVerbosityLevel:
		var params struct {
			Level *int `json:"new_verbosity_level"`
		}
		if len(req.body) > 0 {
			_ = json.Unmarshal(req.body, &params)
		}
		if params.Level == nil || *params.Level < 0 {
			return encodeError(req.extra, codeBadRequest, "new_verbosity_level must be a non-negative integer")
		}
		level := *params.Level
		if level >= len(verbosityLevels) {
			level = len(verbosityLevels) - 1
		}
		logging.SetLevel(verbosityLevels[level])
		return encodeOK(req.extra, nil)
	case MethodGetConnectionState:
		if c == nil {
			return encodeError(req.extra, codeBadRequest, "getConnectionState needs a client")
		}
		return encode(struct {
			Type  string          `json:"@type"`
			Extra json.RawMessage `json:"@extra,omitempty"`
			State string          `json:"state"`
			DC    uint32          `json:"dc"`
		}{TypeConnectionState, req.extra, c.State().String(), c.DC()})
	}
	return encodeError(req.extra, codeBadRequest, "method "+req.method+" can't be executed synchronously")
}

// forwardUpdates copies every demuxed update into the inbox.
func (c *Client) forwardUpdates() {
	sub := c.demux.Subscribe()
	go func() {
		for u := range sub.C() {
			c.inbox.push(encodeUpdate(u))
		}
	}()
}

func (c *Client) pushState(s conn.State) {
	if !c.jsonUpdates {
		return
	}
	c.inbox.push(encode(updateObject{Type: TypeUpdate, Kind: UpdateKindConnectionState, State: s.String()}))
}

func encodeUpdate(u session.Update) []byte {
	return encode(updateObject{
		Type: TypeUpdate,
		Kind: u.Kind,
		Seq:  u.Seq,
		Date: u.TimestampMS,
		Body: rawJSON(u.Body),
	})
}

func encodeOK(extra json.RawMessage, body []byte) []byte {
	return encode(okObject{Type: TypeOK, Extra: extra, Result: rawJSON(body)})
}

func errorFor(extra json.RawMessage, err error) []byte {
	var rpcErr *dispatch.RPCError
	var badMsg *dispatch.BadMsgError
	switch {
	case errors.As(err, &rpcErr):
		return encodeError(extra, rpcErr.Code, rpcErr.Message)
	case errors.As(err, &badMsg):
		return encodeError(extra, codeBadRequest, badMsg.Error())
	case errors.Is(err, dispatch.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return encodeError(extra, codeTimeout, err.Error())
	}
	return encodeError(extra, codeInternal, err.Error())
}

func encodeError(extra json.RawMessage, code int, msg string) []byte {
	return encode(errorObject{Type: TypeError, Extra: extra, Code: code, Message: msg})
}

// rawJSON passes a JSON body through unchanged and quotes anything else as a
// string.
func rawJSON(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorObject{Type: TypeError, Code: codeInternal, Message: err.Error()})
	}
	return b
}
