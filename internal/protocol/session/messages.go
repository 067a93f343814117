package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/tdcore/internal/protocol/schema"
	"github.com/danmuck/tdcore/internal/protocol/tlv"
)

// BadMsg codes.
const (
	BadMsgIDTooLow  uint32 = 16
	BadMsgIDTooHigh uint32 = 17
	BadMsgInvalid   uint32 = 64
)

// TransportError codes and messages.
const (
	TransportCodeBadKey              uint32 = 400
	TransportCodeAuthKeyUnregistered uint32 = 401
	TransportCodeBindRejected        uint32 = 403
	TransportCodeInternal            uint32 = 500

	KeyFingerprintInvalid = "KEY_FINGERPRINT_INVALID"
	AuthKeyUnregistered   = "AUTH_KEY_UNREGISTERED"
	BindRejected          = "BIND_REJECTED"
)

// Message is one typed wire message.
type Message interface {
	MessageType() uint32
	Validate() error
	fields() []tlv.Field
}

type HandshakeInit struct {
	Nonce          []byte
	PublicKey      []byte
	KeyFingerprint uint64
}

func (HandshakeInit) MessageType() uint32 { return schema.MsgHandshakeInit }

func (m HandshakeInit) Validate() error {
	if len(m.Nonce) == 0 {
		return fmt.Errorf("handshake.init missing nonce")
	}
	if len(m.PublicKey) == 0 {
		return fmt.Errorf("handshake.init missing public_key")
	}
	return nil
}

func (m HandshakeInit) fields() []tlv.Field {
	return []tlv.Field{
		tlv.Bytes(schema.FieldNonce, m.Nonce),
		tlv.Bytes(schema.FieldPublicKey, m.PublicKey),
		tlv.U64(schema.FieldKeyFingerprint, m.KeyFingerprint),
	}
}

type HandshakeReply struct {
	Nonce       []byte
	ServerNonce []byte
	PublicKey   []byte
	Confirm     []byte
	AuthKeyID   uint64
	TimestampMS uint64
}

func (HandshakeReply) MessageType() uint32 { return schema.MsgHandshakeReply }

func (m HandshakeReply) Validate() error {
	if len(m.Nonce) == 0 || len(m.ServerNonce) == 0 {
		return fmt.Errorf("handshake.reply missing nonce")
	}
	if len(m.PublicKey) == 0 {
		return fmt.Errorf("handshake.reply missing public_key")
	}
	if len(m.Confirm) == 0 {
		return fmt.Errorf("handshake.reply missing confirm")
	}
	if m.TimestampMS == 0 {
		return fmt.Errorf("handshake.reply missing timestamp_ms")
	}
	return nil
}

func (m HandshakeReply) fields() []tlv.Field {
	return []tlv.Field{
		tlv.Bytes(schema.FieldNonce, m.Nonce),
		tlv.Bytes(schema.FieldServerNonce, m.ServerNonce),
		tlv.Bytes(schema.FieldPublicKey, m.PublicKey),
		tlv.Bytes(schema.FieldConfirm, m.Confirm),
		tlv.U64(schema.FieldAuthKeyID, m.AuthKeyID),
		tlv.U64(schema.FieldTimestampMS, m.TimestampMS),
	}
}

// Bind attaches a session id to the authenticated connection.
type Bind struct {
	SessionID     uint64
	DeviceID      string
	APIToken      string
	ClientVersion string
	Layer         uint32
}

func (Bind) MessageType() uint32 { return schema.MsgBind }

func (m Bind) Validate() error {
	if m.SessionID == 0 {
		return fmt.Errorf("bind missing session_id")
	}
	if strings.TrimSpace(m.DeviceID) == "" {
		return fmt.Errorf("bind missing device_id")
	}
	if strings.TrimSpace(m.ClientVersion) == "" {
		return fmt.Errorf("bind missing client_version")
	}
	return nil
}

func (m Bind) fields() []tlv.Field {
	out := []tlv.Field{
		tlv.U64(schema.FieldSessionID, m.SessionID),
		tlv.String(schema.FieldDeviceID, m.DeviceID),
		tlv.String(schema.FieldClientVersion, m.ClientVersion),
		tlv.U32(schema.FieldLayer, m.Layer),
	}
	if m.APIToken != "" {
		out = append(out, tlv.String(schema.FieldAPIToken, m.APIToken))
	}
	return out
}

type BindAck struct {
	SessionID   uint64
	NewSession  bool
	TimestampMS uint64
	DCID        uint32
}

func (BindAck) MessageType() uint32 { return schema.MsgBindAck }

func (m BindAck) Validate() error {
	if m.SessionID == 0 {
		return fmt.Errorf("bind.ack missing session_id")
	}
	if m.TimestampMS == 0 {
		return fmt.Errorf("bind.ack missing timestamp_ms")
	}
	return nil
}

func (m BindAck) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldSessionID, m.SessionID),
		tlv.Bool(schema.FieldNewSession, m.NewSession),
		tlv.U64(schema.FieldTimestampMS, m.TimestampMS),
		tlv.U32(schema.FieldDCID, m.DCID),
	}
}

// Request is one RPC call. Body is opaque to the transport, JSON by convention.
type Request struct {
	Method string
	Body   []byte
}

func (Request) MessageType() uint32 { return schema.MsgRequest }

func (m Request) Validate() error {
	if strings.TrimSpace(m.Method) == "" {
		return fmt.Errorf("request missing method")
	}
	return nil
}

func (m Request) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldMethod, m.Method),
		tlv.Bytes(schema.FieldBody, m.Body),
	}
}

type Response struct {
	ReqMsgID uint64
	Body     []byte
}

func (Response) MessageType() uint32 { return schema.MsgResponse }

func (m Response) Validate() error {
	if m.ReqMsgID == 0 {
		return fmt.Errorf("response missing req_msg_id")
	}
	return nil
}

func (m Response) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldReqMsgID, m.ReqMsgID),
		tlv.Bytes(schema.FieldBody, m.Body),
	}
}

type RPCError struct {
	ReqMsgID uint64
	Code     uint32
	Message  string
}

func (RPCError) MessageType() uint32 { return schema.MsgRPCError }

func (m RPCError) Validate() error {
	if m.ReqMsgID == 0 {
		return fmt.Errorf("rpc_error missing req_msg_id")
	}
	if strings.TrimSpace(m.Message) == "" {
		return fmt.Errorf("rpc_error missing error_message")
	}
	return nil
}

func (m RPCError) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldReqMsgID, m.ReqMsgID),
		tlv.U32(schema.FieldErrorCode, m.Code),
		tlv.String(schema.FieldErrorMessage, m.Message),
	}
}

// Update is one server push. Seq is 0 for updates outside the ordered stream.
type Update struct {
	Seq         uint64
	Count       uint32
	Kind        string
	Body        []byte
	TimestampMS uint64
}

func (Update) MessageType() uint32 { return schema.MsgUpdate }

func (m Update) Validate() error {
	if strings.TrimSpace(m.Kind) == "" {
		return fmt.Errorf("update missing kind")
	}
	if m.Seq != 0 && m.Count == 0 {
		return fmt.Errorf("update seq %d has zero count", m.Seq)
	}
	return nil
}

func (m Update) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldSeq, m.Seq),
		tlv.U32(schema.FieldSeqCount, m.Count),
		tlv.String(schema.FieldKind, m.Kind),
		tlv.Bytes(schema.FieldBody, m.Body),
		tlv.U64(schema.FieldTimestampMS, m.TimestampMS),
	}
}

type Ack struct {
	MsgIDs []uint64
}

func (Ack) MessageType() uint32 { return schema.MsgAck }

func (m Ack) Validate() error {
	if len(m.MsgIDs) == 0 {
		return fmt.Errorf("ack missing msg_ids")
	}
	return nil
}

func (m Ack) fields() []tlv.Field {
	return []tlv.Field{tlv.Bytes(schema.FieldMsgIDs, tlv.PackU64s(m.MsgIDs))}
}

type Ping struct {
	PingID uint64
}

func (Ping) MessageType() uint32 { return schema.MsgPing }
func (Ping) Validate() error     { return nil }

func (m Ping) fields() []tlv.Field {
	return []tlv.Field{tlv.U64(schema.FieldPingID, m.PingID)}
}

type Pong struct {
	PingID   uint64
	ReqMsgID uint64
}

func (Pong) MessageType() uint32 { return schema.MsgPong }
func (Pong) Validate() error     { return nil }

func (m Pong) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldPingID, m.PingID),
		tlv.U64(schema.FieldReqMsgID, m.ReqMsgID),
	}
}

// BadMsg reports a message the server refused before routing it.
type BadMsg struct {
	ReqMsgID    uint64
	Code        uint32
	TimestampMS uint64
}

func (BadMsg) MessageType() uint32 { return schema.MsgBadMsg }

func (m BadMsg) Validate() error {
	if m.ReqMsgID == 0 {
		return fmt.Errorf("bad_msg missing req_msg_id")
	}
	if m.Code == 0 {
		return fmt.Errorf("bad_msg missing error_code")
	}
	return nil
}

func (m BadMsg) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldReqMsgID, m.ReqMsgID),
		tlv.U32(schema.FieldErrorCode, m.Code),
		tlv.U64(schema.FieldTimestampMS, m.TimestampMS),
	}
}

type TransportError struct {
	Code    uint32
	Message string
}

func (TransportError) MessageType() uint32 { return schema.MsgTransportError }

func (m TransportError) Validate() error {
	if strings.TrimSpace(m.Message) == "" {
		return fmt.Errorf("transport_error missing error_message")
	}
	return nil
}

func (m TransportError) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldErrorCode, m.Code),
		tlv.String(schema.FieldErrorMessage, m.Message),
	}
}

func (m TransportError) Error() string {
	return fmt.Sprintf("session: transport error %d: %s", m.Code, m.Message)
}

// Permanent reports whether retrying with the same credentials cannot help.
func (m TransportError) Permanent() bool {
	return m.Message == KeyFingerprintInvalid || m.Message == BindRejected
}
