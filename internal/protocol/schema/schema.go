package schema

import (
	"fmt"

	"github.com/danmuck/tdcore/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from tlv contract.
const (
	MsgHandshakeInit  uint32 = 1
	MsgHandshakeReply uint32 = 2
	MsgBind           uint32 = 3
	MsgBindAck        uint32 = 4
	MsgRequest        uint32 = 5
	MsgResponse       uint32 = 6
	MsgRPCError       uint32 = 7
	MsgUpdate         uint32 = 8
	MsgAck            uint32 = 9
	MsgPing           uint32 = 10
	MsgPong           uint32 = 11
	MsgBadMsg         uint32 = 12
	MsgTransportError uint32 = 13
)

// Field IDs from tlv contract.
const (
	FieldReqMsgID     uint16 = 1
	FieldMethod       uint16 = 2
	FieldBody         uint16 = 3
	FieldErrorCode    uint16 = 4
	FieldErrorMessage uint16 = 5
	FieldTimestampMS  uint16 = 6

	FieldNonce          uint16 = 100
	FieldServerNonce    uint16 = 101
	FieldPublicKey      uint16 = 102
	FieldKeyFingerprint uint16 = 103
	FieldConfirm        uint16 = 104
	FieldAuthKeyID      uint16 = 105

	FieldSessionID     uint16 = 200
	FieldDeviceID      uint16 = 201
	FieldAPIToken      uint16 = 202
	FieldClientVersion uint16 = 203
	FieldLayer         uint16 = 204
	FieldNewSession    uint16 = 205
	FieldDCID          uint16 = 206

	FieldSeq      uint16 = 300
	FieldSeqCount uint16 = 301
	FieldKind     uint16 = 302

	FieldMsgIDs uint16 = 400

	FieldPingID uint16 = 500
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%s: %s", Name(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%d: %s", Name(e.MessageType), e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHandshakeInit: {
		{FieldNonce, tlv.TypeBytes},
		{FieldPublicKey, tlv.TypeBytes},
		{FieldKeyFingerprint, tlv.TypeU64},
	},
	MsgHandshakeReply: {
		{FieldNonce, tlv.TypeBytes},
		{FieldServerNonce, tlv.TypeBytes},
		{FieldPublicKey, tlv.TypeBytes},
		{FieldConfirm, tlv.TypeBytes},
		{FieldAuthKeyID, tlv.TypeU64},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgBind: {
		{FieldSessionID, tlv.TypeU64},
		{FieldDeviceID, tlv.TypeString},
		{FieldClientVersion, tlv.TypeString},
		{FieldLayer, tlv.TypeU32},
	},
	MsgBindAck: {
		{FieldSessionID, tlv.TypeU64},
		{FieldNewSession, tlv.TypeBool},
		{FieldTimestampMS, tlv.TypeU64},
		{FieldDCID, tlv.TypeU32},
	},
	MsgRequest: {
		{FieldMethod, tlv.TypeString},
		{FieldBody, tlv.TypeBytes},
	},
	MsgResponse: {
		{FieldReqMsgID, tlv.TypeU64},
		{FieldBody, tlv.TypeBytes},
	},
	MsgRPCError: {
		{FieldReqMsgID, tlv.TypeU64},
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgUpdate: {
		{FieldSeq, tlv.TypeU64},
		{FieldSeqCount, tlv.TypeU32},
		{FieldKind, tlv.TypeString},
		{FieldBody, tlv.TypeBytes},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgAck: {
		{FieldMsgIDs, tlv.TypeBytes},
	},
	MsgPing: {
		{FieldPingID, tlv.TypeU64},
	},
	MsgPong: {
		{FieldPingID, tlv.TypeU64},
		{FieldReqMsgID, tlv.TypeU64},
	},
	MsgBadMsg: {
		{FieldReqMsgID, tlv.TypeU64},
		{FieldErrorCode, tlv.TypeU32},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgTransportError: {
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
}

var names = map[uint32]string{
	MsgHandshakeInit:  "handshake.init",
	MsgHandshakeReply: "handshake.reply",
	MsgBind:           "bind",
	MsgBindAck:        "bind.ack",
	MsgRequest:        "request",
	MsgResponse:       "response",
	MsgRPCError:       "rpc_error",
	MsgUpdate:         "update",
	MsgAck:            "ack",
	MsgPing:           "ping",
	MsgPong:           "pong",
	MsgBadMsg:         "bad_msg",
	MsgTransportError: "transport_error",
}

// Name returns a printable message type name.
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", messageType)
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message_type", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message_type", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
