package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/tdcore/internal/protocol/frame"
	"github.com/danmuck/tdcore/internal/protocol/schema"
	"github.com/danmuck/tdcore/internal/protocol/tlv"
	"github.com/klauspost/compress/gzip"
)

var (
	ErrUnknownMessage  = errors.New("session: unknown message type")
	ErrInflateTooLarge = errors.New("session: inflated payload too large")
	ErrUnexpectedFrame = errors.New("session: unexpected message")
)

// Codec turns typed messages into plaintext frames and back.
// A CompressThreshold of zero or less disables compression.
type Codec struct {
	CompressThreshold int
	MaxPayload        uint64
}

func DefaultCodec() Codec {
	return DefaultConfig().Codec()
}

func (c Codec) limit() uint64 {
	if c.MaxPayload == 0 {
		return frame.DefaultLimits().MaxPayloadBytes
	}
	return c.MaxPayload
}

// Limits returns frame limits matching the codec payload cap.
func (c Codec) Limits() frame.Limits {
	return frame.DefaultLimits().WithMaxPayload(c.limit())
}

// Encode validates m and builds the plaintext frame for msgID.
func (c Codec) Encode(msgID uint64, m Message) (frame.Frame, error) {
	if err := m.Validate(); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	fields := m.fields()
	if err := schema.Validate(m.MessageType(), fields); err != nil {
		return frame.Frame{}, err
	}
	payload := tlv.EncodeFields(fields)
	flags := flagsFor(m.MessageType())
	if c.CompressThreshold > 0 && len(payload) > c.CompressThreshold {
		packed, err := deflate(payload)
		if err != nil {
			return frame.Frame{}, err
		}
		if len(packed) < len(payload) {
			payload = packed
			flags |= frame.FlagCompressed
		}
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   msgID,
			MessageType: m.MessageType(),
			Flags:       flags,
		},
		Payload: payload,
	}, nil
}

// Decode inflates and validates a plaintext frame and returns its typed message.
func (c Codec) Decode(f frame.Frame) (Message, error) {
	payload := f.Payload
	if f.Has(frame.FlagCompressed) {
		var err error
		payload, err = inflate(payload, c.limit())
		if err != nil {
			return nil, err
		}
	}
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, err
	}
	return fromFields(f.Header.MessageType, fields)
}

func flagsFor(messageType uint32) uint32 {
	switch messageType {
	case schema.MsgResponse, schema.MsgPong, schema.MsgBindAck, schema.MsgHandshakeReply:
		return frame.FlagIsResponse
	case schema.MsgRPCError, schema.MsgBadMsg:
		return frame.FlagIsResponse | frame.FlagIsError
	case schema.MsgTransportError:
		return frame.FlagIsError
	}
	return 0
}

func deflate(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(in); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(in []byte, max uint64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("session: inflate: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(max)+1))
	if err != nil {
		return nil, fmt.Errorf("session: inflate: %w", err)
	}
	if uint64(len(out)) > max {
		return nil, ErrInflateTooLarge
	}
	return out, nil
}

// fromFields assumes fields already passed schema.Validate, so required
// fields exist with the right type.
func fromFields(messageType uint32, fields []tlv.Field) (Message, error) {
	switch messageType {
	case schema.MsgHandshakeInit:
		return HandshakeInit{
			Nonce:          getBytes(fields, schema.FieldNonce),
			PublicKey:      getBytes(fields, schema.FieldPublicKey),
			KeyFingerprint: getU64(fields, schema.FieldKeyFingerprint),
		}, nil
	case schema.MsgHandshakeReply:
		return HandshakeReply{
			Nonce:       getBytes(fields, schema.FieldNonce),
			ServerNonce: getBytes(fields, schema.FieldServerNonce),
			PublicKey:   getBytes(fields, schema.FieldPublicKey),
			Confirm:     getBytes(fields, schema.FieldConfirm),
			AuthKeyID:   getU64(fields, schema.FieldAuthKeyID),
			TimestampMS: getU64(fields, schema.FieldTimestampMS),
		}, nil
	case schema.MsgBind:
		return Bind{
			SessionID:     getU64(fields, schema.FieldSessionID),
			DeviceID:      getString(fields, schema.FieldDeviceID),
			APIToken:      getString(fields, schema.FieldAPIToken),
			ClientVersion: getString(fields, schema.FieldClientVersion),
			Layer:         getU32(fields, schema.FieldLayer),
		}, nil
	case schema.MsgBindAck:
		f, _ := tlv.GetField(fields, schema.FieldNewSession)
		newSession, err := f.AsBool()
		if err != nil {
			return nil, err
		}
		return BindAck{
			SessionID:   getU64(fields, schema.FieldSessionID),
			NewSession:  newSession,
			TimestampMS: getU64(fields, schema.FieldTimestampMS),
			DCID:        getU32(fields, schema.FieldDCID),
		}, nil
	case schema.MsgRequest:
		return Request{
			Method: getString(fields, schema.FieldMethod),
			Body:   getBytes(fields, schema.FieldBody),
		}, nil
	case schema.MsgResponse:
		return Response{
			ReqMsgID: getU64(fields, schema.FieldReqMsgID),
			Body:     getBytes(fields, schema.FieldBody),
		}, nil
	case schema.MsgRPCError:
		return RPCError{
			ReqMsgID: getU64(fields, schema.FieldReqMsgID),
			Code:     getU32(fields, schema.FieldErrorCode),
			Message:  getString(fields, schema.FieldErrorMessage),
		}, nil
	case schema.MsgUpdate:
		return Update{
			Seq:         getU64(fields, schema.FieldSeq),
			Count:       getU32(fields, schema.FieldSeqCount),
			Kind:        getString(fields, schema.FieldKind),
			Body:        getBytes(fields, schema.FieldBody),
			TimestampMS: getU64(fields, schema.FieldTimestampMS),
		}, nil
	case schema.MsgAck:
		ids, err := tlv.UnpackU64s(getBytes(fields, schema.FieldMsgIDs))
		if err != nil {
			return nil, err
		}
		return Ack{MsgIDs: ids}, nil
	case schema.MsgPing:
		return Ping{PingID: getU64(fields, schema.FieldPingID)}, nil
	case schema.MsgPong:
		return Pong{
			PingID:   getU64(fields, schema.FieldPingID),
			ReqMsgID: getU64(fields, schema.FieldReqMsgID),
		}, nil
	case schema.MsgBadMsg:
		return BadMsg{
			ReqMsgID:    getU64(fields, schema.FieldReqMsgID),
			Code:        getU32(fields, schema.FieldErrorCode),
			TimestampMS: getU64(fields, schema.FieldTimestampMS),
		}, nil
	case schema.MsgTransportError:
		return TransportError{
			Code:    getU32(fields, schema.FieldErrorCode),
			Message: getString(fields, schema.FieldErrorMessage),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, schema.Name(messageType))
}

// Expect decodes f and asserts its message type, unwrapping a TransportError
// into an error.
func Expect[T Message](c Codec, f frame.Frame) (T, error) {
	var zero T
	m, err := c.Decode(f)
	if err != nil {
		return zero, err
	}
	if te, ok := m.(TransportError); ok {
		if _, want := any(zero).(TransportError); !want {
			return zero, te
		}
	}
	out, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s want %s", ErrUnexpectedFrame, schema.Name(m.MessageType()), schema.Name(zero.MessageType()))
	}
	return out, nil
}

func getString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getBytes(fields []tlv.Field, id uint16) []byte {
	f, _ := tlv.GetField(fields, id)
	return append([]byte(nil), f.Value...)
}

func getU64(fields []tlv.Field, id uint16) uint64 {
	f, _ := tlv.GetField(fields, id)
	v, _ := f.AsU64()
	return v
}

func getU32(fields []tlv.Field, id uint16) uint32 {
	f, _ := tlv.GetField(fields, id)
	v, _ := f.AsU32()
	return v
}
