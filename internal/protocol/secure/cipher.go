package secure

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/tdcore/internal/protocol/frame"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownKey   = errors.New("secure: unknown auth key id")
	ErrDecrypt      = errors.New("secure: decrypt failed")
	ErrNotEncrypted = errors.New("secure: frame not encrypted")
)

// Direction separates the nonce space of the two traffic directions.
type Direction uint32

const (
	ClientToServer Direction = 1
	ServerToClient Direction = 2
)

const AuthBlockLen = 8

// Cipher seals outbound and opens inbound frames under one auth key.
// Message ids never repeat per direction, so they double as AEAD nonces.
type Cipher struct {
	key     AuthKey
	keyID   [AuthBlockLen]byte
	send    cipher.AEAD
	recv    cipher.AEAD
	sendDir Direction
	recvDir Direction
}

// NewCipher builds the client side cipher when server is false.
func NewCipher(key AuthKey, server bool) (*Cipher, error) {
	c2s, err := directionAEAD(key, "tdcore c2s")
	if err != nil {
		return nil, err
	}
	s2c, err := directionAEAD(key, "tdcore s2c")
	if err != nil {
		return nil, err
	}
	c := &Cipher{key: key}
	binary.BigEndian.PutUint64(c.keyID[:], key.ID)
	if server {
		c.send, c.recv = s2c, c2s
		c.sendDir, c.recvDir = ServerToClient, ClientToServer
	} else {
		c.send, c.recv = c2s, s2c
		c.sendDir, c.recvDir = ClientToServer, ServerToClient
	}
	return c, nil
}

func directionAEAD(key AuthKey, info string) (cipher.AEAD, error) {
	sub := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key.Key[:], []byte(info)), sub); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(sub)
}

func (c *Cipher) KeyID() uint64 {
	return c.key.ID
}

// Seal encrypts the payload of f. The header bytes and auth block are bound
// as additional data so neither can be altered in flight.
func (c *Cipher) Seal(f frame.Frame) frame.Frame {
	out := frame.Frame{
		Header: f.Header,
		Auth:   append([]byte(nil), c.keyID[:]...),
	}
	out.Header.Flags |= frame.FlagEncrypted
	out = frame.Normalize(out)
	out.Header.PayloadLen = uint64(len(f.Payload) + c.send.Overhead())

	nonce := nonceFor(c.sendDir, f.Header.MessageID)
	out.Payload = c.send.Seal(nil, nonce, f.Payload, aad(out.Header, out.Auth))
	return out
}

// Open authenticates and decrypts f, returning the plaintext frame.
func (c *Cipher) Open(f frame.Frame) (frame.Frame, error) {
	if !f.Has(frame.FlagEncrypted) {
		return frame.Frame{}, ErrNotEncrypted
	}
	id, ok := KeyIDFromAuth(f.Auth)
	if !ok || id != c.key.ID {
		return frame.Frame{}, fmt.Errorf("%w: %016x", ErrUnknownKey, id)
	}
	nonce := nonceFor(c.recvDir, f.Header.MessageID)
	pt, err := c.recv.Open(nil, nonce, f.Payload, aad(f.Header, f.Auth))
	if err != nil {
		return frame.Frame{}, ErrDecrypt
	}
	out := frame.Frame{Header: f.Header, Payload: pt}
	out.Header.Flags &^= frame.FlagEncrypted
	return frame.Normalize(out), nil
}

// KeyIDFromAuth extracts the auth key id carried in a frame auth block.
func KeyIDFromAuth(auth []byte) (uint64, bool) {
	if len(auth) != AuthBlockLen {
		return 0, false
	}
	return binary.BigEndian.Uint64(auth), true
}

func nonceFor(dir Direction, msgID uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[0:4], uint32(dir))
	binary.BigEndian.PutUint64(n[4:12], msgID)
	return n
}

func aad(h frame.Header, auth []byte) []byte {
	out := frame.EncodeHeader(h)
	return append(out, auth...)
}
