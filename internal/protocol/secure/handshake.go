// Package secure implements auth key agreement and frame encryption.
//
// The server owns a static X25519 key pair whose public half is pinned by
// clients. A handshake mixes the client ephemeral key with both the server
// static and a server ephemeral key, so only the holder of the static private
// key can produce the confirmation tag and later decrypt traffic.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize     = 32
	NonceSize   = 16
	ConfirmSize = 16
)

var (
	ErrBadPublicKey    = errors.New("secure: bad public key")
	ErrBadNonce        = errors.New("secure: bad nonce")
	ErrConfirmMismatch = errors.New("secure: handshake confirmation mismatch")
)

var (
	infoAuthKey = []byte("tdcore auth key")
	infoConfirm = []byte("tdcore confirm")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair creates a key pair from r, or crypto/rand when r is nil.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	var kp KeyPair
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParsePrivateKey decodes a hex private key and derives its public half.
func ParsePrivateKey(s string) (KeyPair, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	copy(kp.Private[:], raw)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) ([KeySize]byte, error) {
	var out [KeySize]byte
	raw, err := decodeKey(s)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func decodeKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: length %d", ErrBadPublicKey, len(raw))
	}
	return raw, nil
}

// Fingerprint identifies a server static public key.
func Fingerprint(pub []byte) uint64 {
	sum := sha256.Sum256(pub)
	return binary.BigEndian.Uint64(sum[:8])
}

// AuthKey is the long-lived shared secret of one client and one DC.
type AuthKey struct {
	Key [KeySize]byte
	ID  uint64
}

// NewAuthKey wraps raw key material and derives its id.
func NewAuthKey(raw []byte) (AuthKey, error) {
	if len(raw) != KeySize {
		return AuthKey{}, fmt.Errorf("secure: auth key length %d", len(raw))
	}
	var k AuthKey
	copy(k.Key[:], raw)
	sum := sha256.Sum256(k.Key[:])
	k.ID = binary.BigEndian.Uint64(sum[24:32])
	return k, nil
}

func (k AuthKey) IsZero() bool {
	return k.ID == 0
}

// ClientHandshake holds the client half of one key agreement.
type ClientHandshake struct {
	serverStatic [KeySize]byte
	ephemeral    KeyPair
	nonce        [NonceSize]byte
}

func NewClientHandshake(serverStatic [KeySize]byte, r io.Reader) (*ClientHandshake, error) {
	if r == nil {
		r = rand.Reader
	}
	eph, err := GenerateKeyPair(r)
	if err != nil {
		return nil, err
	}
	h := &ClientHandshake{serverStatic: serverStatic, ephemeral: eph}
	if _, err := io.ReadFull(r, h.nonce[:]); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ClientHandshake) Nonce() []byte {
	return append([]byte(nil), h.nonce[:]...)
}

func (h *ClientHandshake) Public() []byte {
	return append([]byte(nil), h.ephemeral.Public[:]...)
}

func (h *ClientHandshake) ServerFingerprint() uint64 {
	return Fingerprint(h.serverStatic[:])
}

// Finish verifies the server reply and returns the agreed auth key.
func (h *ClientHandshake) Finish(echoNonce, serverNonce, serverPublic, confirm []byte) (AuthKey, error) {
	if subtle.ConstantTimeCompare(echoNonce, h.nonce[:]) != 1 {
		return AuthKey{}, fmt.Errorf("%w: nonce echo differs", ErrBadNonce)
	}
	if len(serverNonce) != NonceSize {
		return AuthKey{}, fmt.Errorf("%w: server nonce length %d", ErrBadNonce, len(serverNonce))
	}
	if len(serverPublic) != KeySize {
		return AuthKey{}, ErrBadPublicKey
	}
	staticShared, err := curve25519.X25519(h.ephemeral.Private[:], h.serverStatic[:])
	if err != nil {
		return AuthKey{}, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	ephShared, err := curve25519.X25519(h.ephemeral.Private[:], serverPublic)
	if err != nil {
		return AuthKey{}, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	key, err := deriveAuthKey(staticShared, ephShared, h.nonce[:], serverNonce)
	if err != nil {
		return AuthKey{}, err
	}
	want, err := confirmTag(key, h.ephemeral.Public[:], serverPublic)
	if err != nil {
		return AuthKey{}, err
	}
	if subtle.ConstantTimeCompare(want, confirm) != 1 {
		return AuthKey{}, ErrConfirmMismatch
	}
	return key, nil
}

// ServerReply is the server half of one key agreement.
type ServerReply struct {
	ServerNonce []byte
	Public      []byte
	Confirm     []byte
	Key         AuthKey
}

// AcceptHandshake runs the server side for one client init.
func AcceptHandshake(static KeyPair, clientNonce, clientPublic []byte, r io.Reader) (ServerReply, error) {
	if r == nil {
		r = rand.Reader
	}
	if len(clientNonce) != NonceSize {
		return ServerReply{}, fmt.Errorf("%w: client nonce length %d", ErrBadNonce, len(clientNonce))
	}
	if len(clientPublic) != KeySize {
		return ServerReply{}, ErrBadPublicKey
	}
	eph, err := GenerateKeyPair(r)
	if err != nil {
		return ServerReply{}, err
	}
	serverNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, serverNonce); err != nil {
		return ServerReply{}, err
	}
	staticShared, err := curve25519.X25519(static.Private[:], clientPublic)
	if err != nil {
		return ServerReply{}, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	ephShared, err := curve25519.X25519(eph.Private[:], clientPublic)
	if err != nil {
		return ServerReply{}, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	key, err := deriveAuthKey(staticShared, ephShared, clientNonce, serverNonce)
	if err != nil {
		return ServerReply{}, err
	}
	confirm, err := confirmTag(key, clientPublic, eph.Public[:])
	if err != nil {
		return ServerReply{}, err
	}
	return ServerReply{
		ServerNonce: serverNonce,
		Public:      append([]byte(nil), eph.Public[:]...),
		Confirm:     confirm,
		Key:         key,
	}, nil
}

func deriveAuthKey(staticShared, ephShared, clientNonce, serverNonce []byte) (AuthKey, error) {
	ikm := make([]byte, 0, len(staticShared)+len(ephShared))
	ikm = append(ikm, staticShared...)
	ikm = append(ikm, ephShared...)
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, infoAuthKey), raw); err != nil {
		return AuthKey{}, err
	}
	return NewAuthKey(raw)
}

func confirmTag(key AuthKey, clientPublic, serverPublic []byte) ([]byte, error) {
	info := make([]byte, 0, len(infoConfirm)+len(clientPublic)+len(serverPublic))
	info = append(info, infoConfirm...)
	info = append(info, clientPublic...)
	info = append(info, serverPublic...)
	tag := make([]byte, ConfirmSize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key.Key[:], info), tag); err != nil {
		return nil, err
	}
	return tag, nil
}
