// Package session owns the client<->server session wire contract.
//
// Ownership boundary:
// - typed wire messages and their frame encoding
// - payload compression
// - retry/backoff/outbox primitives
// - transport security validation
//
// Encryption lives in protocol/secure; framing in protocol/frame.
package session
