// Package auth decides whether a session bind is allowed.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Credentials are what a client presents when it binds a session.
type Credentials struct {
	APIToken      string
	DeviceID      string
	ClientVersion string
	Layer         uint32
}

// Validator accepts or rejects a bind.
type Validator interface {
	Validate(c Credentials) error
}

// StaticToken accepts a single shared api token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(c Credentials) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(c.APIToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// TokenSet accepts any of several api tokens. Every entry is compared so the
// time taken does not depend on which one matched.
type TokenSet []string

// ParseTokenSet splits a comma separated list, dropping blanks.
func ParseTokenSet(raw string) TokenSet {
	var out TokenSet
	for _, tok := range strings.Split(raw, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func (s TokenSet) Validate(c Credentials) error {
	match := 0
	for _, tok := range s {
		match |= subtle.ConstantTimeCompare([]byte(tok), []byte(c.APIToken))
	}
	if match != 1 {
		return ErrUnauthorized
	}
	return nil
}

// MinLayer rejects clients older than Layer before delegating to Next.
type MinLayer struct {
	Layer uint32
	Next  Validator
}

func (m MinLayer) Validate(c Credentials) error {
	if c.Layer < m.Layer {
		return ErrUnauthorized
	}
	if m.Next == nil {
		return nil
	}
	return m.Next.Validate(c)
}

// AllowAll accepts every bind. Development mode only.
type AllowAll struct{}

func (AllowAll) Validate(Credentials) error { return nil }

// FuncValidator adapts a function into a Validator.
type FuncValidator func(c Credentials) error

func (f FuncValidator) Validate(c Credentials) error {
	return f(c)
}
