// Package auth decides whether a peer that completed the handshake may keep
// its session.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gamewire/internal/protocol"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Peer is what is known about the remote side after the handshake.
type Peer struct {
	Pid    protocol.Pid
	Secret protocol.Secret
	// Identity is the verified TLS certificate identity, empty without mTLS.
	Identity string
	Addr     string
}

// Validator validates a peer.
type Validator interface {
	Validate(p Peer) error
}

// StaticSecret accepts every peer that presents one shared secret.
// It is intended only for development and proofs of concept.
type StaticSecret struct {
	Secret protocol.Secret
}

func (s StaticSecret) Validate(p Peer) error {
	if s.Secret.IsZero() {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(s.Secret[:], p.Secret[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// SecretTable holds one secret per player id.
type SecretTable map[protocol.Pid]protocol.Secret

// ParseSecretTable reads pid=secret pairs, both in their text forms.
func ParseSecretTable(entries map[string]string) (SecretTable, error) {
	table := make(SecretTable, len(entries))
	for pidText, secretText := range entries {
		pid, err := protocol.ParsePid(strings.TrimSpace(pidText))
		if err != nil {
			return nil, fmt.Errorf("auth: pid %q: %w", pidText, err)
		}
		secret, err := protocol.ParseSecret(strings.TrimSpace(secretText))
		if err != nil {
			return nil, fmt.Errorf("auth: secret for %s: %w", pidText, err)
		}
		table[pid] = secret
	}
	return table, nil
}

func (t SecretTable) Validate(p Peer) error {
	want, ok := t[p.Pid]
	if !ok || want.IsZero() {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(want[:], p.Secret[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// IdentityAllowlist accepts peers whose certificate identity is listed.
type IdentityAllowlist []string

func (l IdentityAllowlist) Validate(p Peer) error {
	id := strings.TrimSpace(p.Identity)
	if id == "" {
		return ErrUnauthorized
	}
	for _, allowed := range l {
		if strings.TrimSpace(allowed) == id {
			return nil
		}
	}
	return ErrUnauthorized
}

// All requires every validator to accept. An empty All accepts everyone.
type All []Validator

func (a All) Validate(p Peer) error {
	for _, v := range a {
		if err := v.Validate(p); err != nil {
			return err
		}
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(p Peer) error

func (f FuncValidator) Validate(p Peer) error {
	return f(p)
}
