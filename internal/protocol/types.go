package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Pid identifies a peer across reconnects.
type Pid [16]byte

// NewPid returns a random peer id.
func NewPid() Pid {
	return Pid(uuid.New())
}

// ParsePid parses the canonical uuid form produced by Pid.String.
func ParsePid(s string) (Pid, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return Pid{}, fmt.Errorf("protocol: parse pid: %w", err)
	}
	return Pid(id), nil
}

func (p Pid) String() string {
	return uuid.UUID(p).String()
}

// Secret is the session token exchanged in the Init frame.
type Secret [16]byte

func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("protocol: generate secret: %w", err)
	}
	return s, nil
}

// ParseSecret parses the hex form produced by Secret.String.
func ParseSecret(s string) (Secret, error) {
	var out Secret
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Secret{}, fmt.Errorf("protocol: parse secret: %w", err)
	}
	if len(raw) != len(out) {
		return Secret{}, fmt.Errorf("protocol: parse secret: want %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

func (s Secret) IsZero() bool {
	return s == Secret{}
}

type (
	Sid       uint64
	Mid       uint64
	Prio      uint8
	Bandwidth uint64
)

// Stream id offsets partition the id space between the two ends.
const (
	StreamIDOffset1 Sid = 0
	StreamIDOffset2 Sid = math.MaxUint64 / 2
)

// HighestPrio is the most urgent priority. Larger values are served later.
const HighestPrio Prio = 0

// Promises is the set of guarantees requested when a stream is opened.
type Promises uint8

const (
	PromiseOrdered Promises = 1 << iota
	PromiseConsistency
	PromiseGuaranteedDelivery
	PromiseCompressed
	PromiseEncrypted

	// KnownPromises holds every defined promise bit.
	KnownPromises = PromiseOrdered | PromiseConsistency | PromiseGuaranteedDelivery | PromiseCompressed | PromiseEncrypted
)

var promiseNames = []struct {
	p    Promises
	name string
}{
	{PromiseOrdered, "ordered"},
	{PromiseConsistency, "consistency"},
	{PromiseGuaranteedDelivery, "guaranteed_delivery"},
	{PromiseCompressed, "compressed"},
	{PromiseEncrypted, "encrypted"},
}

func (p Promises) Contains(other Promises) bool {
	return p&other == other
}

func (p Promises) String() string {
	if p == 0 {
		return "none"
	}
	parts := make([]string, 0, len(promiseNames))
	for _, n := range promiseNames {
		if p.Contains(n.p) {
			parts = append(parts, n.name)
		}
	}
	if rest := p &^ KnownPromises; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// ParsePromises accepts the names printed by Promises.String joined by '|' or ','.
func ParsePromises(raw string) (Promises, error) {
	var out Promises
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' })
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || f == "none" {
			continue
		}
		found := false
		for _, n := range promiseNames {
			if n.name == f {
				out |= n.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("protocol: unknown promise %q", f)
		}
	}
	return out, nil
}

// MagicNumber opens every handshake.
var MagicNumber = [7]byte{'G', 'A', 'M', 'E', 'W', 'I', 'R'}

// NetworkVersion is major, minor, patch. Peers agree when major and minor match.
var NetworkVersion = [3]uint32{0, 6, 0}

func VersionCompatible(a, b [3]uint32) bool {
	return a[0] == b[0] && a[1] == b[1]
}
