package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/gamewire/internal/auth"
	"github.com/danmuck/gamewire/internal/protocol"
)

// Validator builds the admission policy for the configured auth mode. It
// returns nil for mode none.
func (a AuthConfig) Validator() (auth.Validator, error) {
	switch strings.ToLower(strings.TrimSpace(a.Mode)) {
	case "", "none":
		return nil, nil
	case "static":
		secret, err := protocol.ParseSecret(strings.TrimSpace(a.Secret))
		if err != nil {
			return nil, err
		}
		return auth.StaticSecret{Secret: secret}, nil
	case "table":
		return auth.ParseSecretTable(a.Secrets)
	case "identity":
		allow := make(auth.IdentityAllowlist, 0, len(a.Identities))
		for _, id := range a.Identities {
			if id = strings.TrimSpace(id); id != "" {
				allow = append(allow, id)
			}
		}
		return allow, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", a.Mode)
	}
}

// StreamSpec is a parsed StreamConfig ready for conn.OpenStream.
type StreamSpec struct {
	Name                string
	Prio                protocol.Prio
	Promises            protocol.Promises
	GuaranteedBandwidth protocol.Bandwidth
}

func (s StreamConfig) Spec() (StreamSpec, error) {
	promises, err := protocol.ParsePromises(s.Promises)
	if err != nil {
		return StreamSpec{}, err
	}
	return StreamSpec{
		Name:                strings.TrimSpace(s.Name),
		Prio:                protocol.Prio(s.Prio),
		Promises:            promises,
		GuaranteedBandwidth: protocol.Bandwidth(s.GuaranteedBandwidth),
	}, nil
}

func StreamSpecs(entries []StreamConfig) ([]StreamSpec, error) {
	out := make([]StreamSpec, 0, len(entries))
	for i, entry := range entries {
		spec, err := entry.Spec()
		if err != nil {
			return nil, fmt.Errorf("stream[%d]: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}
