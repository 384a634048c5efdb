package session

import (
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes transport encryption for TCP and the certificates QUIC needs.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines per-connection protocol and transport defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// FlushInterval is the send task tick; every tick spends Bandwidth*FlushInterval bytes.
	FlushInterval time.Duration
	Bandwidth     protocol.Bandwidth
	// EventBuffer bounds the channels between the connection tasks and the application.
	EventBuffer int
	Limits      frame.Limits
	// HandshakeDiagnostics sends a Raw text frame to a peer that fails the handshake.
	HandshakeDiagnostics bool

	Backoff      BackoffConfig
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		ReadTimeout:          0,
		WriteTimeout:         15 * time.Second,
		FlushInterval:        10 * time.Millisecond,
		Bandwidth:            10 * 1024 * 1024,
		EventBuffer:          256,
		Limits:               frame.DefaultLimits(),
		HandshakeDiagnostics: true,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero values from DefaultConfig. ReadTimeout stays zero
// when unset since an idle peer is not an error at this layer.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.Bandwidth == 0 {
		c.Bandwidth = d.Bandwidth
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = d.Limits.MaxMessageBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
