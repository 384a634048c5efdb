package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration reads "250ms" style strings from both TOML and YAML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// SessionConfig is the file form of session.Config. Zero values keep defaults.
type SessionConfig struct {
	SecurityMode         string   `toml:"security_mode" yaml:"security_mode"`
	ConnectTimeout       Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout     Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout          Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout         Duration `toml:"write_timeout" yaml:"write_timeout"`
	FlushInterval        Duration `toml:"flush_interval" yaml:"flush_interval"`
	Bandwidth            uint64   `toml:"bandwidth" yaml:"bandwidth"`
	EventBuffer          int      `toml:"event_buffer" yaml:"event_buffer"`
	MaxMessageBytes      uint64   `toml:"max_message_bytes" yaml:"max_message_bytes"`
	HandshakeDiagnostics *bool    `toml:"handshake_diagnostics" yaml:"handshake_diagnostics"`

	TLS TLSConfig `toml:"tls" yaml:"tls"`
}

// Session overlays the file values on session.DefaultConfig.
func (s SessionConfig) Session() session.Config {
	cfg := session.DefaultConfig()
	if v := strings.TrimSpace(s.SecurityMode); v != "" {
		cfg.SecurityMode = session.SecurityMode(v)
	}
	if s.ConnectTimeout > 0 {
		cfg.ConnectTimeout = time.Duration(s.ConnectTimeout)
	}
	if s.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = time.Duration(s.HandshakeTimeout)
	}
	if s.ReadTimeout > 0 {
		cfg.ReadTimeout = time.Duration(s.ReadTimeout)
	}
	if s.WriteTimeout > 0 {
		cfg.WriteTimeout = time.Duration(s.WriteTimeout)
	}
	if s.FlushInterval > 0 {
		cfg.FlushInterval = time.Duration(s.FlushInterval)
	}
	if s.Bandwidth > 0 {
		cfg.Bandwidth = protocol.Bandwidth(s.Bandwidth)
	}
	if s.EventBuffer > 0 {
		cfg.EventBuffer = s.EventBuffer
	}
	if s.MaxMessageBytes > 0 {
		cfg.Limits.MaxMessageBytes = s.MaxMessageBytes
	}
	if s.HandshakeDiagnostics != nil {
		cfg.HandshakeDiagnostics = *s.HandshakeDiagnostics
	}
	cfg.TLS = session.TLSConfig{
		Enabled:            s.TLS.Enabled,
		Mutual:             s.TLS.Mutual,
		CertFile:           strings.TrimSpace(s.TLS.CertFile),
		KeyFile:            strings.TrimSpace(s.TLS.KeyFile),
		CAFile:             strings.TrimSpace(s.TLS.CAFile),
		ServerName:         strings.TrimSpace(s.TLS.ServerName),
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	return cfg.WithDefaults()
}

type ListenerConfig struct {
	Transport string `toml:"transport" yaml:"transport"`
	Addr      string `toml:"addr" yaml:"addr"`
}

// AuthConfig selects how peers are admitted after the handshake.
// Mode is one of none, static, table or identity.
type AuthConfig struct {
	Mode       string            `toml:"mode" yaml:"mode"`
	Secret     string            `toml:"secret" yaml:"secret"`
	Secrets    map[string]string `toml:"secrets" yaml:"secrets"`
	Identities []string          `toml:"identities" yaml:"identities"`
}

type ServerConfig struct {
	Name        string           `toml:"name" yaml:"name"`
	Listeners   []ListenerConfig `toml:"listeners" yaml:"listeners"`
	AdminAddr   string           `toml:"admin_addr" yaml:"admin_addr"`
	CorsOrigins []string         `toml:"cors_origins" yaml:"cors_origins"`
	// Workers caps concurrent connections; extra peers are turned away.
	Workers int           `toml:"workers" yaml:"workers"`
	Handler string        `toml:"handler" yaml:"handler"`
	Codec   string        `toml:"codec" yaml:"codec"`
	Session SessionConfig `toml:"session" yaml:"session"`
	Auth    AuthConfig    `toml:"auth" yaml:"auth"`
}

type StreamConfig struct {
	Name                string `toml:"name" yaml:"name"`
	Prio                uint8  `toml:"prio" yaml:"prio"`
	Promises            string `toml:"promises" yaml:"promises"`
	GuaranteedBandwidth uint64 `toml:"guaranteed_bandwidth" yaml:"guaranteed_bandwidth"`
}

type ClientConfig struct {
	Name      string `toml:"name" yaml:"name"`
	Transport string `toml:"transport" yaml:"transport"`
	Addr      string `toml:"addr" yaml:"addr"`
	Pid       string `toml:"pid" yaml:"pid"`
	Secret    string `toml:"secret" yaml:"secret"`
	Codec     string `toml:"codec" yaml:"codec"`
	// MaxConnectAttempts of zero retries forever.
	MaxConnectAttempts int            `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	Streams            []StreamConfig `toml:"streams" yaml:"streams"`
	Session            SessionConfig  `toml:"session" yaml:"session"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:        "wired",
		Listeners:   []ListenerConfig{{Transport: string(transport.KindTCP), Addr: ":7400"}},
		AdminAddr:   ":7480",
		CorsOrigins: []string{"http://localhost:3000"},
		Workers:     1024,
		Handler:     "echo",
		Codec:       payload.DefaultCodec.String(),
		Auth:        AuthConfig{Mode: "none"},
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:      "wirecli",
		Transport: string(transport.KindTCP),
		Addr:      "localhost:7400",
		Codec:     payload.DefaultCodec.String(),
		Streams: []StreamConfig{
			{Name: "chat", Prio: 8, Promises: "ordered|guaranteed_delivery"},
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFile(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// loadFile decodes YAML for .yaml/.yml paths and TOML otherwise, over the
// values already in out.
func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		err = toml.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("server config needs at least one listener")
	}
	for i, l := range cfg.Listeners {
		if err := ValidateListener(l); err != nil {
			return fmt.Errorf("listener[%d] invalid: %w", i, err)
		}
		if kind, _ := transport.ParseKind(l.Transport); kind == transport.KindQUIC && !cfg.Session.TLS.Enabled {
			return fmt.Errorf("listener[%d] invalid: quic needs session.tls", i)
		}
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("server config workers must not be negative")
	}
	if _, err := payload.ParseCodec(cfg.Codec); err != nil {
		return err
	}
	if err := validateAuth(cfg.Auth); err != nil {
		return fmt.Errorf("auth invalid: %w", err)
	}
	return cfg.Session.Session().ValidateServerTransport()
}

func ValidateListener(l ListenerConfig) error {
	kind, err := transport.ParseKind(l.Transport)
	if err != nil {
		return err
	}
	if kind == transport.KindPipe {
		return fmt.Errorf("pipe transport cannot listen on an address")
	}
	if strings.TrimSpace(l.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	switch strings.ToLower(strings.TrimSpace(a.Mode)) {
	case "", "none":
		return nil
	case "static":
		_, err := protocol.ParseSecret(a.Secret)
		return err
	case "table":
		if len(a.Secrets) == 0 {
			return fmt.Errorf("table mode needs secrets")
		}
		return nil
	case "identity":
		if len(a.Identities) == 0 {
			return fmt.Errorf("identity mode needs identities")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", a.Mode)
	}
}

func ValidateClientConfig(cfg ClientConfig) error {
	if _, err := transport.ParseKind(cfg.Transport); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("client config missing addr")
	}
	if strings.TrimSpace(cfg.Pid) != "" {
		if _, err := protocol.ParsePid(cfg.Pid); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Secret) != "" {
		if _, err := protocol.ParseSecret(cfg.Secret); err != nil {
			return err
		}
	}
	if _, err := payload.ParseCodec(cfg.Codec); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Streams))
	for i, s := range cfg.Streams {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("stream[%d] missing name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("stream[%d] duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if _, err := protocol.ParsePromises(s.Promises); err != nil {
			return fmt.Errorf("stream[%d] invalid: %w", i, err)
		}
	}
	return cfg.Session.Session().ValidateClientTransport()
}
