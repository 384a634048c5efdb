package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gamewire/internal/config"
)

// overrideFile is a flat, host-local TOML file laid over the main config.
// Only keys present in the file replace values.
type overrideFile struct {
	Name                string   `toml:"name"`
	Listen              []string `toml:"listen"`
	AdminAddr           string   `toml:"admin_addr"`
	Workers             int      `toml:"workers"`
	Handler             string   `toml:"handler"`
	Codec               string   `toml:"codec"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	SessionTLSEnabled   bool     `toml:"session_tls_enabled"`
	SessionTLSMutual    bool     `toml:"session_tls_mutual"`
	SessionTLSCertFile  string   `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string   `toml:"session_tls_key_file"`
	SessionTLSCAFile    string   `toml:"session_tls_ca_file"`
}

func applyOverrides(path string, cfg *config.ServerConfig) error {
	var raw overrideFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load overrides: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen") {
		listeners, err := parseListen(raw.Listen)
		if err != nil {
			return fmt.Errorf("load overrides: %w", err)
		}
		cfg.Listeners = listeners
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("handler") {
		cfg.Handler = strings.TrimSpace(raw.Handler)
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = strings.TrimSpace(raw.SessionSecurityMode)
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	return config.ValidateServerConfig(*cfg)
}

// parseListen reads "transport://addr" entries; a bare addr means tcp.
func parseListen(entries []string) ([]config.ListenerConfig, error) {
	out := make([]config.ListenerConfig, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		kind, addr, ok := strings.Cut(entry, "://")
		if !ok {
			kind, addr = "tcp", entry
		}
		l := config.ListenerConfig{Transport: kind, Addr: addr}
		if err := config.ValidateListener(l); err != nil {
			return nil, fmt.Errorf("listen %q: %w", entry, err)
		}
		out = append(out, l)
	}
	return out, nil
}
