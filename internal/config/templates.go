package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template returns the TOML starter file for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// TemplateYAML renders the defaults for kind as YAML.
func TemplateYAML(kind string) (string, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		v = DefaultServerConfig()
	case "client":
		v = DefaultClientConfig()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WriteTemplate writes YAML for .yaml/.yml paths and TOML otherwise.
func WriteTemplate(path, kind string, overwrite bool) error {
	var (
		template string
		err      error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		template, err = TemplateYAML(kind)
	default:
		template, err = Template(kind)
	}
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "wired"
admin_addr = ":7480"
cors_origins = ["http://localhost:3000"]
workers = 1024
handler = "echo"
codec = "lz4"

[[listeners]]
transport = "tcp"
addr = ":7400"

[[listeners]]
transport = "websocket"
addr = ":7401"

[auth]
mode = "none"

[session]
security_mode = "development"
handshake_timeout = "5s"
flush_interval = "10ms"
bandwidth = 10485760
max_message_bytes = 16777216

[session.tls]
enabled = false
`

const clientTemplate = `name = "wirecli"
transport = "tcp"
addr = "localhost:7400"
codec = "lz4"
max_connect_attempts = 0

[[streams]]
name = "chat"
prio = 8
promises = "ordered|guaranteed_delivery"

[[streams]]
name = "state"
prio = 16
promises = "consistency|compressed"
guaranteed_bandwidth = 65536

[session]
security_mode = "development"
connect_timeout = "5s"
flush_interval = "10ms"

[session.tls]
enabled = false
`
