// Package transport provides the concrete byte transports a session runs on.
//
// Every Endpoint is both the Drain and the Sink of one connection. Chunk
// boundaries returned by Recv carry no meaning; the session layer reframes.
package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/gamewire/internal/protocol/session"
)

type Kind string

const (
	KindPipe      Kind = "pipe"
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "websocket"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownKind = errors.New("transport: unknown kind")
)

// Endpoint is one connected transport.
type Endpoint interface {
	session.Drain
	session.Sink
	Kind() Kind
	RemoteAddr() string
	// PeerIdentity is the verified certificate identity, empty without one.
	PeerIdentity() string
	Close() error
}

// Listener accepts endpoints until closed or ctx ends.
type Listener interface {
	Accept(ctx context.Context) (Endpoint, error)
	Addr() net.Addr
	Kind() Kind
	Close() error
}

// Secure finishes transport security on ep when it has a deferred step,
// such as the server side of a TLS stream.
func Secure(ctx context.Context, ep Endpoint) error {
	if s, ok := ep.(interface{ Secure(context.Context) error }); ok {
		return s.Secure(ctx)
	}
	return nil
}

// ParseKind maps config names to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindTCP, "":
		return KindTCP, nil
	case KindTLS:
		return KindTLS, nil
	case KindQUIC:
		return KindQUIC, nil
	case KindWebSocket, "ws":
		return KindWebSocket, nil
	case KindPipe:
		return KindPipe, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Dial connects to addr with the transport named by kind.
func Dial(ctx context.Context, kind Kind, addr string, cfg session.Config) (Endpoint, error) {
	switch kind {
	case KindTCP, KindTLS:
		if kind == KindTLS {
			cfg.TLS.Enabled = true
		}
		return DialTCP(ctx, addr, cfg)
	case KindQUIC:
		return DialQUIC(ctx, addr, cfg)
	case KindWebSocket:
		return DialWebSocket(ctx, addr, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Listen opens a listener for kind on addr.
func Listen(kind Kind, addr string, cfg session.Config) (Listener, error) {
	switch kind {
	case KindTCP, KindTLS:
		if kind == KindTLS {
			cfg.TLS.Enabled = true
		}
		return ListenTCP(addr, cfg)
	case KindQUIC:
		return ListenQUIC(addr, cfg)
	case KindWebSocket:
		return ListenWebSocket(addr, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// peerIdentityFromCert prefers CN, then URI SAN, then DNS SAN.
func peerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}
