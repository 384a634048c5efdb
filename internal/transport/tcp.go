package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/gamewire/internal/protocol/session"
)

// DialTCP connects to addr, upgrading to TLS when cfg.TLS.Enabled.
func DialTCP(ctx context.Context, addr string, cfg session.Config) (*Stream, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	if tcp, ok := rawConn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	opts := StreamOptions{Kind: KindTCP, ReadTimeout: cfg.ReadTimeout, WriteTimeout: cfg.WriteTimeout}
	if !cfg.TLS.Enabled {
		return NewStream(rawConn, opts), nil
	}

	tlsCfg, err := cfg.ClientTLS(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("transport: tls handshake %s: %w", addr, err)
	}
	opts.Kind = KindTLS
	return NewStream(conn, opts), nil
}

// TCPListener accepts TCP or TLS streams. TLS handshakes run lazily on the
// first read so a slow peer never stalls Accept.
type TCPListener struct {
	ln     *net.TCPListener
	tlsCfg *tls.Config
	cfg    session.Config
}

func ListenTCP(addr string, cfg session.Config) (*TCPListener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		var err error
		if tlsCfg, err = cfg.ServerTLS(); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener), tlsCfg: tlsCfg, cfg: cfg}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (Endpoint, error) {
	_ = l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: tcp listener", ErrClosed)
		}
		return nil, fmt.Errorf("transport: accept tcp: %w", err)
	}
	_ = conn.SetNoDelay(true)
	opts := StreamOptions{Kind: KindTCP, ReadTimeout: l.cfg.ReadTimeout, WriteTimeout: l.cfg.WriteTimeout}
	if l.tlsCfg == nil {
		return NewStream(conn, opts), nil
	}
	opts.Kind = KindTLS
	return NewStream(tls.Server(conn, l.tlsCfg), opts), nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Kind() Kind {
	if l.tlsCfg != nil {
		return KindTLS
	}
	return KindTCP
}

func (l *TCPListener) Close() error { return l.ln.Close() }
