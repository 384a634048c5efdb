package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "gamewire"

const quicKeepAlive = 10 * time.Second

const (
	quicCloseNormal   quic.ApplicationErrorCode = 0
	quicCloseRejected quic.ApplicationErrorCode = 1
)

func quicConfig(cfg session.Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,
		MaxIdleTimeout:       cfg.ReadTimeout,
		KeepAlivePeriod:      quicKeepAlive,
	}
}

// quicStream runs one session over the single bidirectional stream of a
// QUIC connection. Closing it closes the connection.
func quicStream(conn quic.Connection, stream quic.Stream, cfg session.Config) *Stream {
	s := NewStream(stream, StreamOptions{
		Kind:         KindQUIC,
		RemoteAddr:   conn.RemoteAddr().String(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	s.closeFn = func() error {
		_ = stream.Close()
		return conn.CloseWithError(quicCloseNormal, "")
	}
	s.identity = func() string {
		state := conn.ConnectionState().TLS
		if len(state.PeerCertificates) == 0 {
			return ""
		}
		return peerIdentityFromCert(state.PeerCertificates[0])
	}
	return s
}

// DialQUIC connects to addr and opens the session stream. The stream becomes
// visible to the listener with the first write, which the initializer always does.
func DialQUIC(ctx context.Context, addr string, cfg session.Config) (*Stream, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.ClientTLS(addr, ALPN)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, tlsCfg, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("transport: dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(quicCloseNormal, "")
		return nil, fmt.Errorf("transport: open quic stream: %w", err)
	}
	return quicStream(conn, stream, cfg), nil
}

// QUICListener accepts QUIC connections. QUIC always runs TLS, so cfg must
// name a certificate and key.
type QUICListener struct {
	ln  *quic.Listener
	cfg session.Config
}

func ListenQUIC(addr string, cfg session.Config) (*QUICListener, error) {
	cfg = cfg.WithDefaults()
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.ServerTLS(ALPN)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsCfg, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("transport: listen quic %s: %w", addr, err)
	}
	return &QUICListener{ln: ln, cfg: cfg}, nil
}

// Accept waits for a connection and its first stream. A peer that connects
// but never opens a stream is dropped after the handshake timeout.
func (l *QUICListener) Accept(ctx context.Context) (Endpoint, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, fmt.Errorf("%w: quic listener", ErrClosed)
		}
		return nil, fmt.Errorf("transport: accept quic: %w", err)
	}
	streamCtx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		_ = conn.CloseWithError(quicCloseRejected, "no session stream")
		return nil, fmt.Errorf("transport: accept quic stream: %w", err)
	}
	return quicStream(conn, stream, l.cfg), nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }
func (l *QUICListener) Kind() Kind     { return KindQUIC }
func (l *QUICListener) Close() error   { return l.ln.Close() }
