package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const readChunk = 32 * 1024

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Stream adapts a reliable ordered byte stream (TCP, TLS, a QUIC stream) to
// the session Drain/Sink pair.
type Stream struct {
	rwc          io.ReadWriteCloser
	dl           deadliner
	kind         Kind
	remote       string
	identity     func() string
	closeFn      func() error
	readTimeout  time.Duration
	writeTimeout time.Duration
	buf          []byte

	closeOnce sync.Once
	closeErr  error
}

// StreamOptions tunes NewStream. Zero timeouts disable the deadline.
type StreamOptions struct {
	Kind         Kind
	RemoteAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewStream wraps rwc. Deadlines and ctx cancellation only work when rwc
// supports read and write deadlines.
func NewStream(rwc io.ReadWriteCloser, opts StreamOptions) *Stream {
	s := &Stream{
		rwc:          rwc,
		kind:         opts.Kind,
		remote:       opts.RemoteAddr,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		buf:          make([]byte, readChunk),
		closeFn:      rwc.Close,
	}
	if dl, ok := rwc.(deadliner); ok {
		s.dl = dl
	}
	if s.kind == "" {
		s.kind = KindTCP
	}
	if c, ok := rwc.(net.Conn); ok && s.remote == "" {
		s.remote = c.RemoteAddr().String()
	}
	if c, ok := rwc.(*tls.Conn); ok {
		s.identity = func() string {
			state := c.ConnectionState()
			if !state.HandshakeComplete || len(state.PeerCertificates) == 0 {
				return ""
			}
			return peerIdentityFromCert(state.PeerCertificates[0])
		}
	}
	return s
}

func (s *Stream) Send(ctx context.Context, p []byte) error {
	if s.dl != nil {
		_ = s.dl.SetWriteDeadline(deadline(ctx, s.writeTimeout))
		stop := context.AfterFunc(ctx, func() { _ = s.dl.SetWriteDeadline(time.Unix(1, 0)) })
		defer stop()
	}
	if _, err := s.rwc.Write(p); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("transport: %s send: %w", s.kind, err)
	}
	return nil
}

func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	if s.dl != nil {
		_ = s.dl.SetReadDeadline(deadline(ctx, s.readTimeout))
		stop := context.AfterFunc(ctx, func() { _ = s.dl.SetReadDeadline(time.Unix(1, 0)) })
		defer stop()
	}
	n, err := s.rwc.Read(s.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil, fmt.Errorf("%w: %s recv: %w", ErrClosed, s.kind, err)
	}
	return nil, fmt.Errorf("transport: %s recv: %w", s.kind, err)
}

// Secure completes a pending server side TLS handshake. It is a no-op for
// plain streams and for already finished handshakes.
func (s *Stream) Secure(ctx context.Context) error {
	c, ok := s.rwc.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := c.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("transport: tls handshake %s: %w", s.remote, err)
	}
	return nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.closeFn() })
	return s.closeErr
}

func (s *Stream) Kind() Kind         { return s.kind }
func (s *Stream) RemoteAddr() string { return s.remote }

func (s *Stream) PeerIdentity() string {
	if s.identity == nil {
		return ""
	}
	return s.identity()
}

// deadline picks the earlier of ctx's deadline and now+timeout. Zero means none.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
