package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// PipeEnd is one side of an in-memory connection.
type PipeEnd struct {
	name   string
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected ends. capacity bounds the number of buffers in
// flight per direction; Send blocks when the peer lags behind.
func Pipe(capacity int) (*PipeEnd, *PipeEnd) {
	if capacity <= 0 {
		capacity = 1
	}
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{name: "pipe-a", in: ba, out: ab, closed: closed, once: once}
	b := &PipeEnd{name: "pipe-b", in: ab, out: ba, closed: closed, once: once}
	return a, b
}

// Send copies p, so the caller may reuse it after return.
func (p *PipeEnd) Send(ctx context.Context, b []byte) error {
	select {
	case <-p.closed:
		return fmt.Errorf("%w: pipe send", ErrClosed)
	default:
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return fmt.Errorf("%w: pipe send", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns buffers still in flight after Close before reporting ErrClosed.
func (p *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	default:
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		select {
		case b := <-p.in:
			return b, nil
		default:
		}
		return nil, fmt.Errorf("%w: pipe recv", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *PipeEnd) Kind() Kind           { return KindPipe }
func (p *PipeEnd) RemoteAddr() string   { return p.name }
func (p *PipeEnd) PeerIdentity() string { return "" }

// PipeListener hands out the server ends of pipes created by Dial.
type PipeListener struct {
	capacity int
	conns    chan *PipeEnd
	closed   chan struct{}
	once     sync.Once
}

func NewPipeListener(capacity int) *PipeListener {
	return &PipeListener{
		capacity: capacity,
		conns:    make(chan *PipeEnd),
		closed:   make(chan struct{}),
	}
}

// Dial creates a pipe and waits until Accept takes the far end.
func (l *PipeListener) Dial(ctx context.Context) (*PipeEnd, error) {
	client, server := Pipe(l.capacity)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, fmt.Errorf("%w: pipe listener", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Accept(ctx context.Context) (Endpoint, error) {
	select {
	case ep := <-l.conns:
		return ep, nil
	case <-l.closed:
		return nil, fmt.Errorf("%w: pipe listener", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr{} }
func (l *PipeListener) Kind() Kind     { return KindPipe }

func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
