package session

import (
	"context"
	"io"
	"testing"

	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus"
)

// recordDrain keeps a copy of every buffer handed to Send.
type recordDrain struct {
	sends [][]byte
	err   error
}

func (d *recordDrain) Send(_ context.Context, p []byte) error {
	if d.err != nil {
		return d.err
	}
	d.sends = append(d.sends, append([]byte(nil), p...))
	return nil
}

func (d *recordDrain) all() []byte {
	var out []byte
	for _, s := range d.sends {
		out = append(out, s...)
	}
	return out
}

// chunkSink replays fixed chunks and then reports io.EOF.
type chunkSink struct {
	chunks [][]byte
}

func (s *chunkSink) Recv(context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func splitEvery(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		k := min(n, len(b))
		out = append(out, b[:k])
		b = b[k:]
	}
	return out
}

// chanPipe is one direction of an in-memory connection.
type chanPipe struct {
	ch chan []byte
}

func newChanPipe() chanPipe {
	return chanPipe{ch: make(chan []byte, 64)}
}

func (p chanPipe) Send(ctx context.Context, b []byte) error {
	select {
	case p.ch <- append([]byte(nil), b...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p chanPipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-p.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeAll(t *testing.T, b []byte) []frame.Frame {
	t.Helper()
	var out []frame.Frame
	for len(b) > 0 {
		f, n, err := frame.Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f == nil {
			t.Fatalf("trailing %d bytes do not hold a frame", len(b))
		}
		out = append(out, f)
		b = b[n:]
	}
	return out
}

func testMetrics(t *testing.T, id string) *observability.ChannelMetrics {
	t.Helper()
	m, err := observability.NewProtocolMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m.Channel(id)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
