package session

import (
	"context"
	"fmt"

	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MaxInitBuffer is how many bytes may accumulate without an init frame.
	MaxInitBuffer = 100

	maxPrealloc = 64 * 1024
)

type incomingMsg struct {
	sid    protocol.Sid
	length uint64
	data   []byte
}

// RecvProtocol is the receiving half of one connection. It is owned by a
// single task.
type RecvProtocol[S Sink] struct {
	sink     S
	buf      frame.Buffer
	incoming map[protocol.Mid]*incomingMsg
	limits   frame.Limits
	metrics  *observability.ChannelMetrics
	log      zerolog.Logger
	err      error
}

func NewRecvProtocol[S Sink](sink S, limits frame.Limits, metrics *observability.ChannelMetrics) *RecvProtocol[S] {
	if limits.MaxMessageBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &RecvProtocol[S]{
		sink:     sink,
		incoming: make(map[protocol.Mid]*incomingMsg),
		limits:   limits,
		metrics:  metrics,
		log:      log.Logger.With().Str("channel", metrics.ID()).Logger(),
	}
}

// Recv returns the next event, reading from the sink only when the buffered
// bytes hold no complete frame. Every error is fatal and repeated on later calls.
func (p *RecvProtocol[S]) Recv(ctx context.Context) (protocol.Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	for {
		for {
			f, err := p.buf.Next()
			if err != nil {
				return nil, p.fail(err)
			}
			if f == nil {
				break
			}
			p.metrics.FrameIn(frame.Kind(f))
			ev, err := p.dispatch(f)
			if err != nil {
				return nil, p.fail(err)
			}
			if ev != nil {
				return ev, nil
			}
		}
		chunk, err := p.sink.Recv(ctx)
		if err != nil {
			return nil, p.fail(fmt.Errorf("%w: recv: %w", protocol.ErrClosed, err))
		}
		p.buf.Write(chunk)
	}
}

func (p *RecvProtocol[S]) dispatch(f frame.Frame) (protocol.Event, error) {
	switch f := f.(type) {
	case frame.Shutdown:
		return protocol.Shutdown{}, nil
	case frame.OpenStream:
		return protocol.OpenStream{
			Sid:                 f.Sid,
			Prio:                f.Prio,
			Promises:            f.Promises,
			GuaranteedBandwidth: f.GuaranteedBandwidth,
		}, nil
	case frame.CloseStream:
		return protocol.CloseStream{Sid: f.Sid}, nil
	case frame.DataHeader:
		if _, dup := p.incoming[f.Mid]; dup {
			return nil, protocol.Violationf("duplicate data header mid=%d", f.Mid)
		}
		if f.Length > p.limits.MaxMessageBytes {
			return nil, protocol.Violationf("message mid=%d length %d exceeds %d", f.Mid, f.Length, p.limits.MaxMessageBytes)
		}
		p.metrics.RecvMessageIn(f.Sid, f.Length)
		if f.Length == 0 {
			p.metrics.RecvMessageOut(f.Sid, observability.ReasonFinished, 0)
			return protocol.Message{Sid: f.Sid, Mid: f.Mid, Data: []byte{}}, nil
		}
		p.incoming[f.Mid] = &incomingMsg{
			sid:    f.Sid,
			length: f.Length,
			data:   make([]byte, 0, min(f.Length, maxPrealloc)),
		}
	case frame.Data:
		p.metrics.DataBytesIn(uint64(len(f.Data)))
		m, ok := p.incoming[f.Mid]
		if !ok {
			p.log.Info().Uint64("mid", uint64(f.Mid)).Msg("session.RecvProtocol data before header")
			return nil, protocol.Violationf("data before header mid=%d", f.Mid)
		}
		if f.Start != uint64(len(m.data)) {
			return nil, protocol.Violationf("fragment mid=%d start=%d, expected %d", f.Mid, f.Start, len(m.data))
		}
		if uint64(len(m.data))+uint64(len(f.Data)) > m.length {
			return nil, protocol.Violationf("fragment mid=%d overflows length %d", f.Mid, m.length)
		}
		m.data = append(m.data, f.Data...)
		if uint64(len(m.data)) == m.length {
			delete(p.incoming, f.Mid)
			p.metrics.RecvMessageOut(m.sid, observability.ReasonFinished, len(m.data))
			return protocol.Message{Sid: m.sid, Mid: f.Mid, Data: m.data}, nil
		}
	}
	return nil, nil
}

// RecvInit reads one init frame from the shared buffer. Bytes after the frame
// stay buffered for Recv.
func (p *RecvProtocol[S]) RecvInit(ctx context.Context) (frame.InitFrame, error) {
	if p.err != nil {
		return nil, p.err
	}
	for {
		if f, ok := p.buf.NextInit(); ok {
			return f, nil
		}
		if p.buf.Len() >= MaxInitBuffer {
			return nil, p.fail(protocol.Violationf("no init frame in %d bytes", p.buf.Len()))
		}
		chunk, err := p.sink.Recv(ctx)
		if err != nil {
			return nil, p.fail(fmt.Errorf("%w: recv init: %w", protocol.ErrClosed, err))
		}
		p.buf.Write(chunk)
	}
}

// Pending returns the number of partially received messages.
func (p *RecvProtocol[S]) Pending() int {
	return len(p.incoming)
}

// Abort drops partially received messages and makes later calls fail.
func (p *RecvProtocol[S]) Abort() {
	if p.err == nil {
		p.fail(protocol.ErrClosed)
	}
}

func (p *RecvProtocol[S]) fail(err error) error {
	for mid, m := range p.incoming {
		p.metrics.RecvMessageOut(m.sid, observability.ReasonDropped, len(m.data))
		delete(p.incoming, mid)
	}
	p.buf.Reset()
	p.err = err
	return err
}
