package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/protocol/prio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the send half lifecycle.
type State int

const (
	StateActive State = iota
	StatePendingShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePendingShutdown:
		return "pending_shutdown"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SendProtocol is the sending half of one connection. It is owned by a single
// task. Send only mutates queues; Flush is the only call that touches the drain.
type SendProtocol[D Drain] struct {
	drain   D
	store   *prio.Manager
	metrics *observability.ChannelMetrics
	log     zerolog.Logger

	control         []frame.Frame
	closingStreams  []protocol.Sid
	notifyClosing   []protocol.Sid
	pendingShutdown bool
	state           State
	nextMid         protocol.Mid
	buf             []byte
}

func NewSendProtocol[D Drain](drain D, metrics *observability.ChannelMetrics) *SendProtocol[D] {
	return &SendProtocol[D]{
		drain:   drain,
		store:   prio.New(metrics),
		metrics: metrics,
		log:     log.Logger.With().Str("channel", metrics.ID()).Logger(),
	}
}

func (p *SendProtocol[D]) State() State {
	return p.state
}

// Send accepts one application event. A Message's Mid is assigned here.
func (p *SendProtocol[D]) Send(ev protocol.Event) error {
	if p.state != StateActive {
		return fmt.Errorf("%w: send while %s", protocol.ErrClosed, p.state)
	}
	switch ev := ev.(type) {
	case protocol.OpenStream:
		if err := p.store.OpenStream(ev.Sid, ev.Prio, ev.Promises, ev.GuaranteedBandwidth); err != nil {
			return err
		}
		p.control = append(p.control, frame.OpenStream{
			Sid:                 ev.Sid,
			Prio:                ev.Prio,
			Promises:            ev.Promises,
			GuaranteedBandwidth: ev.GuaranteedBandwidth,
		})
	case protocol.CloseStream:
		if !p.store.Has(ev.Sid) {
			return fmt.Errorf("%w: sid=%d", protocol.ErrUnknownStream, ev.Sid)
		}
		if p.store.Closing(ev.Sid) {
			return fmt.Errorf("%w: sid=%d", protocol.ErrStreamClosing, ev.Sid)
		}
		if p.store.TryCloseStream(ev.Sid) {
			p.control = append(p.control, frame.CloseStream{Sid: ev.Sid})
		} else {
			p.log.Debug().Uint64("sid", uint64(ev.Sid)).Msg("session.SendProtocol hold back close stream")
			p.closingStreams = append(p.closingStreams, ev.Sid)
		}
	case protocol.Shutdown:
		p.pendingShutdown = true
		p.state = StatePendingShutdown
	case protocol.Message:
		if err := p.store.Add(ev.Data, p.nextMid, ev.Sid); err != nil {
			return err
		}
		p.nextMid++
	default:
		return fmt.Errorf("session: unsupported event %T", ev)
	}
	return nil
}

// NotifyFromRecv mirrors stream changes made by the peer so this side can
// write to streams the peer opened and retire streams the peer closed.
func (p *SendProtocol[D]) NotifyFromRecv(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.OpenStream:
		if err := p.store.OpenStream(ev.Sid, ev.Prio, ev.Promises, ev.GuaranteedBandwidth); err != nil {
			p.log.Warn().Err(err).Uint64("sid", uint64(ev.Sid)).Msg("session.SendProtocol remote open")
		}
	case protocol.CloseStream:
		if !p.store.TryCloseStream(ev.Sid) {
			p.log.Debug().Uint64("sid", uint64(ev.Sid)).Msg("session.SendProtocol hold back remote close")
			p.notifyClosing = append(p.notifyClosing, ev.Sid)
		}
	}
}

// Flush writes queued control frames, up to bandwidth*dt payload bytes of
// data, the closes whose streams drained and finally a pending shutdown, all
// in one drain call. It returns the payload bytes written.
func (p *SendProtocol[D]) Flush(ctx context.Context, bandwidth protocol.Bandwidth, dt time.Duration) (protocol.Bandwidth, error) {
	if p.state == StateClosed {
		return 0, fmt.Errorf("%w: flush while closed", protocol.ErrClosed)
	}
	buf := p.buf[:0]
	var err error
	for _, f := range p.control {
		if buf, err = frame.Append(buf, f); err != nil {
			return 0, p.fail(err)
		}
		p.metrics.FramesOut(frame.Kind(f), 1)
	}
	clear(p.control)
	p.control = p.control[:0]

	frames, dataBytes := p.store.Grab(bandwidth, dt)
	var headers, data int
	for _, f := range frames {
		if buf, err = frame.Append(buf, f); err != nil {
			return 0, p.fail(err)
		}
		if _, ok := f.(frame.Data); ok {
			data++
		} else {
			headers++
		}
	}
	p.metrics.FramesOut("data_header", headers)
	p.metrics.FramesOut("data", data)
	p.metrics.DataBytesOut(dataBytes)

	kept := p.closingStreams[:0]
	for _, sid := range p.closingStreams {
		if !p.store.TryCloseStream(sid) {
			kept = append(kept, sid)
			continue
		}
		p.log.Debug().Uint64("sid", uint64(sid)).Msg("session.SendProtocol close stream after drain")
		if buf, err = frame.Append(buf, frame.CloseStream{Sid: sid}); err != nil {
			return 0, p.fail(err)
		}
		p.metrics.FramesOut("close_stream", 1)
	}
	p.closingStreams = kept

	keptRemote := p.notifyClosing[:0]
	for _, sid := range p.notifyClosing {
		if !p.store.TryCloseStream(sid) {
			keptRemote = append(keptRemote, sid)
		}
	}
	p.notifyClosing = keptRemote

	shutdown := p.pendingShutdown && len(p.closingStreams) == 0 && p.store.IsEmpty()
	if shutdown {
		if buf, err = frame.Append(buf, frame.Shutdown{}); err != nil {
			return 0, p.fail(err)
		}
		p.metrics.FramesOut("shutdown", 1)
	}

	p.buf = buf
	if len(buf) > 0 {
		if err := p.drain.Send(ctx, buf); err != nil {
			return 0, p.fail(err)
		}
	}
	if shutdown {
		p.log.Debug().Msg("session.SendProtocol shutdown written")
		p.pendingShutdown = false
		p.state = StateClosed
	}
	return protocol.Bandwidth(dataBytes), nil
}

// SendInit writes one init frame directly to the drain.
func (p *SendProtocol[D]) SendInit(ctx context.Context, f frame.InitFrame) error {
	if err := p.drain.Send(ctx, frame.AppendInit(nil, f)); err != nil {
		return fmt.Errorf("%w: send init: %w", protocol.ErrClosed, err)
	}
	return nil
}

// Abort closes the send half without writing anything further.
func (p *SendProtocol[D]) Abort() {
	if p.state == StateClosed {
		return
	}
	p.state = StateClosed
	p.store.Drop()
	p.control = nil
	p.closingStreams = nil
	p.notifyClosing = nil
}

func (p *SendProtocol[D]) fail(err error) error {
	p.log.Warn().Err(err).Msg("session.SendProtocol flush failed")
	p.Abort()
	return fmt.Errorf("%w: flush: %w", protocol.ErrClosed, err)
}
