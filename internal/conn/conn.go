// Package conn runs one established session as two tasks: the send task owns
// the SendProtocol and flushes on a ticker, the recv task owns the
// RecvProtocol and publishes events. The tasks only talk through channels.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures Establish.
type Options struct {
	Config session.Config
	Local  session.Local
	// Metrics defaults to observability.DefaultProtocolMetrics.
	Metrics *observability.ProtocolMetrics
	// Codec compresses messages on streams that promise Compressed.
	// CodecNone selects payload.DefaultCodec.
	Codec payload.Codec
	// Admit runs after the handshake; an error closes the endpoint.
	Admit func(hs session.Handshake, ep transport.Endpoint) error
}

type outboxItem struct {
	ev     protocol.Event
	result chan error
}

// Conn is an established session.
type Conn struct {
	id      string
	ep      transport.Endpoint
	hs      session.Handshake
	cfg     session.Config
	codec   payload.Codec
	metrics *observability.ChannelMetrics
	log     zerolog.Logger
	started time.Time

	send *session.SendProtocol[transport.Endpoint]
	recv *session.RecvProtocol[transport.Endpoint]

	outbox chan outboxItem
	notify chan protocol.Event
	events chan protocol.Event

	promisesMu sync.RWMutex
	promises   map[protocol.Sid]protocol.Promises
	nextSid    atomic.Uint64

	// shutdownSent is set once the Shutdown frame is flushed.
	shutdownSent atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	sendDone chan struct{}
	recvDone chan struct{}
	done     chan struct{}

	errOnce sync.Once
	err     error
}

// Establish runs the handshake on ep and starts the connection tasks. ep is
// closed when Establish fails.
func Establish(ctx context.Context, ep transport.Endpoint, opts Options) (*Conn, error) {
	cfg := opts.Config.WithDefaults()
	pm := opts.Metrics
	if pm == nil {
		pm = observability.DefaultProtocolMetrics()
	}
	id := uuid.NewString()
	metrics := pm.Channel(id)
	logger := log.Logger.With().
		Str("conn", id).
		Str("transport", string(ep.Kind())).
		Str("remote", ep.RemoteAddr()).
		Logger()

	send := session.NewSendProtocol[transport.Endpoint](ep, metrics)
	recv := session.NewRecvProtocol[transport.Endpoint](ep, cfg.Limits, metrics)

	local := opts.Local
	local.Diagnostics = local.Diagnostics || cfg.HandshakeDiagnostics
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	hs, err := session.Initialize(hsCtx, send, recv, local)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("conn.Establish handshake failed")
		metrics.Close()
		_ = ep.Close()
		return nil, err
	}
	if opts.Admit != nil {
		if err := opts.Admit(hs, ep); err != nil {
			logger.Warn().Err(err).Str("remote_pid", hs.RemotePid.String()).Msg("conn.Establish peer rejected")
			metrics.Close()
			_ = ep.Close()
			return nil, err
		}
	}

	codec := opts.Codec
	if codec == payload.CodecNone {
		codec = payload.DefaultCodec
	}
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Conn{
		id:       id,
		ep:       ep,
		hs:       hs,
		cfg:      cfg,
		codec:    codec,
		metrics:  metrics,
		log:      logger.With().Str("remote_pid", hs.RemotePid.String()).Logger(),
		started:  time.Now(),
		send:     send,
		recv:     recv,
		outbox:   make(chan outboxItem, cfg.EventBuffer),
		notify:   make(chan protocol.Event, cfg.EventBuffer),
		events:   make(chan protocol.Event, cfg.EventBuffer),
		promises: make(map[protocol.Sid]protocol.Promises),
		ctx:      runCtx,
		cancel:   runCancel,
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.nextSid.Store(uint64(hs.LocalOffset))
	c.log.Info().Bool("initializer", local.Initializer).Msg("conn.Establish session started")

	go c.sendLoop()
	go c.recvLoop()
	go c.reap()
	return c, nil
}

func (c *Conn) ID() string                   { return c.id }
func (c *Conn) Handshake() session.Handshake { return c.hs }
func (c *Conn) Endpoint() transport.Endpoint { return c.ep }
func (c *Conn) Started() time.Time           { return c.started }

func (c *Conn) Metrics() *observability.ChannelMetrics {
	return c.metrics
}

// Events delivers peer events in arrival order. It is closed when the recv
// task ends, after a peer Shutdown or a fatal error.
func (c *Conn) Events() <-chan protocol.Event { return c.events }

// Done is closed once both tasks have ended and the endpoint is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, nil after a clean shutdown.
func (c *Conn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	return c.err
}

// Send hands ev to the send task and returns its verdict.
func (c *Conn) Send(ctx context.Context, ev protocol.Event) error {
	item := outboxItem{ev: ev, result: make(chan error, 1)}
	select {
	case c.outbox <- item:
	case <-c.sendDone:
		return fmt.Errorf("%w: connection closed", protocol.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.result:
		return err
	case <-c.sendDone:
		return fmt.Errorf("%w: connection closed", protocol.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenStream allocates the next local stream id and opens it.
func (c *Conn) OpenStream(ctx context.Context, prio protocol.Prio, promises protocol.Promises, guaranteed protocol.Bandwidth) (protocol.Sid, error) {
	sid := protocol.Sid(c.nextSid.Add(1) - 1)
	err := c.Send(ctx, protocol.OpenStream{Sid: sid, Prio: prio, Promises: promises, GuaranteedBandwidth: guaranteed})
	return sid, err
}

func (c *Conn) CloseStream(ctx context.Context, sid protocol.Sid) error {
	return c.Send(ctx, protocol.CloseStream{Sid: sid})
}

// SendMessage queues data on sid. The connection owns data afterwards.
func (c *Conn) SendMessage(ctx context.Context, sid protocol.Sid, data []byte) error {
	return c.Send(ctx, protocol.Message{Sid: sid, Data: data})
}

// Shutdown queues a Shutdown, waits until it is written and the peer has
// finished, then closes the connection. Concurrent and repeated calls join
// the drain already in progress. Only an expired ctx aborts it.
func (c *Conn) Shutdown(ctx context.Context) error {
	// ErrClosed means a Shutdown is already queued or the send task ended.
	if err := c.Send(ctx, protocol.Shutdown{}); err != nil && !errors.Is(err, protocol.ErrClosed) {
		c.Close()
		return err
	}
	for _, done := range []chan struct{}{c.sendDone, c.recvDone} {
		select {
		case <-done:
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		}
	}
	c.Close()
	if err := c.Err(); err != nil {
		return err
	}
	if !c.shutdownSent.Load() {
		return fmt.Errorf("%w: aborted before shutdown was written", protocol.ErrClosed)
	}
	return nil
}

// Close aborts both tasks without waiting for queued data.
func (c *Conn) Close() {
	c.cancel()
	<-c.done
}

func (c *Conn) promisesOf(sid protocol.Sid) protocol.Promises {
	c.promisesMu.RLock()
	defer c.promisesMu.RUnlock()
	return c.promises[sid]
}

func (c *Conn) setPromises(sid protocol.Sid, p protocol.Promises) {
	c.promisesMu.Lock()
	defer c.promisesMu.Unlock()
	c.promises[sid] = p
}

func (c *Conn) dropPromises(sid protocol.Sid) {
	c.promisesMu.Lock()
	defer c.promisesMu.Unlock()
	delete(c.promises, sid)
}

func (c *Conn) fail(err error) {
	if err == nil {
		return
	}
	c.errOnce.Do(func() {
		c.err = err
		if errors.Is(err, context.Canceled) {
			c.log.Debug().Msg("conn.Conn closed locally")
		} else {
			c.log.Warn().Err(err).Msg("conn.Conn failed")
		}
	})
	c.cancel()
}

func (c *Conn) reap() {
	<-c.sendDone
	<-c.recvDone
	if err := c.ep.Close(); err != nil {
		c.log.Debug().Err(err).Msg("conn.Conn endpoint close")
	}
	c.metrics.Close()
	c.log.Info().Dur("age", time.Since(c.started)).Msg("conn.Conn ended")
	close(c.done)
}
