// Package server accepts peers on any number of transport listeners, runs the
// handshake and admission policy on each, and hands admitted connections to
// one application Handler. It also serves the admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gamewire/internal/auth"
	"github.com/danmuck/gamewire/internal/conn"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

var ErrUnknownHandler = errors.New("server: unknown handler")

type Config struct {
	Name        string
	AdminAddr   string
	CorsOrigins []string
	// Workers caps concurrent connections. Peers beyond it are closed on accept.
	Workers int
	Codec   payload.Codec
	Session session.Config
	Pid     protocol.Pid
	Secret  protocol.Secret
	// Validator admits peers after the handshake; nil admits everyone.
	Validator auth.Validator
	Handlers  *HandlerRegistry
	Handler   string
	Metrics   *observability.ProtocolMetrics
}

func DefaultConfig() Config {
	return Config{
		Name:      "wired",
		AdminAddr: ":7480",
		Workers:   1024,
		Codec:     payload.DefaultCodec,
		Session:   session.DefaultConfig(),
		Handler:   "echo",
	}
}

// ConnInfo is the admin view of one live connection.
type ConnInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	RemotePid string    `json:"remote_pid"`
	Identity  string    `json:"identity,omitempty"`
	Started   time.Time `json:"started"`
	Age       string    `json:"age"`
}

type job struct {
	ctx context.Context
	ep  transport.Endpoint
}

type Server struct {
	cfg      Config
	handler  Handler
	appeared time.Time
	router   *gin.Engine
	pool     *ants.PoolWithFunc
	inflight sync.WaitGroup
	ready    atomic.Bool

	mu        sync.Mutex
	endpoints map[transport.Endpoint]struct{}
	conns     map[string]*conn.Conn
}

func New(cfg Config) (*Server, error) {
	d := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = d.Name
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.Codec == payload.CodecNone {
		cfg.Codec = d.Codec
	}
	if cfg.Handlers == nil {
		cfg.Handlers = DefaultHandlers()
	}
	if strings.TrimSpace(cfg.Handler) == "" {
		cfg.Handler = d.Handler
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.DefaultProtocolMetrics()
	}
	if cfg.Pid == (protocol.Pid{}) {
		cfg.Pid = protocol.NewPid()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	h, ok := cfg.Handlers.Get(cfg.Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, cfg.Handler)
	}

	s := &Server{
		cfg:       cfg,
		handler:   h,
		appeared:  time.Now(),
		endpoints: make(map[transport.Endpoint]struct{}),
		conns:     make(map[string]*conn.Conn),
	}
	pool, err := ants.NewPoolWithFunc(cfg.Workers, s.invoke,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error().Interface("panic", p).Str("node", cfg.Name).Msg("server.Server connection worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("server: worker pool: %w", err)
	}
	s.pool = pool
	s.router = newRouter(cfg.Name, cfg.CorsOrigins)
	s.RegisterRoutes()
	return s, nil
}

func (s *Server) Config() Config { return s.cfg }

// Run listens on every address in listeners and serves them with the admin
// surface until ctx ends. The first listener or admin failure stops all.
func (s *Server) Run(ctx context.Context, listeners []transport.Listener) error {
	if len(listeners) == 0 {
		return errors.New("server: no listeners")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(listeners)+1)
	for _, ln := range listeners {
		go func(ln transport.Listener) {
			errs <- s.Serve(ctx, ln)
		}(ln)
	}
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go func() {
			errs <- s.ServeAdmin(ctx, addr)
		}()
	} else {
		errs <- nil
	}
	s.ready.Store(true)
	defer s.ready.Store(false)

	var first error
	for range len(listeners) + 1 {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	s.Close()
	return first
}

// Serve accepts on ln until ctx ends or ln is closed. Accepted endpoints are
// handled on the worker pool.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		s.closeAll()
		_ = ln.Close()
	})
	defer stop()

	log.Info().Str("node", s.cfg.Name).Str("transport", string(ln.Kind())).Str("addr", ln.Addr().String()).Msg("server.Serve listening")
	failures := 0
	for {
		ep, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("server.Serve accept failed")
			if session.SleepBackoff(ctx, s.cfg.Session.Backoff, failures, nil) != nil {
				return nil
			}
			continue
		}
		failures = 0
		s.dispatch(ctx, ep)
	}
}

func (s *Server) dispatch(ctx context.Context, ep transport.Endpoint) {
	s.inflight.Add(1)
	if err := s.pool.Invoke(job{ctx: ctx, ep: ep}); err != nil {
		s.inflight.Done()
		log.Warn().Err(err).Str("remote", ep.RemoteAddr()).Int("workers", s.pool.Cap()).Msg("server.Serve connection refused")
		observability.RecordHandshake(s.cfg.Name, string(ep.Kind()), "overloaded", 0)
		_ = ep.Close()
	}
}

func (s *Server) invoke(arg any) {
	defer s.inflight.Done()
	j := arg.(job)
	s.handle(j.ctx, j.ep)
}

func (s *Server) handle(ctx context.Context, ep transport.Endpoint) {
	if !s.trackEndpoint(ep) {
		_ = ep.Close()
		return
	}
	defer s.untrackEndpoint(ep)
	kind := string(ep.Kind())
	start := time.Now()

	secureCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	err := transport.Secure(secureCtx, ep)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("remote", ep.RemoteAddr()).Msg("server.handle transport security failed")
		observability.RecordHandshake(s.cfg.Name, kind, "tls", time.Since(start))
		_ = ep.Close()
		return
	}

	c, err := conn.Establish(ctx, ep, conn.Options{
		Config:  s.cfg.Session,
		Local:   session.Local{Pid: s.cfg.Pid, Secret: s.cfg.Secret},
		Metrics: s.cfg.Metrics,
		Codec:   s.cfg.Codec,
		Admit:   s.admit,
	})
	observability.RecordHandshake(s.cfg.Name, kind, handshakeResult(err), time.Since(start))
	if err != nil {
		return
	}
	release := observability.ConnectionOpened(s.cfg.Name, kind)
	defer release()
	s.trackConn(c)
	defer s.untrackConn(c)

	if err := s.handler.Serve(ctx, c); err != nil && !errors.Is(err, protocol.ErrClosed) && ctx.Err() == nil {
		log.Warn().Err(err).Str("conn", c.ID()).Str("handler", s.handler.Name()).Msg("server.handle handler failed")
	}
	s.finish(c)
}

// finish answers a peer Shutdown with ours, or closes an already failed
// connection.
func (s *Server) finish(c *conn.Conn) {
	select {
	case <-c.Done():
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.WriteTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil && !errors.Is(err, protocol.ErrClosed) {
		log.Debug().Err(err).Str("conn", c.ID()).Msg("server.finish shutdown incomplete")
	}
}

func (s *Server) admit(hs session.Handshake, ep transport.Endpoint) error {
	if s.cfg.Validator == nil {
		return nil
	}
	return s.cfg.Validator.Validate(auth.Peer{
		Pid:      hs.RemotePid,
		Secret:   hs.RemoteSecret,
		Identity: ep.PeerIdentity(),
		Addr:     ep.RemoteAddr(),
	})
}

func handshakeResult(err error) string {
	var initErr *session.InitError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &initErr):
		return initErr.Kind.String()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "closed"
	}
}

// trackEndpoint fails once the server is closing.
func (s *Server) trackEndpoint(ep transport.Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoints == nil {
		return false
	}
	s.endpoints[ep] = struct{}{}
	return true
}

func (s *Server) untrackEndpoint(ep transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, ep)
}

func (s *Server) trackConn(c *conn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
}

func (s *Server) untrackConn(c *conn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
}

func (s *Server) closeAll() {
	s.mu.Lock()
	eps := make([]transport.Endpoint, 0, len(s.endpoints))
	for ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.Unlock()
	for _, ep := range eps {
		_ = ep.Close()
	}
}

// Conn returns a live connection by id.
func (s *Server) Conn(id string) (*conn.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// Conns lists live connections, oldest first.
func (s *Server) Conns() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		ep := c.Endpoint()
		out = append(out, ConnInfo{
			ID:        c.ID(),
			Transport: string(ep.Kind()),
			Remote:    ep.RemoteAddr(),
			RemotePid: c.Handshake().RemotePid.String(),
			Identity:  ep.PeerIdentity(),
			Started:   c.Started(),
			Age:       time.Since(c.Started()).Truncate(time.Millisecond).String(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Close stops accepting work, closes every tracked endpoint and waits for the
// connection workers to return.
func (s *Server) Close() {
	s.mu.Lock()
	eps := s.endpoints
	s.endpoints = nil
	s.mu.Unlock()
	for ep := range eps {
		_ = ep.Close()
	}
	s.inflight.Wait()
	s.pool.Release()
}

func (s *Server) Ready() bool { return s.ready.Load() }
