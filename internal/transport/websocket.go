package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketPath is the upgrade path served by ListenWebSocket.
const WebSocketPath = "/ws"

const wsCloseGrace = time.Second

// WebSocket carries session bytes as binary messages, one per Send.
type WebSocket struct {
	ws           *websocket.Conn
	identity     string
	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newWebSocket(ws *websocket.Conn, identity string, cfg session.Config) *WebSocket {
	return &WebSocket{
		ws:           ws,
		identity:     identity,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (w *WebSocket) Send(ctx context.Context, p []byte) error {
	_ = w.ws.SetWriteDeadline(deadline(ctx, w.writeTimeout))
	stop := context.AfterFunc(ctx, func() { _ = w.ws.SetWriteDeadline(time.Unix(1, 0)) })
	defer stop()
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("transport: websocket send: %w", err)
	}
	return nil
}

// Recv returns the next binary message. A cancelled ctx leaves the
// connection unusable, which matches how the recv task treats any error.
func (w *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	_ = w.ws.SetReadDeadline(deadline(ctx, w.readTimeout))
	stop := context.AfterFunc(ctx, func() { _ = w.ws.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()
	for {
		mt, data, err := w.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
				return nil, fmt.Errorf("%w: websocket recv: %w", ErrClosed, err)
			}
			return nil, fmt.Errorf("transport: websocket recv: %w", err)
		}
		if mt != websocket.BinaryMessage {
			log.Debug().Int("type", mt).Msg("transport.WebSocket ignoring non-binary message")
			continue
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		w.closeErr = w.ws.Close()
	})
	return w.closeErr
}

func (w *WebSocket) Kind() Kind           { return KindWebSocket }
func (w *WebSocket) RemoteAddr() string   { return w.ws.RemoteAddr().String() }
func (w *WebSocket) PeerIdentity() string { return w.identity }

// websocketURL accepts a full ws:// or wss:// URL or a bare host:port.
func websocketURL(addr string, tlsEnabled bool) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws://"
	if tlsEnabled {
		scheme = "wss://"
	}
	return scheme + addr + WebSocketPath
}

func DialWebSocket(ctx context.Context, addr string, cfg session.Config) (*WebSocket, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	url := websocketURL(addr, cfg.TLS.Enabled)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.TLS.Enabled || strings.HasPrefix(url, "wss://") {
		host := strings.TrimPrefix(strings.TrimPrefix(url, "wss://"), "ws://")
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		tlsCfg, err := cfg.ClientTLS(host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	ws, resp, err := dialer.DialContext(dialCtx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket %s: %w", url, err)
	}
	return newWebSocket(ws, "", cfg), nil
}

// WebSocketListener upgrades HTTP requests on WebSocketPath and queues the
// resulting endpoints for Accept.
type WebSocketListener struct {
	cfg      session.Config
	upgrader websocket.Upgrader
	ln       net.Listener
	srv      *http.Server
	conns    chan *WebSocket
	closed   chan struct{}
	once     sync.Once
}

func ListenWebSocket(addr string, cfg session.Config) (*WebSocketListener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen websocket %s: %w", addr, err)
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ServerTLS()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	l := NewWebSocketHandler(cfg)
	l.ln = ln
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, l)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("transport.WebSocketListener serve failed")
		}
	}()
	return l, nil
}

// NewWebSocketHandler returns a listener without its own HTTP server, for
// mounting the upgrade handler on an existing router.
func NewWebSocketHandler(cfg session.Config) *WebSocketListener {
	cfg = cfg.WithDefaults()
	return &WebSocketListener{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns:  make(chan *WebSocket),
		closed: make(chan struct{}),
	}
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("transport.WebSocketListener upgrade failed")
		return
	}
	identity := ""
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		identity = peerIdentityFromCert(r.TLS.PeerCertificates[0])
	}
	ep := newWebSocket(ws, identity, l.cfg)
	select {
	case l.conns <- ep:
	case <-l.closed:
		_ = ep.Close()
	case <-r.Context().Done():
		_ = ep.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Endpoint, error) {
	select {
	case ep := <-l.conns:
		return ep, nil
	case <-l.closed:
		return nil, fmt.Errorf("%w: websocket listener", ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() net.Addr {
	if l.ln == nil {
		return pipeAddr{}
	}
	return l.ln.Addr()
}

func (l *WebSocketListener) Kind() Kind { return KindWebSocket }

func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		if l.srv != nil {
			err = l.srv.Close()
		}
	})
	return err
}
