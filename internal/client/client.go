// Package client dials a server with reconnect backoff and returns an
// established connection.
package client

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/gamewire/internal/conn"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrAddressRequired = errors.New("client: address required")

type Config struct {
	Transport transport.Kind
	Addr      string
	Pid       protocol.Pid
	Secret    protocol.Secret
	Codec     payload.Codec
	Session   session.Config
	Metrics   *observability.ProtocolMetrics
	// MaxConnectAttempts of zero retries until ctx ends.
	MaxConnectAttempts int
	// Dial replaces transport.Dial when set.
	Dial func(ctx context.Context) (transport.Endpoint, error)
}

type Client struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config) (*Client, error) {
	if cfg.Dial == nil && strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.Transport == "" {
		cfg.Transport = transport.KindTCP
	}
	if cfg.Pid == (protocol.Pid{}) {
		cfg.Pid = protocol.NewPid()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (c *Client) Pid() protocol.Pid { return c.cfg.Pid }

// Connect dials and runs the handshake, retrying with backoff. A handshake
// the server refused on protocol grounds is not retried.
func (c *Client) Connect(ctx context.Context) (*conn.Conn, error) {
	var attempt int
	for {
		attempt++
		cn, err := c.connectOnce(ctx)
		if err == nil {
			return cn, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.Addr).Msg("client.Connect attempt failed")
		var initErr *session.InitError
		if errors.As(err, &initErr) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (*conn.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
	defer cancel()
	var (
		ep  transport.Endpoint
		err error
	)
	if c.cfg.Dial != nil {
		ep, err = c.cfg.Dial(dialCtx)
	} else {
		ep, err = transport.Dial(dialCtx, c.cfg.Transport, c.cfg.Addr, c.cfg.Session)
	}
	if err != nil {
		return nil, err
	}
	return conn.Establish(ctx, ep, conn.Options{
		Config:  c.cfg.Session,
		Local:   session.Local{Pid: c.cfg.Pid, Secret: c.cfg.Secret, Initializer: true},
		Metrics: c.cfg.Metrics,
		Codec:   c.cfg.Codec,
	})
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}
