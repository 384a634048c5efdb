package server

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/danmuck/gamewire/internal/conn"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Handler is the application behavior run on every admitted connection.
// Serve returns when the peer shuts down or the connection ends.
type Handler interface {
	Name() string
	Status() any
	Serve(ctx context.Context, c *conn.Conn) error
}

// HandlerRegistry stores handlers by name.
type HandlerRegistry struct {
	repo map[string]Handler
	mu   sync.RWMutex
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{repo: make(map[string]Handler)}
}

// DefaultHandlers registers echo and broadcast.
func DefaultHandlers() *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register(&Echo{})
	r.Register(NewBroadcast())
	return r
}

func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[h.Name()] = h
}

// All returns a snapshot of all registered handlers.
func (r *HandlerRegistry) All() map[string]Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Handler, len(r.repo))
	for name, h := range r.repo {
		out[name] = h
	}
	return out
}

func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.repo[name]
	return h, ok
}

func (r *HandlerRegistry) Names() []string {
	all := r.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Echo sends every message back on the stream it arrived on.
type Echo struct {
	mu       sync.Mutex
	messages uint64
	bytes    uint64
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Status() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]uint64{"messages": e.messages, "bytes": e.bytes}
}

func (e *Echo) Serve(ctx context.Context, c *conn.Conn) error {
	for ev := range c.Events() {
		msg, ok := ev.(protocol.Message)
		if !ok {
			continue
		}
		if err := c.SendMessage(ctx, msg.Sid, msg.Data); err != nil {
			return err
		}
		e.mu.Lock()
		e.messages++
		e.bytes += uint64(len(msg.Data))
		e.mu.Unlock()
	}
	return nil
}

const (
	fanoutPrio     protocol.Prio     = 8
	fanoutPromises protocol.Promises = protocol.PromiseOrdered | protocol.PromiseGuaranteedDelivery
)

type member struct {
	c   *conn.Conn
	sid protocol.Sid
}

// Broadcast relays every message a peer sends to all other peers on a
// stream the server opens on each connection when it joins.
type Broadcast struct {
	mu      sync.RWMutex
	members map[string]member
	relayed uint64
}

func NewBroadcast() *Broadcast {
	return &Broadcast{members: make(map[string]member)}
}

func (b *Broadcast) Name() string { return "broadcast" }

func (b *Broadcast) Status() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]uint64{"members": uint64(len(b.members)), "relayed": b.relayed}
}

func (b *Broadcast) Serve(ctx context.Context, c *conn.Conn) error {
	sid, err := c.OpenStream(ctx, fanoutPrio, fanoutPromises, 0)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.members[c.ID()] = member{c: c, sid: sid}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.members, c.ID())
		b.mu.Unlock()
	}()

	for ev := range c.Events() {
		msg, ok := ev.(protocol.Message)
		if !ok {
			continue
		}
		b.relay(ctx, c.ID(), msg.Data)
	}
	return nil
}

// relay shares data between recipients; none of them modify it.
func (b *Broadcast) relay(ctx context.Context, from string, data []byte) {
	b.mu.RLock()
	targets := make([]member, 0, len(b.members))
	for id, m := range b.members {
		if id != from {
			targets = append(targets, m)
		}
	}
	b.mu.RUnlock()

	for _, m := range targets {
		if err := m.c.SendMessage(ctx, m.sid, data); err != nil {
			if !errors.Is(err, protocol.ErrClosed) {
				log.Debug().Err(err).Str("conn", m.c.ID()).Msg("server.Broadcast relay failed")
			}
			continue
		}
		b.mu.Lock()
		b.relayed++
		b.mu.Unlock()
	}
}
