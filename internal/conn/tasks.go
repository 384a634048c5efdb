package conn

import (
	"fmt"
	"time"

	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/session"
)

func (c *Conn) sendLoop() {
	defer close(c.sendDone)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-c.ctx.Done():
			c.send.Abort()
			return
		case item := <-c.outbox:
			c.drainNotify()
			item.result <- c.apply(item.ev)
		case ev := <-c.notify:
			c.send.NotifyFromRecv(ev)
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if _, err := c.send.Flush(c.ctx, c.cfg.Bandwidth, dt); err != nil {
				if c.ctx.Err() == nil {
					c.fail(err)
				}
				return
			}
			if c.send.State() == session.StateClosed {
				c.shutdownSent.Store(true)
				c.log.Debug().Msg("conn.Conn shutdown flushed")
				return
			}
		}
	}
}

// drainNotify applies peer stream changes already queued. The recv task
// queues them before it publishes the event, so a reply sent after seeing
// the event finds the peer's stream open.
func (c *Conn) drainNotify() {
	for {
		select {
		case ev := <-c.notify:
			c.send.NotifyFromRecv(ev)
		default:
			return
		}
	}
}

// apply runs on the send task. Promises stay recorded until the connection
// ends so late messages on a closed stream still decode.
func (c *Conn) apply(ev protocol.Event) error {
	switch ev := ev.(type) {
	case protocol.OpenStream:
		if err := c.send.Send(ev); err != nil {
			return err
		}
		c.setPromises(ev.Sid, ev.Promises)
		return nil
	case protocol.Message:
		if c.promisesOf(ev.Sid).Contains(protocol.PromiseCompressed) {
			data, err := payload.Encode(c.codec, ev.Data)
			if err != nil {
				return err
			}
			ev.Data = data
		}
		return c.send.Send(ev)
	default:
		return c.send.Send(ev)
	}
}

func (c *Conn) recvLoop() {
	defer close(c.recvDone)
	defer close(c.events)
	for {
		ev, err := c.recv.Recv(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(err)
			}
			return
		}
		switch e := ev.(type) {
		case protocol.OpenStream:
			c.setPromises(e.Sid, e.Promises)
			c.forward(ev)
		case protocol.CloseStream:
			c.forward(ev)
		case protocol.Message:
			if c.promisesOf(e.Sid).Contains(protocol.PromiseCompressed) {
				data, _, err := payload.Decode(e.Data, int(c.cfg.Limits.MaxMessageBytes))
				if err != nil {
					c.recv.Abort()
					c.fail(fmt.Errorf("%w: sid=%d: %w", protocol.ErrViolated, e.Sid, err))
					return
				}
				e.Data = data
				ev = e
			}
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
		if _, ok := ev.(protocol.Shutdown); ok {
			c.log.Debug().Msg("conn.Conn peer shutdown")
			return
		}
	}
}

// forward mirrors peer stream changes into the send task.
func (c *Conn) forward(ev protocol.Event) {
	select {
	case c.notify <- ev:
	case <-c.sendDone:
	case <-c.ctx.Done():
	}
}
