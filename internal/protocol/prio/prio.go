// Package prio schedules queued messages of many streams into bounded frame
// batches.
//
// Each Grab spends a byte budget of bandwidth*dt in two passes. The first pass
// gives every stream up to its guaranteed floor, the second hands the rest out
// in stream order: priority ascending, then guaranteed bandwidth descending,
// then open order. Messages of one stream leave strictly in the order they were
// added and are never interleaved. Only Data payload bytes are charged.
package prio

import (
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
)

// FragmentSize caps the payload of one Data frame.
const FragmentSize = 1400

type message struct {
	mid        protocol.Mid
	data       []byte
	sent       int
	headerSent bool
}

type stream struct {
	sid        protocol.Sid
	prio       protocol.Prio
	promises   protocol.Promises
	guaranteed protocol.Bandwidth
	order      uint64

	queue   []*message
	queued  int
	closing bool
}

// Manager is owned by a single send task and is not safe for concurrent use.
type Manager struct {
	streams   map[protocol.Sid]*stream
	ordered   []*stream
	nextOrder uint64
	queued    int
	metrics   *observability.ChannelMetrics
}

func New(metrics *observability.ChannelMetrics) *Manager {
	return &Manager{
		streams: make(map[protocol.Sid]*stream),
		metrics: metrics,
	}
}

func (m *Manager) OpenStream(sid protocol.Sid, prio protocol.Prio, promises protocol.Promises, guaranteed protocol.Bandwidth) error {
	if _, ok := m.streams[sid]; ok {
		return fmt.Errorf("%w: sid=%d", protocol.ErrStreamExists, sid)
	}
	s := &stream{
		sid:        sid,
		prio:       prio,
		promises:   promises,
		guaranteed: guaranteed,
		order:      m.nextOrder,
	}
	m.nextOrder++
	m.streams[sid] = s
	i := sort.Search(len(m.ordered), func(i int) bool { return before(s, m.ordered[i]) })
	m.ordered = append(m.ordered, nil)
	copy(m.ordered[i+1:], m.ordered[i:])
	m.ordered[i] = s
	return nil
}

func before(a, b *stream) bool {
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	if a.guaranteed != b.guaranteed {
		return a.guaranteed > b.guaranteed
	}
	return a.order < b.order
}

// Add queues data as message mid on sid. The manager takes ownership of data.
func (m *Manager) Add(data []byte, mid protocol.Mid, sid protocol.Sid) error {
	s, ok := m.streams[sid]
	if !ok {
		return fmt.Errorf("%w: sid=%d", protocol.ErrUnknownStream, sid)
	}
	if s.closing {
		return fmt.Errorf("%w: sid=%d", protocol.ErrStreamClosing, sid)
	}
	s.queue = append(s.queue, &message{mid: mid, data: data})
	s.queued += len(data)
	m.queued += len(data)
	m.metrics.SendMessageIn(sid, len(data))
	return nil
}

// TryCloseStream removes sid when nothing is queued on it and reports true.
// Otherwise the stream is marked closing, refuses new messages, and false is
// returned so the caller retries after a later Grab. Unknown sids report true.
func (m *Manager) TryCloseStream(sid protocol.Sid) bool {
	s, ok := m.streams[sid]
	if !ok {
		return true
	}
	if len(s.queue) > 0 {
		s.closing = true
		return false
	}
	m.remove(s)
	return true
}

func (m *Manager) remove(s *stream) {
	delete(m.streams, s.sid)
	for i, o := range m.ordered {
		if o == s {
			m.ordered = append(m.ordered[:i], m.ordered[i+1:]...)
			break
		}
	}
}

// Grab cuts up to bandwidth*dt payload bytes into frames and returns them with
// the number of payload bytes they carry.
func (m *Manager) Grab(bandwidth protocol.Bandwidth, dt time.Duration) ([]frame.Frame, uint64) {
	budget := Budget(bandwidth, dt)
	var frames []frame.Frame
	var written uint64

	for _, s := range m.ordered {
		if s.guaranteed == 0 || len(s.queue) == 0 || budget == 0 {
			continue
		}
		floor := min(Budget(s.guaranteed, dt), budget)
		n := m.drain(s, floor, &frames)
		budget -= n
		written += n
	}
	for _, s := range m.ordered {
		if len(s.queue) == 0 {
			continue
		}
		n := m.drain(s, budget, &frames)
		budget -= n
		written += n
	}
	return frames, written
}

// drain emits frames of s worth at most allowance payload bytes. A header is
// only emitted together with data, or alone for an empty message.
func (m *Manager) drain(s *stream, allowance uint64, out *[]frame.Frame) uint64 {
	var spent uint64
	for len(s.queue) > 0 {
		msg := s.queue[0]
		remaining := len(msg.data) - msg.sent
		if remaining > 0 && allowance-spent == 0 {
			break
		}
		if !msg.headerSent {
			*out = append(*out, frame.DataHeader{Mid: msg.mid, Sid: s.sid, Length: uint64(len(msg.data))})
			msg.headerSent = true
		}
		for remaining > 0 && spent < allowance {
			n := min(uint64(remaining), uint64(FragmentSize), allowance-spent)
			*out = append(*out, frame.Data{
				Mid:   msg.mid,
				Start: uint64(msg.sent),
				Data:  msg.data[msg.sent : msg.sent+int(n)],
			})
			msg.sent += int(n)
			remaining -= int(n)
			spent += n
		}
		if remaining > 0 {
			break
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		m.metrics.SendMessageOut(s.sid, observability.ReasonFinished, len(msg.data))
	}
	s.queued -= int(spent)
	m.queued -= int(spent)
	return spent
}

// Budget converts a rate over dt into bytes.
func Budget(bandwidth protocol.Bandwidth, dt time.Duration) uint64 {
	if bandwidth == 0 || dt <= 0 {
		return 0
	}
	return uint64(float64(bandwidth) * dt.Seconds())
}

// IsEmpty reports whether no stream has anything queued.
func (m *Manager) IsEmpty() bool {
	for _, s := range m.ordered {
		if len(s.queue) > 0 {
			return false
		}
	}
	return true
}

// Len returns the payload bytes still queued across all streams.
func (m *Manager) Len() int {
	return m.queued
}

func (m *Manager) Has(sid protocol.Sid) bool {
	_, ok := m.streams[sid]
	return ok
}

// Closing reports whether sid is waiting for its queue to drain before close.
func (m *Manager) Closing(sid protocol.Sid) bool {
	s, ok := m.streams[sid]
	return ok && s.closing
}

// Streams returns the number of open streams.
func (m *Manager) Streams() int {
	return len(m.streams)
}

// Drop discards every queued message and stream, recording the messages as dropped.
func (m *Manager) Drop() {
	for _, s := range m.ordered {
		for _, msg := range s.queue {
			m.metrics.SendMessageOut(s.sid, observability.ReasonDropped, len(msg.data))
		}
	}
	clear(m.streams)
	m.ordered = nil
	m.queued = 0
}
