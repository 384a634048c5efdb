package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// RemoveReason labels why a message left a queue.
type RemoveReason string

const (
	ReasonFinished RemoveReason = "finished"
	ReasonDropped  RemoveReason = "dropped"
)

// ProtocolMetrics holds the counter vectors shared by every connection.
type ProtocolMetrics struct {
	sendMessagesIn  *prometheus.CounterVec
	sendBytesIn     *prometheus.CounterVec
	sendMessagesOut *prometheus.CounterVec
	sendBytesOut    *prometheus.CounterVec
	recvMessagesIn  *prometheus.CounterVec
	recvBytesIn     *prometheus.CounterVec
	recvMessagesOut *prometheus.CounterVec
	recvBytesOut    *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	framesIn        *prometheus.CounterVec
	dataBytesOut    *prometheus.CounterVec
	dataBytesIn     *prometheus.CounterVec
}

var (
	defaultProtocolOnce    sync.Once
	defaultProtocolMetrics *ProtocolMetrics
)

// DefaultProtocolMetrics returns the process wide set registered with the
// default prometheus registerer.
func DefaultProtocolMetrics() *ProtocolMetrics {
	defaultProtocolOnce.Do(func() {
		m, err := NewProtocolMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			panic(err)
		}
		defaultProtocolMetrics = m
	})
	return defaultProtocolMetrics
}

// NewProtocolMetrics builds the vectors and registers them with reg when reg
// is not nil. Vectors already registered under the same name are reused.
func NewProtocolMetrics(reg prometheus.Registerer) (*ProtocolMetrics, error) {
	stream := []string{"channel", "stream"}
	streamReason := []string{"channel", "stream", "reason"}
	m := &ProtocolMetrics{
		sendMessagesIn:  counterVec("send", "messages_in_total", "Messages handed to the scheduler.", stream),
		sendBytesIn:     counterVec("send", "bytes_in_total", "Message bytes handed to the scheduler.", stream),
		sendMessagesOut: counterVec("send", "messages_out_total", "Messages that left the scheduler.", streamReason),
		sendBytesOut:    counterVec("send", "bytes_out_total", "Message bytes that left the scheduler.", streamReason),
		recvMessagesIn:  counterVec("recv", "messages_in_total", "Messages announced by a data header.", stream),
		recvBytesIn:     counterVec("recv", "bytes_in_total", "Bytes announced by data headers.", stream),
		recvMessagesOut: counterVec("recv", "messages_out_total", "Messages that left reassembly.", streamReason),
		recvBytesOut:    counterVec("recv", "bytes_out_total", "Bytes that left reassembly.", streamReason),
		framesOut:       counterVec("wire", "frames_out_total", "Frames written.", []string{"channel", "frame"}),
		framesIn:        counterVec("wire", "frames_in_total", "Frames read.", []string{"channel", "frame"}),
		dataBytesOut:    counterVec("wire", "data_bytes_out_total", "Payload bytes written in data frames.", []string{"channel"}),
		dataBytesIn:     counterVec("wire", "data_bytes_in_total", "Payload bytes read in data frames.", []string{"channel"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, vec := range []**prometheus.CounterVec{
		&m.sendMessagesIn, &m.sendBytesIn, &m.sendMessagesOut, &m.sendBytesOut,
		&m.recvMessagesIn, &m.recvBytesIn, &m.recvMessagesOut, &m.recvBytesOut,
		&m.framesOut, &m.framesIn, &m.dataBytesOut, &m.dataBytesIn,
	} {
		if err := reg.Register(*vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			*vec = existing
		}
	}
	return m, nil
}

func counterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// Channel returns the per-connection view labelled with id.
func (m *ProtocolMetrics) Channel(id string) *ChannelMetrics {
	return &ChannelMetrics{
		m:         m,
		channel:   id,
		streams:   make(map[protocol.Sid]*streamLine),
		framesOut: make(map[string]prometheus.Counter),
		framesIn:  make(map[string]prometheus.Counter),
	}
}

type streamLine struct {
	label               string
	sendIn, sendInBytes prometheus.Counter
	recvIn, recvInBytes prometheus.Counter
	sendOut             map[RemoveReason][2]prometheus.Counter
	recvOut             map[RemoveReason][2]prometheus.Counter
}

// ChannelMetrics is the metric view of one connection. It is safe for use by
// the send and recv tasks at the same time. A nil *ChannelMetrics records nothing.
type ChannelMetrics struct {
	m       *ProtocolMetrics
	channel string

	mu      sync.Mutex
	streams map[protocol.Sid]*streamLine
	closed  bool

	// Children are created on first record so snapshots add no series.
	framesOut    map[string]prometheus.Counter
	framesIn     map[string]prometheus.Counter
	dataBytesOut prometheus.Counter
	dataBytesIn  prometheus.Counter
}

func (c *ChannelMetrics) ID() string {
	if c == nil {
		return ""
	}
	return c.channel
}

// line returns the cached counters for sid. Callers hold c.mu.
func (c *ChannelMetrics) line(sid protocol.Sid) *streamLine {
	if l, ok := c.streams[sid]; ok {
		return l
	}
	label := strconv.FormatUint(uint64(sid), 10)
	l := &streamLine{
		label:       label,
		sendIn:      c.m.sendMessagesIn.WithLabelValues(c.channel, label),
		sendInBytes: c.m.sendBytesIn.WithLabelValues(c.channel, label),
		recvIn:      c.m.recvMessagesIn.WithLabelValues(c.channel, label),
		recvInBytes: c.m.recvBytesIn.WithLabelValues(c.channel, label),
		sendOut:     make(map[RemoveReason][2]prometheus.Counter, 2),
		recvOut:     make(map[RemoveReason][2]prometheus.Counter, 2),
	}
	c.streams[sid] = l
	return l
}

func (c *ChannelMetrics) sendOut(l *streamLine, reason RemoveReason) [2]prometheus.Counter {
	if pair, ok := l.sendOut[reason]; ok {
		return pair
	}
	pair := [2]prometheus.Counter{
		c.m.sendMessagesOut.WithLabelValues(c.channel, l.label, string(reason)),
		c.m.sendBytesOut.WithLabelValues(c.channel, l.label, string(reason)),
	}
	l.sendOut[reason] = pair
	return pair
}

func (c *ChannelMetrics) recvOut(l *streamLine, reason RemoveReason) [2]prometheus.Counter {
	if pair, ok := l.recvOut[reason]; ok {
		return pair
	}
	pair := [2]prometheus.Counter{
		c.m.recvMessagesOut.WithLabelValues(c.channel, l.label, string(reason)),
		c.m.recvBytesOut.WithLabelValues(c.channel, l.label, string(reason)),
	}
	l.recvOut[reason] = pair
	return pair
}

// SendMessageIn records a message queued on sid.
func (c *ChannelMetrics) SendMessageIn(sid protocol.Sid, bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	l := c.line(sid)
	l.sendIn.Inc()
	l.sendInBytes.Add(float64(bytes))
}

// SendMessageOut records a message leaving the scheduler of sid.
func (c *ChannelMetrics) SendMessageOut(sid protocol.Sid, reason RemoveReason, bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	pair := c.sendOut(c.line(sid), reason)
	pair[0].Inc()
	pair[1].Add(float64(bytes))
}

// RecvMessageIn records a data header announcing length bytes on sid.
func (c *ChannelMetrics) RecvMessageIn(sid protocol.Sid, length uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	l := c.line(sid)
	l.recvIn.Inc()
	l.recvInBytes.Add(float64(length))
}

// RecvMessageOut records a message leaving reassembly on sid.
func (c *ChannelMetrics) RecvMessageOut(sid protocol.Sid, reason RemoveReason, bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	pair := c.recvOut(c.line(sid), reason)
	pair[0].Inc()
	pair[1].Add(float64(bytes))
}

// FramesOut records count written frames of kind.
func (c *ChannelMetrics) FramesOut(kind string, count int) {
	if c == nil || count == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ctr, ok := c.framesOut[kind]
	if !ok {
		ctr = c.m.framesOut.WithLabelValues(c.channel, kind)
		c.framesOut[kind] = ctr
	}
	ctr.Add(float64(count))
}

// FrameIn records one read frame of kind.
func (c *ChannelMetrics) FrameIn(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ctr, ok := c.framesIn[kind]
	if !ok {
		ctr = c.m.framesIn.WithLabelValues(c.channel, kind)
		c.framesIn[kind] = ctr
	}
	ctr.Inc()
}

func (c *ChannelMetrics) DataBytesOut(bytes uint64) {
	if c == nil || bytes == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.dataBytesOut == nil {
		c.dataBytesOut = c.m.dataBytesOut.WithLabelValues(c.channel)
	}
	c.dataBytesOut.Add(float64(bytes))
}

func (c *ChannelMetrics) DataBytesIn(bytes uint64) {
	if c == nil || bytes == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.dataBytesIn == nil {
		c.dataBytesIn = c.m.dataBytesIn.WithLabelValues(c.channel)
	}
	c.dataBytesIn.Add(float64(bytes))
}

// Close removes every series of this channel. Later records are ignored.
func (c *ChannelMetrics) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	match := prometheus.Labels{"channel": c.channel}
	for _, vec := range []*prometheus.CounterVec{
		c.m.sendMessagesIn, c.m.sendBytesIn, c.m.sendMessagesOut, c.m.sendBytesOut,
		c.m.recvMessagesIn, c.m.recvBytesIn, c.m.recvMessagesOut, c.m.recvBytesOut,
		c.m.framesOut, c.m.framesIn, c.m.dataBytesOut, c.m.dataBytesIn,
	} {
		vec.DeletePartialMatch(match)
	}
	clear(c.streams)
	clear(c.framesOut)
	clear(c.framesIn)
	c.dataBytesOut, c.dataBytesIn = nil, nil
}

// StreamSnapshot is a point in time read of one stream's counters.
type StreamSnapshot struct {
	SendIn            uint64
	SendInBytes       uint64
	SendFinished      uint64
	SendFinishedBytes uint64
	SendDropped       uint64
	SendDroppedBytes  uint64
	RecvIn            uint64
	RecvInBytes       uint64
	RecvFinished      uint64
	RecvFinishedBytes uint64
	RecvDropped       uint64
	RecvDroppedBytes  uint64
}

func (c *ChannelMetrics) StreamSnapshot(sid protocol.Sid) StreamSnapshot {
	if c == nil {
		return StreamSnapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.streams[sid]
	if !ok {
		return StreamSnapshot{}
	}
	s := StreamSnapshot{
		SendIn:      counterValue(l.sendIn),
		SendInBytes: counterValue(l.sendInBytes),
		RecvIn:      counterValue(l.recvIn),
		RecvInBytes: counterValue(l.recvInBytes),
	}
	if pair, ok := l.sendOut[ReasonFinished]; ok {
		s.SendFinished, s.SendFinishedBytes = counterValue(pair[0]), counterValue(pair[1])
	}
	if pair, ok := l.sendOut[ReasonDropped]; ok {
		s.SendDropped, s.SendDroppedBytes = counterValue(pair[0]), counterValue(pair[1])
	}
	if pair, ok := l.recvOut[ReasonFinished]; ok {
		s.RecvFinished, s.RecvFinishedBytes = counterValue(pair[0]), counterValue(pair[1])
	}
	if pair, ok := l.recvOut[ReasonDropped]; ok {
		s.RecvDropped, s.RecvDroppedBytes = counterValue(pair[0]), counterValue(pair[1])
	}
	return s
}

// FrameSnapshot is a point in time read of the wire counters.
type FrameSnapshot struct {
	Out          map[string]uint64
	In           map[string]uint64
	DataBytesOut uint64
	DataBytesIn  uint64
}

func (c *ChannelMetrics) FrameSnapshot() FrameSnapshot {
	s := FrameSnapshot{Out: map[string]uint64{}, In: map[string]uint64{}}
	if c == nil {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return s
	}
	for kind, ctr := range c.framesOut {
		s.Out[kind] = counterValue(ctr)
	}
	for kind, ctr := range c.framesIn {
		s.In[kind] = counterValue(ctr)
	}
	if c.dataBytesOut != nil {
		s.DataBytesOut = counterValue(c.dataBytesOut)
	}
	if c.dataBytesIn != nil {
		s.DataBytesIn = counterValue(c.dataBytesIn)
	}
	return s
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
