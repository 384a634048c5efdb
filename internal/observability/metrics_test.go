package observability

import (
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("wired-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordHandshake("wired-a", "tcp", "ok", 3*time.Millisecond)

	release := ConnectionOpened("wired-a", "tcp")
	if got := testutil.ToFloat64(connectionsActive.WithLabelValues("wired-a", "tcp")); got != 1 {
		t.Fatalf("expected one active connection, got %v", got)
	}
	release()
	release()
	if got := testutil.ToFloat64(connectionsActive.WithLabelValues("wired-a", "tcp")); got != 0 {
		t.Fatalf("release must be idempotent, got %v", got)
	}
}

func TestChannelMetricsCountsPerStream(t *testing.T) {
	testlog.Start(t)
	m, err := NewProtocolMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new protocol metrics: %v", err)
	}
	ch := m.Channel("conn-1")

	ch.SendMessageIn(10, 600)
	ch.SendMessageIn(10, 400)
	ch.SendMessageOut(10, ReasonFinished, 600)
	ch.SendMessageOut(10, ReasonDropped, 400)
	ch.RecvMessageIn(10, 600)
	ch.RecvMessageOut(10, ReasonFinished, 600)

	snap := ch.StreamSnapshot(10)
	want := StreamSnapshot{
		SendIn: 2, SendInBytes: 1000,
		SendFinished: 1, SendFinishedBytes: 600,
		SendDropped: 1, SendDroppedBytes: 400,
		RecvIn: 1, RecvInBytes: 600,
		RecvFinished: 1, RecvFinishedBytes: 600,
	}
	if snap != want {
		t.Fatalf("snapshot mismatch:\n got=%+v\nwant=%+v", snap, want)
	}
	if other := ch.StreamSnapshot(11); other != (StreamSnapshot{}) {
		t.Fatalf("unknown stream should be empty: %+v", other)
	}
}

func TestChannelMetricsFramesAndClose(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	m, err := NewProtocolMetrics(reg)
	if err != nil {
		t.Fatalf("new protocol metrics: %v", err)
	}
	ch := m.Channel("conn-2")
	ch.FramesOut("data", 3)
	ch.FrameIn("data_header")
	ch.DataBytesOut(4200)
	ch.DataBytesIn(10)

	fs := ch.FrameSnapshot()
	if fs.Out["data"] != 3 || fs.In["data_header"] != 1 || fs.DataBytesOut != 4200 || fs.DataBytesIn != 10 {
		t.Fatalf("unexpected frame snapshot: %+v", fs)
	}

	ch.Close()
	ch.FramesOut("data", 1)
	if n := testutil.CollectAndCount(m.framesOut); n != 0 {
		t.Fatalf("expected channel series removed, found %d", n)
	}
}

func TestFrameSnapshotAddsNoSeries(t *testing.T) {
	testlog.Start(t)
	m, err := NewProtocolMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new protocol metrics: %v", err)
	}
	ch := m.Channel("conn-3")
	ch.FramesOut("shutdown", 1)

	fs := ch.FrameSnapshot()
	if len(fs.In) != 0 || fs.Out["shutdown"] != 1 {
		t.Fatalf("unexpected frame snapshot: %+v", fs)
	}
	if n := testutil.CollectAndCount(m.framesIn); n != 0 {
		t.Fatalf("snapshot created %d inbound series", n)
	}
	if n := testutil.CollectAndCount(m.framesOut); n != 1 {
		t.Fatalf("expected one outbound series, found %d", n)
	}
	if n := testutil.CollectAndCount(m.dataBytesOut) + testutil.CollectAndCount(m.dataBytesIn); n != 0 {
		t.Fatalf("snapshot created %d data byte series", n)
	}
}

func TestNewProtocolMetricsReusesRegisteredVectors(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	a, err := NewProtocolMetrics(reg)
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	b, err := NewProtocolMetrics(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	a.Channel("x").SendMessageIn(1, 5)
	if got := b.Channel("x").m.sendMessagesIn; got != a.sendMessagesIn {
		t.Fatalf("expected shared vector")
	}
}

func TestNilChannelMetricsIsNoop(t *testing.T) {
	testlog.Start(t)
	var ch *ChannelMetrics
	ch.SendMessageIn(1, 1)
	ch.FramesOut("data", 1)
	ch.Close()
	if ch.StreamSnapshot(1) != (StreamSnapshot{}) {
		t.Fatalf("nil metrics should snapshot empty")
	}
}
