package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/protocol/prio"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
)

const unlimited = protocol.Bandwidth(1 << 40)

func TestSendProtocolSingleMessageFlush(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, testMetrics(t, "single"))
	data := payload(600)

	open := protocol.OpenStream{Sid: 10, Prio: 9, Promises: protocol.PromiseOrdered | protocol.PromiseGuaranteedDelivery}
	if err := p.Send(open); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Send(protocol.Message{Sid: 10, Data: data}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if len(drain.sends) != 0 {
		t.Fatalf("Send must not write, got %d writes", len(drain.sends))
	}

	n, err := p.Flush(context.Background(), unlimited, time.Second)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 600 {
		t.Fatalf("flushed payload bytes=%d", n)
	}
	if len(drain.sends) != 1 {
		t.Fatalf("expected one drain call, got %d", len(drain.sends))
	}
	frames := decodeAll(t, drain.sends[0])
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %#v", len(frames), frames)
	}
	if got, ok := frames[0].(frame.OpenStream); !ok || got.Sid != 10 || got.Prio != 9 || got.Promises != open.Promises {
		t.Fatalf("frame0=%#v", frames[0])
	}
	if got, ok := frames[1].(frame.DataHeader); !ok || got != (frame.DataHeader{Mid: 0, Sid: 10, Length: 600}) {
		t.Fatalf("frame1=%#v", frames[1])
	}
	got, ok := frames[2].(frame.Data)
	if !ok || got.Mid != 0 || got.Start != 0 || !bytes.Equal(got.Data, data) {
		t.Fatalf("frame2=%#v", frames[2])
	}
}

func TestSendProtocolAssignsMidsInOrder(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	if err := p.Send(protocol.OpenStream{Sid: 1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Send(protocol.Message{Sid: 1, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	if _, err := p.Flush(context.Background(), unlimited, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var mids []protocol.Mid
	for _, f := range decodeAll(t, drain.all()) {
		if h, ok := f.(frame.DataHeader); ok {
			mids = append(mids, h.Mid)
		}
	}
	if len(mids) != 3 || mids[0] != 0 || mids[1] != 1 || mids[2] != 2 {
		t.Fatalf("mids=%v", mids)
	}
}

func TestSendProtocolLargeMessageThenClose(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	if err := p.Send(protocol.OpenStream{Sid: 4, Prio: 16}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Send(protocol.Message{Sid: 4, Data: payload(500_000)}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := p.Send(protocol.CloseStream{Sid: 4}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Flush(context.Background(), unlimited, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}

	frames := decodeAll(t, drain.all())
	wantData := (500_000 + prio.FragmentSize - 1) / prio.FragmentSize
	if len(frames) != 1+1+wantData+1 {
		t.Fatalf("frames=%d want %d", len(frames), 3+wantData)
	}
	if _, ok := frames[len(frames)-1].(frame.CloseStream); !ok {
		t.Fatalf("last frame=%#v", frames[len(frames)-1])
	}
	for _, f := range frames[2 : len(frames)-1] {
		if d, ok := f.(frame.Data); !ok || len(d.Data) > prio.FragmentSize {
			t.Fatalf("unexpected fragment %#v", f)
		}
	}
}

func TestSendProtocolHoldsCloseUntilDrained(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	if err := p.Send(protocol.OpenStream{Sid: 2}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Send(protocol.Message{Sid: 2, Data: payload(3000)}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := p.Send(protocol.CloseStream{Sid: 2}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Send(protocol.CloseStream{Sid: 2}); !errors.Is(err, protocol.ErrStreamClosing) {
		t.Fatalf("second close err=%v", err)
	}
	if err := p.Send(protocol.Message{Sid: 2, Data: []byte("late")}); !errors.Is(err, protocol.ErrStreamClosing) {
		t.Fatalf("message on closing stream err=%v", err)
	}

	// 1000 bytes per flush.
	var closedAt = -1
	var payloadSeen int
	for i := 0; i < 5; i++ {
		before := len(drain.sends)
		if _, err := p.Flush(context.Background(), 1000, time.Second); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
		if len(drain.sends) == before {
			continue
		}
		for _, f := range decodeAll(t, drain.sends[len(drain.sends)-1]) {
			switch f := f.(type) {
			case frame.Data:
				if closedAt >= 0 {
					t.Fatalf("data after close")
				}
				payloadSeen += len(f.Data)
			case frame.CloseStream:
				closedAt = i
			}
		}
	}
	if payloadSeen != 3000 {
		t.Fatalf("payload=%d", payloadSeen)
	}
	if closedAt != 2 {
		t.Fatalf("close written on flush %d, want 2", closedAt)
	}
	if err := p.Send(protocol.CloseStream{Sid: 2}); !errors.Is(err, protocol.ErrUnknownStream) {
		t.Fatalf("close after close err=%v", err)
	}
}

func TestSendProtocolShutdownIsLast(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	if err := p.Send(protocol.OpenStream{Sid: 8}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Send(protocol.Message{Sid: 8, Data: payload(2500)}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := p.Send(protocol.Shutdown{}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if p.State() != StatePendingShutdown {
		t.Fatalf("state=%s", p.State())
	}
	if err := p.Send(protocol.Message{Sid: 8, Data: []byte("x")}); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("send after shutdown err=%v", err)
	}

	for i := 0; i < 10 && p.State() != StateClosed; i++ {
		if _, err := p.Flush(context.Background(), 1000, time.Second); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	if p.State() != StateClosed {
		t.Fatalf("state=%s", p.State())
	}
	frames := decodeAll(t, drain.all())
	if _, ok := frames[len(frames)-1].(frame.Shutdown); !ok {
		t.Fatalf("last frame=%#v", frames[len(frames)-1])
	}
	var shutdowns, data int
	for _, f := range frames {
		switch f := f.(type) {
		case frame.Shutdown:
			shutdowns++
		case frame.Data:
			data += len(f.Data)
		}
	}
	if shutdowns != 1 || data != 2500 {
		t.Fatalf("shutdowns=%d data=%d", shutdowns, data)
	}
	if _, err := p.Flush(context.Background(), 1000, time.Second); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("flush after close err=%v", err)
	}
}

func TestSendProtocolShutdownWaitsForHeldClose(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	_ = p.Send(protocol.OpenStream{Sid: 1})
	_ = p.Send(protocol.Message{Sid: 1, Data: payload(1500)})
	_ = p.Send(protocol.CloseStream{Sid: 1})
	_ = p.Send(protocol.Shutdown{})

	if _, err := p.Flush(context.Background(), 1000, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if p.State() == StateClosed {
		t.Fatalf("closed before queue drained")
	}
	if _, err := p.Flush(context.Background(), 1000, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	frames := decodeAll(t, drain.sends[len(drain.sends)-1])
	if len(frames) < 2 {
		t.Fatalf("frames=%#v", frames)
	}
	if _, ok := frames[len(frames)-2].(frame.CloseStream); !ok {
		t.Fatalf("close must precede shutdown: %#v", frames)
	}
	if _, ok := frames[len(frames)-1].(frame.Shutdown); !ok {
		t.Fatalf("shutdown must be last: %#v", frames)
	}
}

func TestSendProtocolEmptyFlushSkipsDrain(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	if _, err := p.Flush(context.Background(), unlimited, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(drain.sends) != 0 {
		t.Fatalf("expected no drain call, got %d", len(drain.sends))
	}
}

func TestSendProtocolNotifyFromRecv(t *testing.T) {
	testlog.Start(t)
	drain := &recordDrain{}
	p := NewSendProtocol(drain, nil)
	remoteSid := protocol.StreamIDOffset2 + 1

	if err := p.Send(protocol.Message{Sid: remoteSid, Data: []byte("a")}); !errors.Is(err, protocol.ErrUnknownStream) {
		t.Fatalf("unknown sid err=%v", err)
	}
	p.NotifyFromRecv(protocol.OpenStream{Sid: remoteSid, Prio: 3})
	if err := p.Send(protocol.Message{Sid: remoteSid, Data: []byte("reply")}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	p.NotifyFromRecv(protocol.CloseStream{Sid: remoteSid})
	if err := p.Send(protocol.Message{Sid: remoteSid, Data: []byte("late")}); !errors.Is(err, protocol.ErrStreamClosing) {
		t.Fatalf("closing sid err=%v", err)
	}

	if _, err := p.Flush(context.Background(), unlimited, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, f := range decodeAll(t, drain.all()) {
		switch f.(type) {
		case frame.OpenStream, frame.CloseStream:
			t.Fatalf("remote stream changes must not be echoed: %#v", f)
		}
	}
	if err := p.Send(protocol.Message{Sid: remoteSid, Data: []byte("gone")}); !errors.Is(err, protocol.ErrUnknownStream) {
		t.Fatalf("retired sid err=%v", err)
	}
}

func TestSendProtocolDrainErrorCloses(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("broken pipe")
	drain := &recordDrain{err: cause}
	p := NewSendProtocol(drain, testMetrics(t, "drain-error"))
	_ = p.Send(protocol.OpenStream{Sid: 1})
	_ = p.Send(protocol.Message{Sid: 1, Data: payload(10)})

	_, err := p.Flush(context.Background(), unlimited, time.Second)
	if !errors.Is(err, protocol.ErrClosed) || !errors.Is(err, cause) {
		t.Fatalf("flush err=%v", err)
	}
	if p.State() != StateClosed {
		t.Fatalf("state=%s", p.State())
	}
	if err := p.Send(protocol.OpenStream{Sid: 2}); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("send after failure err=%v", err)
	}
}
