package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
)

type handshakeSide struct {
	send *SendProtocol[chanPipe]
	recv *RecvProtocol[chanPipe]
}

func newHandshakePair() (handshakeSide, handshakeSide, chanPipe, chanPipe) {
	ab, ba := newChanPipe(), newChanPipe()
	a := handshakeSide{send: NewSendProtocol(ab, nil), recv: NewRecvProtocol(ba, frame.Limits{}, nil)}
	b := handshakeSide{send: NewSendProtocol(ba, nil), recv: NewRecvProtocol(ab, frame.Limits{}, nil)}
	return a, b, ab, ba
}

func mustSecret(t *testing.T) protocol.Secret {
	t.Helper()
	s, err := protocol.NewSecret()
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	return s
}

func requireInitError(t *testing.T, err error, kind InitErrorKind) *InitError {
	t.Helper()
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitError, got %v", err)
	}
	if initErr.Kind != kind {
		t.Fatalf("init error kind: got=%s want=%s", initErr.Kind, kind)
	}
	return initErr
}

type handshakeResult struct {
	hs  Handshake
	err error
}

func TestInitializeSucceeds(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, b, _, _ := newHandshakePair()
	localA := Local{Pid: protocol.NewPid(), Secret: mustSecret(t), Initializer: true}
	localB := Local{Pid: protocol.NewPid(), Secret: mustSecret(t)}

	done := make(chan handshakeResult, 1)
	go func() {
		hs, err := Initialize(ctx, b.send, b.recv, localB)
		done <- handshakeResult{hs, err}
	}()
	hsA, err := Initialize(ctx, a.send, a.recv, localA)
	if err != nil {
		t.Fatalf("initializer: %v", err)
	}
	resB := <-done
	if resB.err != nil {
		t.Fatalf("responder: %v", resB.err)
	}

	wantA := Handshake{
		RemotePid:    localB.Pid,
		RemoteSecret: localB.Secret,
		LocalOffset:  protocol.StreamIDOffset1,
		RemoteOffset: protocol.StreamIDOffset2,
	}
	if hsA != wantA {
		t.Fatalf("initializer handshake:\n got=%+v\nwant=%+v", hsA, wantA)
	}
	wantB := Handshake{
		RemotePid:    localA.Pid,
		RemoteSecret: localA.Secret,
		LocalOffset:  protocol.StreamIDOffset2,
		RemoteOffset: protocol.StreamIDOffset1,
	}
	if resB.hs != wantB {
		t.Fatalf("responder handshake:\n got=%+v\nwant=%+v", resB.hs, wantB)
	}

	// The session continues on the same halves.
	if err := a.send.Send(protocol.OpenStream{Sid: hsA.LocalOffset + 1}); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := a.send.Flush(ctx, unlimited, time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	ev, err := b.recv.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if ev != (protocol.OpenStream{Sid: 1}) {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestInitializeWrongMagicSendsDiagnostics(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, b, ab, ba := newHandshakePair()

	bad := frame.Handshake{Magic: [7]byte{'N', 'O', 'T', 'G', 'A', 'M', 'E'}, Version: protocol.NetworkVersion}
	if err := ab.Send(ctx, frame.AppendInit(nil, bad)); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	_, err := Initialize(ctx, b.send, b.recv, Local{Pid: protocol.NewPid(), Diagnostics: true})
	initErr := requireInitError(t, err, InitWrongMagic)
	if initErr.Magic != bad.Magic {
		t.Fatalf("magic: got=%q want=%q", initErr.Magic[:], bad.Magic[:])
	}
	if !errors.Is(err, protocol.ErrViolated) {
		t.Fatalf("expected ErrViolated, got %v", err)
	}

	chunk, err := ba.Recv(ctx)
	if err != nil {
		t.Fatalf("recv diagnostics: %v", err)
	}
	f, _ := frame.DecodeInit(chunk)
	raw, ok := f.(frame.Raw)
	if !ok {
		t.Fatalf("expected raw diagnostics, got %#v", f)
	}
	if !strings.Contains(string(raw.Data), "magic number") {
		t.Fatalf("unexpected diagnostics %q", raw.Data)
	}
}

func TestInitializeWrongVersion(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, b, ab, ba := newHandshakePair()

	remote := protocol.NetworkVersion
	remote[0]++
	if err := ab.Send(ctx, frame.AppendInit(nil, frame.Handshake{Magic: protocol.MagicNumber, Version: remote})); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	_, err := Initialize(ctx, b.send, b.recv, Local{Diagnostics: false})
	initErr := requireInitError(t, err, InitWrongVersion)
	if initErr.Version != remote {
		t.Fatalf("version: got=%v want=%v", initErr.Version, remote)
	}
	if n := len(ba.ch); n != 0 {
		t.Fatalf("diagnostics disabled, found %d chunks", n)
	}
}

func TestInitializeOffsetConflict(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, b, ab, _ := newHandshakePair()

	wire := frame.AppendInit(nil, frame.Handshake{Magic: protocol.MagicNumber, Version: protocol.NetworkVersion})
	wire = frame.AppendInit(wire, frame.Init{Pid: protocol.NewPid(), StreamIDOffset: protocol.StreamIDOffset2})
	if err := ab.Send(ctx, wire); err != nil {
		t.Fatalf("send init: %v", err)
	}

	_, err := Initialize(ctx, b.send, b.recv, Local{Pid: protocol.NewPid()})
	requireInitError(t, err, InitOffsetConflict)
}

func TestInitializeReportsPeerRaw(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, _, _, ba := newHandshakePair()

	if err := ba.Send(ctx, frame.AppendInit(nil, frame.Raw{Data: []byte("go away")})); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	_, err := Initialize(ctx, a.send, a.recv, Local{Initializer: true})
	initErr := requireInitError(t, err, InitNotHandshake)
	if initErr.Raw != "go away" {
		t.Fatalf("raw: got=%q", initErr.Raw)
	}
	if !strings.Contains(err.Error(), "go away") {
		t.Fatalf("error should carry peer text: %v", err)
	}
}

func TestInitializeHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a, _, _, _ := newHandshakePair()
	_, err := Initialize(ctx, a.send, a.recv, Local{Initializer: true})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
