package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
	"github.com/danmuck/gamewire/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptOne(t *testing.T, ctx context.Context, ln Listener) <-chan Endpoint {
	t.Helper()
	out := make(chan Endpoint, 1)
	go func() {
		ep, err := ln.Accept(ctx)
		if err == nil {
			err = Secure(ctx, ep)
		}
		if err != nil {
			t.Logf("accept: %v", err)
			close(out)
			return
		}
		out <- ep
	}()
	return out
}

// exchange runs a full handshake and one message. The client starts first
// since some transports only surface the server end after the first write.
func exchange(t *testing.T, ctx context.Context, client Endpoint, server func() Endpoint) Endpoint {
	t.Helper()
	clientSend := session.NewSendProtocol(client, nil)
	clientRecv := session.NewRecvProtocol(client, frame.Limits{}, nil)
	clientDone := make(chan error, 1)
	go func() {
		_, err := session.Initialize(ctx, clientSend, clientRecv, session.Local{Pid: protocol.NewPid(), Initializer: true})
		clientDone <- err
	}()

	srv := server()
	require.NotNil(t, srv)
	serverSend := session.NewSendProtocol(srv, nil)
	serverRecv := session.NewRecvProtocol(srv, frame.Limits{}, nil)
	_, err := session.Initialize(ctx, serverSend, serverRecv, session.Local{Pid: protocol.NewPid()})
	require.NoError(t, err)
	require.NoError(t, <-clientDone)

	data := bytes.Repeat([]byte("gamewire"), 10_000)
	require.NoError(t, clientSend.Send(protocol.OpenStream{Sid: 1, Prio: 4}))
	require.NoError(t, clientSend.Send(protocol.Message{Sid: 1, Data: data}))
	_, err = clientSend.Flush(ctx, 1<<30, time.Second)
	require.NoError(t, err)

	ev, err := serverRecv.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpenStream{Sid: 1, Prio: 4}, ev)
	ev, err = serverRecv.Recv(ctx)
	require.NoError(t, err)
	msg, ok := ev.(protocol.Message)
	require.True(t, ok, "ev=%#v", ev)
	assert.Equal(t, data, msg.Data)
	return srv
}

func fixed(ep Endpoint) func() Endpoint {
	return func() Endpoint { return ep }
}

func fromChan(ch <-chan Endpoint) func() Endpoint {
	return func() Endpoint { return <-ch }
}

func TestTCPRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := ListenTCP("127.0.0.1:0", session.DefaultConfig())
	require.NoError(t, err)
	defer ln.Close()

	accepted := acceptOne(t, ctx, ln)
	client, err := DialTCP(ctx, ln.Addr().String(), session.DefaultConfig())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	assert.Equal(t, KindTCP, client.Kind())
	exchange(t, ctx, client, fixed(server))

	require.NoError(t, client.Close())
	_, err = server.Recv(ctx)
	assert.True(t, errors.Is(err, ErrClosed), "err=%v", err)
}

func TestTCPMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "gamewire-test-ca")
	serverTLS, clientTLS := ca.SessionTLS(t, "player-7", true)

	serverCfg := session.DefaultConfig()
	serverCfg.SecurityMode = session.SecurityModeProduction
	serverCfg.TLS = serverTLS
	ln, err := ListenTCP("127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, KindTLS, ln.Kind())

	clientCfg := session.DefaultConfig()
	clientCfg.SecurityMode = session.SecurityModeProduction
	clientCfg.TLS = clientTLS
	accepted := acceptOne(t, ctx, ln)
	client, err := DialTCP(ctx, ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, KindTLS, client.Kind())
	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	exchange(t, ctx, client, fixed(server))
	assert.Equal(t, "player-7", server.PeerIdentity())
	assert.Equal(t, "gamewire-server", client.PeerIdentity())
}

func TestTCPListenerAcceptHonorsContext(t *testing.T) {
	testlog.Start(t)
	ln, err := ListenTCP("127.0.0.1:0", session.DefaultConfig())
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamRecvHonorsContext(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	s := NewStream(a, StreamOptions{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialRejectsInsecureProduction(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	_, err := DialTCP(context.Background(), "127.0.0.1:1", cfg)
	assert.ErrorIs(t, err, session.ErrTLSRequired)
	_, err = ListenTCP("127.0.0.1:0", cfg)
	assert.ErrorIs(t, err, session.ErrTLSRequired)
}
