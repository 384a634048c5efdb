package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := ListenWebSocket("127.0.0.1:0", session.DefaultConfig())
	require.NoError(t, err)
	defer ln.Close()

	accepted := acceptOne(t, ctx, ln)
	client, err := DialWebSocket(ctx, ln.Addr().String(), session.DefaultConfig())
	require.NoError(t, err)
	defer client.Close()

	server := exchange(t, ctx, client, fromChan(accepted))
	defer server.Close()
	assert.Equal(t, KindWebSocket, server.Kind())
}

func TestWebSocketHandlerOnExistingServer(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handler := NewWebSocketHandler(session.DefaultConfig())
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	accepted := acceptOne(t, ctx, handler)
	url := "ws://" + strings.TrimPrefix(srv.URL, "http://") + WebSocketPath
	client, err := DialWebSocket(ctx, url, session.DefaultConfig())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	require.NotNil(t, server)
	require.NoError(t, client.Send(ctx, []byte("frame bytes")))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "frame bytes", string(got))

	require.NoError(t, client.Close())
	_, err = server.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketURL(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "ws://127.0.0.1:9000/ws", websocketURL("127.0.0.1:9000", false))
	assert.Equal(t, "wss://example.com:443/ws", websocketURL("example.com:443", true))
	assert.Equal(t, "ws://h/custom", websocketURL("ws://h/custom", true))
}
