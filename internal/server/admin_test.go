package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveJSON(t *testing.T, srv *Server, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body=%s", rec.Body.String())
	return rec.Code, body
}

func TestAdminHealthAndReady(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv, _ := startServer(t, Config{Name: "admin-test"})

	code, body := serveJSON(t, srv, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "admin-test", body["service"])

	// Ready is only reported by Run.
	code, body = serveJSON(t, srv, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["ready"])

	assert.Equal(t, "admin-test", srv.NodeID())
	assert.Equal(t, "server", srv.Kind())
}

func TestAdminHandlersListsActive(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv, _ := startServer(t, Config{Handler: "broadcast"})

	code, body := serveJSON(t, srv, http.MethodGet, "/handlers")
	require.Equal(t, http.StatusOK, code)
	list, ok := body["handlers"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	active := map[string]bool{}
	for _, entry := range list {
		h := entry.(map[string]any)
		active[h["name"].(string)] = h["active"].(bool)
	}
	assert.Equal(t, map[string]bool{"broadcast": true, "echo": false}, active)
}

func TestAdminConnsListAndAbort(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv, ln := startServer(t, Config{})
	client := dialClient(t, ln, protocol.Secret{})
	require.Eventually(t, func() bool { return len(srv.Conns()) == 1 }, time.Second, 5*time.Millisecond)

	code, body := serveJSON(t, srv, http.MethodGet, "/conns")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	id := srv.Conns()[0].ID

	code, body = serveJSON(t, srv, http.MethodGet, "/conns/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])

	code, _ = serveJSON(t, srv, http.MethodGet, "/conns/nope")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = serveJSON(t, srv, http.MethodDelete, "/conns/"+id)
	assert.Equal(t, http.StatusOK, code)
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not closed after admin abort")
	}
	require.Eventually(t, func() bool { return len(srv.Conns()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestAdminShutdownConn(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv, ln := startServer(t, Config{})
	client := dialClient(t, ln, protocol.Secret{})
	require.Eventually(t, func() bool { return len(srv.Conns()) == 1 }, time.Second, 5*time.Millisecond)
	id := srv.Conns()[0].ID

	// The client answers the server's Shutdown with its own.
	go func() {
		for ev := range client.Events() {
			if _, ok := ev.(protocol.Shutdown); ok {
				_ = client.Shutdown(t.Context())
				return
			}
		}
	}()
	code, body := serveJSON(t, srv, http.MethodPost, "/conns/"+id+"/shutdown")
	assert.Equal(t, http.StatusOK, code, "body=%v", body)
	<-client.Done()
	assert.NoError(t, client.Err())
}
