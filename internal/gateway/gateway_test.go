// ABOUTME: Tests for the Gateway orchestrator
// ABOUTME: Runs the full HTTP surface against SQLite and miniredis state stores

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/protocol"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.HTTPAddr = addr
	cfg.Database.Path = filepath.Join(dir, "state.db")
	cfg.Storage.Dir = filepath.Join(dir, "blobs")
	cfg.Auth.SharedSecret = ""
	cfg.Agent.ToolTimeout = 2 * time.Second
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoCompleter() llm.Completer {
	return llm.CompleterFunc(func(_ context.Context, _ string, c llm.Context, _ llm.Options) (*llm.Message, error) {
		last := c.Messages[len(c.Messages)-1]
		return &llm.Message{
			Role:       llm.RoleAssistant,
			Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: "you said: " + last.Text()}},
			StopReason: llm.StopEnd,
		}, nil
	})
}

func startGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(cfg, testLogger(), WithCompleter(echoCompleter()))
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func request(t *testing.T, ws *websocket.Conn, id, method string, params any) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(req))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		if frame.Response != nil && frame.Response.ID == id {
			return frame.Response
		}
	}
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger(), WithCompleter(echoCompleter()))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.Router())
	assert.NotNil(t, gw.Sessions())
}

func TestGatewayNew_BadStoragePath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Storage.Dir = filepath.Join(blocker, "blobs")

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob storage")
}

func TestHealthAndReadiness(t *testing.T) {
	_, srv := startGateway(t, testConfig(t))

	code, body := getBody(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = getBody(t, srv.URL+"/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "no nodes connected", body)

	ws := dialWS(t, srv)
	resp := request(t, ws, "1", protocol.MethodConnect, protocol.ConnectParams{
		Protocol: protocol.Version,
		Client:   protocol.ClientInfo{ID: "laptop"},
		Mode:     protocol.ModeNode,
		Tools:    []protocol.ToolDefinition{{Name: "echo"}},
	})
	require.True(t, resp.OK)

	code, body = getBody(t, srv.URL+"/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready (1 nodes)", body)

	code, body = getBody(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "coven_relay_connections_active")
}

func TestMetricsRequireBearerWhenSecretSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SharedSecret = "s3cret"
	_, srv := startGateway(t, cfg)

	code, _ := getBody(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = getBody(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatOverWebsocket(t *testing.T) {
	_, srv := startGateway(t, testConfig(t))

	ws := dialWS(t, srv)
	resp := request(t, ws, "1", protocol.MethodConnect, protocol.ConnectParams{
		Protocol: protocol.Version,
		Client:   protocol.ClientInfo{ID: "cli"},
		Mode:     protocol.ModeClient,
	})
	require.True(t, resp.OK)

	req, err := protocol.NewRequest("2", protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: "agent:main:main", Text: "ping"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(req))

	// The final event may arrive before or after the chat.send response.
	var acked bool
	var reply string
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for !acked || reply == "" {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		switch {
		case frame.Response != nil && frame.Response.ID == "2":
			require.True(t, frame.Response.OK, "%+v", frame.Response.Error)
			acked = true
		case frame.Event != nil && frame.Event.Event == protocol.EventChat:
			var p protocol.ChatEventPayload
			require.NoError(t, json.Unmarshal(frame.Event.Payload, &p))
			if p.State != protocol.ChatFinal {
				continue
			}
			var msg llm.Message
			require.NoError(t, json.Unmarshal(p.Message, &msg))
			reply = msg.Text()
		}
	}
	assert.Equal(t, "you said: ping", reply)
}

func TestRedisStateStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverRedis
	cfg.Redis.Addr = mr.Addr()

	gw, srv := startGateway(t, cfg)
	ws := dialWS(t, srv)
	resp := request(t, ws, "1", protocol.MethodConnect, protocol.ConnectParams{
		Protocol: protocol.Version,
		Client:   protocol.ClientInfo{ID: "cli"},
		Mode:     protocol.ModeClient,
	})
	require.True(t, resp.OK)

	resp = request(t, ws, "2", protocol.MethodConfigSet, protocol.ConfigSetParams{Key: "model", Value: "redis-model"})
	require.True(t, resp.OK, "%+v", resp.Error)

	value, err := gw.store.GetConfig(context.Background(), "model")
	require.NoError(t, err)
	assert.Equal(t, "redis-model", value)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger(), WithCompleter(echoCompleter()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	// A second shutdown reports the same result.
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestGatewayRun_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := New(cfg, testLogger(), WithCompleter(echoCompleter()))
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, filepath.Join("coven-relay", "tailscale"))
}
