// ABOUTME: End-to-end tests running the fake node against an in-process relay
// ABOUTME: Covers tool invocation and transfers in both directions through the session loop

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/protocol"
)

// scriptedModel replays one reply per call and records the tool results it was shown.
type scriptedModel struct {
	mu      sync.Mutex
	replies []*llm.Message
	results []llm.Message
}

func (m *scriptedModel) Complete(_ context.Context, _ string, c llm.Context, _ llm.Options) (*llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last := c.Messages[len(c.Messages)-1]; last.Role == llm.RoleToolResult {
		m.results = append(m.results, last)
	}
	if len(m.replies) == 0 {
		return &llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: "done"}}, StopReason: llm.StopEnd}, nil
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

func (m *scriptedModel) toolResults() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.results...)
}

func callTool(id, name, args string) *llm.Message {
	return &llm.Message{
		Role:       llm.RoleAssistant,
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}},
		StopReason: llm.StopToolUse,
	}
}

func startRelay(t *testing.T, model llm.Completer) (*gateway.Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "state.db")
	cfg.Storage.Dir = filepath.Join(dir, "blobs")
	cfg.Auth.SharedSecret = "s3cret"
	cfg.Agent.ToolTimeout = 5 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.New(cfg, logger, gateway.WithCompleter(model))
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http") + gateway.WebSocketPath
}

func runNode(t *testing.T, gw *gateway.Gateway, url string, opts Options) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n := newNode(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() {
		defer close(done)
		_ = n.Run(ctx, url)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return gw.Router().NodeCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

// chatUntilFinal connects as a client, sends text, and waits for the final chat event.
func chatUntilFinal(t *testing.T, url, text string) protocol.ChatEventPayload {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	send := func(id, method string, params any) {
		req, err := protocol.NewRequest(id, method, params)
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(req))
	}
	send("1", protocol.MethodConnect, protocol.ConnectParams{
		Protocol: protocol.Version,
		Client:   protocol.ClientInfo{ID: "cli"},
		Mode:     protocol.ModeClient,
		Token:    "s3cret",
	})
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	chatSent := false
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		if frame.Response != nil {
			require.True(t, frame.Response.OK, "request %s failed: %v", frame.Response.ID, frame.Response.Error)
			if !chatSent {
				send("2", protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: "agent:main:main", Text: text})
				chatSent = true
			}
			continue
		}
		if frame.Event == nil || frame.Event.Event != protocol.EventChat {
			continue
		}
		var evt protocol.ChatEventPayload
		require.NoError(t, json.Unmarshal(frame.Event.Payload, &evt))
		switch evt.State {
		case protocol.ChatFinal:
			return evt
		case protocol.ChatError:
			t.Fatalf("chat failed: %s", evt.ErrorMessage)
		}
	}
}

func TestFakeNode_EchoTool(t *testing.T) {
	model := &scriptedModel{replies: []*llm.Message{
		callTool("call_1", "echo", `{"text":"ping"}`),
	}}
	gw, url := startRelay(t, model)
	runNode(t, gw, url, Options{ID: "laptop", Token: "s3cret", Root: t.TempDir()})

	chatUntilFinal(t, url, "echo ping")

	results := model.toolResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "echo: ping", results[0].Text())
}

func TestFakeNode_TransferRoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "in"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "in", "report.txt"), []byte("quarterly numbers"), 0o644))

	model := &scriptedModel{replies: []*llm.Message{
		callTool("call_up", "transfer", `{"source":{"node":"laptop","path":"in/report.txt"},"destination":{"key":"files/report.txt"}}`),
		callTool("call_down", "transfer", `{"source":{"key":"files/report.txt"},"destination":{"node":"laptop","path":"out/copy.txt"}}`),
	}}
	gw, url := startRelay(t, model)
	runNode(t, gw, url, Options{ID: "laptop", Token: "s3cret", Root: root})

	chatUntilFinal(t, url, "copy the report")

	results := model.toolResults()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.IsError, r.Text())
		assert.Contains(t, r.Text(), `"bytesTransferred":17`)
	}

	data, err := os.ReadFile(filepath.Join(root, "out", "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
}

func TestFakeNode_BadToken(t *testing.T) {
	_, url := startRelay(t, &scriptedModel{})
	n := newNode(Options{ID: "laptop", Token: "wrong"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.Run(ctx, url)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTool(t *testing.T) {
	res := runTool(protocol.ToolInvokePayload{CallID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)})
	assert.Equal(t, "c1", res.CallID)
	assert.JSONEq(t, `"echo: hi"`, string(res.Result))

	res = runTool(protocol.ToolInvokePayload{CallID: "c2", Name: "time"})
	assert.Contains(t, string(res.Result), `"time"`)

	res = runTool(protocol.ToolInvokePayload{CallID: "c3", Name: "echo", Args: json.RawMessage(`[`)})
	assert.Contains(t, res.Error, "invalid arguments")

	res = runTool(protocol.ToolInvokePayload{CallID: "c4", Name: "nope"})
	assert.Equal(t, `unknown tool "nope"`, res.Error)
}

func TestResolveStaysUnderRoot(t *testing.T) {
	n := newNode(Options{Root: "/srv/node"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "/srv/node/a/b.txt", n.resolve("a/b.txt"))
	assert.Equal(t, "/srv/node/etc/passwd", n.resolve("../../etc/passwd"))
	assert.Equal(t, "/srv/node/x", n.resolve("/x"))
}
