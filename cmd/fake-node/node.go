// ABOUTME: Fake node client: handshake, tool.invoke handling, and both directions of file transfer.
// ABOUTME: One read loop dispatches frames; requests to the relay run on their own goroutines.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/protocol"
)

const requestTimeout = 10 * time.Second

var errConnectionClosed = errors.New("connection closed")

// Options configures a fake node.
type Options struct {
	ID    string
	Name  string
	Token string
	Root  string
}

type node struct {
	opts   Options
	logger *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[string]chan *protocol.Response
	incoming map[string]*os.File
	closed   bool
}

func newNode(opts Options, logger *slog.Logger) *node {
	return &node{
		opts:     opts,
		logger:   logger.With("component", "fake-node", "node_id", opts.ID),
		pending:  make(map[string]chan *protocol.Response),
		incoming: make(map[string]*os.File),
	}
}

func tools() []protocol.ToolDefinition {
	return []protocol.ToolDefinition{
		{
			Name:        "echo",
			Description: "Echo the given text back",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		{
			Name:        "time",
			Description: "Current time on the node",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}
}

// Run connects to url and serves until ctx is canceled or the connection drops.
func (n *node) Run(ctx context.Context, url string) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	n.ws = ws

	readErr := make(chan error, 1)
	go func() { readErr <- n.readLoop() }()

	resp, err := n.call(ctx, protocol.MethodConnect, protocol.ConnectParams{
		Protocol: protocol.Version,
		Client:   protocol.ClientInfo{ID: n.opts.ID, Name: n.opts.Name, Platform: "test"},
		Mode:     protocol.ModeNode,
		Tools:    tools(),
		Token:    n.opts.Token,
	})
	if err == nil {
		err = rejected(resp)
	}
	if err != nil {
		ws.Close()
		<-readErr
		return fmt.Errorf("connect: %w", err)
	}
	var hello protocol.HelloPayload
	_ = json.Unmarshal(resp.Payload, &hello)
	n.logger.Info("connected", "server_id", hello.ServerID, "connection_id", hello.ConnectionID)

	select {
	case <-ctx.Done():
		n.writeMu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		n.writeMu.Unlock()
		ws.Close()
		<-readErr
		return ctx.Err()
	case err := <-readErr:
		ws.Close()
		return err
	}
}

func (n *node) readLoop() error {
	defer n.shutdown()
	for {
		kind, data, err := n.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if kind == websocket.BinaryMessage {
			n.handleChunk(data)
			continue
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			n.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch {
		case frame.Response != nil:
			n.deliver(frame.Response)
		case frame.Event != nil:
			n.handleEvent(frame.Event)
		}
	}
}

func (n *node) shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.pending {
		close(ch)
		delete(n.pending, id)
	}
	for id, f := range n.incoming {
		f.Close()
		delete(n.incoming, id)
	}
}

func (n *node) deliver(resp *protocol.Response) {
	n.mu.Lock()
	ch, ok := n.pending[resp.ID]
	delete(n.pending, resp.ID)
	n.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (n *node) write(kind int, data []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.ws.WriteMessage(kind, data)
}

// call sends a request and waits for its response.
func (n *node) call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := fmt.Sprintf("n%d", n.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, errConnectionClosed
	}
	n.pending[id] = ch
	n.mu.Unlock()

	if err := n.write(websocket.TextMessage, data); err != nil {
		n.mu.Lock()
		delete(n.pending, id)
		n.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pending, id)
		n.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a request whose failure is only logged.
func (n *node) notify(method string, params any) {
	resp, err := n.call(context.Background(), method, params)
	switch {
	case err != nil:
		n.logger.Warn("request failed", "method", method, "error", err)
	case !resp.OK:
		n.logger.Warn("request rejected", "method", method, "error", rejected(resp))
	}
}

// rejected converts a failed response into an error.
func rejected(resp *protocol.Response) error {
	if resp.OK {
		return nil
	}
	if resp.Error == nil {
		return errors.New("request failed")
	}
	return resp.Error
}

func (n *node) handleEvent(evt *protocol.Event) {
	switch evt.Event {
	case protocol.EventToolInvoke:
		var p protocol.ToolInvokePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			n.logger.Warn("bad tool.invoke payload", "error", err)
			return
		}
		go n.notify(protocol.MethodToolResult, runTool(p))

	case protocol.EventTransferSend:
		var p protocol.TransferSendPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			n.logger.Warn("bad transfer.send payload", "error", err)
			return
		}
		go n.sendFile(p)

	case protocol.EventTransferReceive:
		var p protocol.TransferReceivePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			n.logger.Warn("bad transfer.receive payload", "error", err)
			return
		}
		// The file must be registered before accepting: chunks follow the accept response.
		if err := n.openIncoming(p); err != nil {
			go n.notify(protocol.MethodTransferError, protocol.TransferErrorParams{TransferID: p.TransferID, Error: err.Error()})
			return
		}
		go n.notify(protocol.MethodTransferAccept, protocol.TransferIDParams{TransferID: p.TransferID})

	case protocol.EventTransferEnd:
		var p protocol.TransferEndPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			n.logger.Warn("bad transfer.end payload", "error", err)
			return
		}
		n.mu.Lock()
		f, ok := n.incoming[p.TransferID]
		delete(n.incoming, p.TransferID)
		n.mu.Unlock()
		if !ok {
			return
		}
		if err := f.Close(); err != nil {
			go n.notify(protocol.MethodTransferError, protocol.TransferErrorParams{TransferID: p.TransferID, Error: err.Error()})
			return
		}
		n.logger.Info("transfer received", "transfer_id", p.TransferID, "path", f.Name())
		go n.notify(protocol.MethodTransferDone, protocol.TransferIDParams{TransferID: p.TransferID})

	default:
		n.logger.Debug("ignoring event", "event", evt.Event)
	}
}

func runTool(p protocol.ToolInvokePayload) protocol.ToolResultParams {
	res := protocol.ToolResultParams{CallID: p.CallID}
	switch p.Name {
	case "echo":
		var args struct {
			Text string `json:"text"`
		}
		if len(p.Args) > 0 {
			if err := json.Unmarshal(p.Args, &args); err != nil {
				res.Error = fmt.Sprintf("invalid arguments: %v", err)
				return res
			}
		}
		res.Result, _ = json.Marshal("echo: " + args.Text)
	case "time":
		res.Result, _ = json.Marshal(map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
	default:
		res.Error = fmt.Sprintf("unknown tool %q", p.Name)
	}
	return res
}

// resolve maps a transfer path into the node's root directory.
func (n *node) resolve(p string) string {
	return filepath.Join(n.opts.Root, filepath.Clean("/"+p))
}

func (n *node) openIncoming(p protocol.TransferReceivePayload) error {
	path := n.resolve(p.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.incoming[p.TransferID] = f
	n.mu.Unlock()
	return nil
}

func (n *node) handleChunk(msg []byte) {
	id, data, err := protocol.DecodeChunk(msg)
	if err != nil {
		n.logger.Warn("dropping malformed chunk", "error", err)
		return
	}
	n.mu.Lock()
	f, ok := n.incoming[id]
	n.mu.Unlock()
	if !ok {
		n.logger.Warn("chunk for unknown transfer", "transfer_id", id)
		return
	}
	if _, err := f.Write(data); err != nil {
		n.logger.Warn("writing chunk", "transfer_id", id, "error", err)
	}
}

func (n *node) sendFile(p protocol.TransferSendPayload) {
	if err := n.streamFile(p); err != nil {
		n.logger.Warn("transfer send failed", "transfer_id", p.TransferID, "error", err)
		n.notify(protocol.MethodTransferError, protocol.TransferErrorParams{TransferID: p.TransferID, Error: err.Error()})
	}
}

func (n *node) streamFile(p protocol.TransferSendPayload) error {
	f, err := os.Open(n.resolve(p.Path))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	resp, err := n.call(context.Background(), protocol.MethodTransferMeta, protocol.TransferMetaParams{
		TransferID: p.TransferID,
		Size:       info.Size(),
		Mime:       mime.TypeByExtension(filepath.Ext(p.Path)),
	})
	if err != nil {
		return err
	}
	if err := rejected(resp); err != nil {
		return err
	}

	buf := make([]byte, protocol.MaxChunkSize)
	for {
		k, err := f.Read(buf)
		if k > 0 {
			chunk, cerr := protocol.EncodeChunk(p.TransferID, buf[:k])
			if cerr != nil {
				return cerr
			}
			if werr := n.write(websocket.BinaryMessage, chunk); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	resp, err = n.call(context.Background(), protocol.MethodTransferDone, protocol.TransferIDParams{TransferID: p.TransferID})
	if err != nil {
		return err
	}
	if err := rejected(resp); err != nil {
		return err
	}
	n.logger.Info("transfer sent", "transfer_id", p.TransferID, "bytes", info.Size())
	return nil
}
