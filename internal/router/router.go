// ABOUTME: Router accepts websocket connections, runs the connect handshake, and dispatches frames.
// ABOUTME: Implements the session dispatcher and broadcaster and the transfer node sender.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transfer"
)

// errDeferred marks a request whose response is sent later.
var errDeferred = errors.New("response deferred")

// ErrDuplicateConnection indicates a node id or channel account that is already connected.
var ErrDuplicateConnection = errors.New("already connected")

// Config holds router settings.
type Config struct {
	ServerID        string
	AgentID         string
	ToolTimeout     time.Duration
	TransferTimeout time.Duration
	SendBuffer      int
	MaxMessageSize  int64
	// FrameRate limits inbound frames per second per connection; zero disables the limit.
	FrameRate  float64
	FrameBurst int
	DedupeTTL  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServerID == "" {
		c.ServerID = "coven-relay"
	}
	if c.AgentID == "" {
		c.AgentID = "main"
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 100
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = dedupe.DefaultWindow
	}
}

// ConfigStore persists runtime settings changed through config.set.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	ListConfig(ctx context.Context) (map[string]string, error)
}

// Deps are the collaborators a Router needs.
type Deps struct {
	Sessions *session.Manager
	Settings ConfigStore
	Blobs    blob.Store
	Auth     *auth.Authenticator
	Logger   *slog.Logger
}

type channelTarget struct {
	channel   string
	accountID string
	peerID    string
	replyTo   string
}

// Router coordinates every connection.
type Router struct {
	cfg       Config
	sessions  *session.Manager
	settings  ConfigStore
	auth      *auth.Authenticator
	logger    *slog.Logger
	tools     *Registry
	calls     *pendingTable
	transfers *transfer.Streamer
	seen      *dedupe.Seen
	upgrader  websocket.Upgrader
	handlers  map[string]handler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	conns    map[string]*Conn
	nodes    map[string]*Conn
	channels map[string]*Conn

	targetsMu sync.Mutex
	targets   map[string]channelTarget // by run id
}

// New creates a router and attaches it to the session manager.
func New(cfg Config, deps Deps) *Router {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")
	if deps.Auth == nil {
		deps.Auth = auth.NewAuthenticator("")
	}
	if deps.Blobs == nil {
		deps.Blobs = blob.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		sessions: deps.Sessions,
		settings: deps.Settings,
		auth:     deps.Auth,
		logger:   logger,
		tools:    NewRegistry(logger),
		calls:    newPendingTable(),
		seen:     dedupe.New(cfg.DedupeTTL, dedupe.DefaultCapacity),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
		nodes:    make(map[string]*Conn),
		channels: make(map[string]*Conn),
		targets:  make(map[string]channelTarget),
	}
	var reporter transfer.Reporter
	if deps.Sessions != nil {
		reporter = deps.Sessions
		deps.Sessions.Attach(r, r)
	}
	r.transfers = transfer.NewStreamer(r, deps.Blobs, reporter, cfg.TransferTimeout, logger)
	r.tools.RegisterBuiltin(transferTool)
	r.handlers = r.buildHandlers()
	return r
}

// Start applies runtime settings persisted by earlier config.set calls.
func (r *Router) Start(ctx context.Context) error {
	if r.settings == nil || r.sessions == nil {
		return nil
	}
	values, err := r.settings.ListConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading runtime config: %w", err)
	}
	r.sessions.SetDefaults(values[ConfigModel], values[ConfigReasoning])
	if len(values) > 0 {
		r.logger.Info("runtime config restored", "keys", len(values))
	}
	return nil
}

// Close disconnects every peer and fails in-flight transfers.
func (r *Router) Close() {
	r.cancel()
	r.transfers.Close()

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	r.logger.Info("router closed", "connections", len(conns), "pending_calls", r.calls.len())
}

// ServeHTTP upgrades the request to a websocket and serves it until it closes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.New().String(), ws, r.cfg, r.logger)
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	r.logger.Debug("connection opened", "connection_id", c.ID, "remote_addr", req.RemoteAddr)

	go c.writePump()
	r.readLoop(c)
	r.disconnect(c)
}

func (r *Router) readLoop(c *Conn) {
	c.prepareRead(r.cfg.MaxMessageSize)
	for {
		typ, data, err := c.readMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ == websocket.BinaryMessage {
			r.handleBinary(c, data)
			continue
		}
		if !r.handleText(c, data) {
			return
		}
	}
}

// handleText processes one text frame and reports whether to keep reading.
func (r *Router) handleText(c *Conn, data []byte) bool {
	frame, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordFrame("invalid", false)
		c.respondError("", protocol.NewError(protocol.CodeInvalidRequest, "%v", err))
		return true
	}
	req := frame.Request
	if req == nil {
		c.logger.Debug("ignoring non-request frame")
		return true
	}

	if req.Method == protocol.MethodConnect {
		return r.handleConnect(c, req)
	}

	mode := c.Mode()
	if mode == "" {
		metrics.RecordFrame(req.Method, false)
		c.respondError(req.ID, protocol.NewError(protocol.CodeInvalidRequest, "connect required before %s", req.Method))
		return true
	}

	h, ok := r.handlers[req.Method]
	if !ok {
		metrics.RecordFrame("unknown", false)
		c.respondError(req.ID, protocol.NewError(protocol.CodeUnknownMethod, "unknown method %s", req.Method))
		return true
	}
	if !h.allows(mode) {
		metrics.RecordFrame(req.Method, false)
		c.respondError(req.ID, protocol.NewError(protocol.CodeInvalidRequest, "%s is not available to %s connections", req.Method, mode))
		return true
	}

	payload, err := h.fn(c.ctx, c, req)
	switch {
	case errors.Is(err, errDeferred):
		metrics.RecordFrame(req.Method, true)
	case err != nil:
		metrics.RecordFrame(req.Method, false)
		perr := toProtocolError(err)
		if perr.Code == protocol.CodeInternal {
			c.logger.Error("request failed", "method", req.Method, "error", err)
		}
		c.respondError(req.ID, perr)
	default:
		metrics.RecordFrame(req.Method, true)
		c.respond(req.ID, payload)
	}
	return true
}

func (r *Router) handleConnect(c *Conn, req *protocol.Request) bool {
	if c.Mode() != "" {
		c.respondError(req.ID, protocol.NewError(protocol.CodeInvalidRequest, "already connected"))
		return true
	}

	var p protocol.ConnectParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		c.respondError(req.ID, protocol.AsError(err))
		return true
	}
	if p.Protocol != protocol.Version {
		metrics.RecordFrame(req.Method, false)
		c.respondError(req.ID, protocol.NewError(protocol.CodeUnsupportedProtocol,
			"server speaks protocol %d, client requested %d", protocol.Version, p.Protocol))
		return true
	}

	subject, err := r.auth.Admit(p.Token, p.Mode)
	if err != nil {
		metrics.RecordFrame(req.Method, false)
		c.logger.Warn("connect rejected", "client_id", p.Client.ID, "mode", p.Mode, "error", err)
		c.respondError(req.ID, protocol.NewError(protocol.CodeUnauthorized, "invalid or missing token"))
		c.closeAfterFlush("unauthorized")
		return false
	}

	if err := validateConnect(p); err != nil {
		metrics.RecordFrame(req.Method, false)
		c.respondError(req.ID, protocol.AsError(err))
		return true
	}
	if err := r.attach(c, p, subject); err != nil {
		metrics.RecordFrame(req.Method, false)
		c.respondError(req.ID, protocol.NewError(protocol.CodeInvalidRequest, "%v", err))
		return true
	}

	metrics.RecordFrame(req.Method, true)
	c.respond(req.ID, protocol.HelloPayload{
		Protocol:     protocol.Version,
		ServerID:     r.cfg.ServerID,
		ConnectionID: c.ID,
	})
	return true
}

func validateConnect(p protocol.ConnectParams) error {
	switch p.Mode {
	case protocol.ModeClient:
		return nil
	case protocol.ModeNode:
		switch {
		case p.Client.ID == "":
			return protocol.NewError(protocol.CodeInvalidRequest, "node connections require client.id")
		case p.Client.ID == BuiltinNodeID || strings.Contains(p.Client.ID, NamespaceSep):
			return protocol.NewError(protocol.CodeInvalidRequest, "node id %q is reserved", p.Client.ID)
		}
		return nil
	case protocol.ModeChannel:
		if p.Channel == "" || p.AccountID == "" {
			return protocol.NewError(protocol.CodeInvalidRequest, "channel connections require channel and accountId")
		}
		return nil
	default:
		return protocol.NewError(protocol.CodeInvalidRequest, "unknown mode %q", p.Mode)
	}
}

// attach records a connected peer under its identity.
func (r *Router) attach(c *Conn, p protocol.ConnectParams, subject string) error {
	r.mu.Lock()
	switch p.Mode {
	case protocol.ModeNode:
		if _, exists := r.nodes[p.Client.ID]; exists {
			r.mu.Unlock()
			return fmt.Errorf("node %s %w", p.Client.ID, ErrDuplicateConnection)
		}
		c.identify(p, subject)
		r.nodes[p.Client.ID] = c
	case protocol.ModeChannel:
		key := channelKey(p.Channel, p.AccountID)
		if _, exists := r.channels[key]; exists {
			r.mu.Unlock()
			return fmt.Errorf("channel %s %w", key, ErrDuplicateConnection)
		}
		c.identify(p, subject)
		r.channels[key] = c
	default:
		c.identify(p, subject)
	}
	r.updateConnectionMetricsLocked()
	total := len(r.conns)
	r.mu.Unlock()

	switch p.Mode {
	case protocol.ModeNode:
		r.tools.SetNodeTools(p.Client.ID, p.Tools)
		r.logger.Info("=== NODE CONNECTED ===",
			"node_id", p.Client.ID,
			"name", p.Client.Name,
			"platform", p.Client.Platform,
			"tool_count", len(p.Tools),
			"total_connections", total,
		)
	case protocol.ModeChannel:
		r.logger.Info("=== CHANNEL CONNECTED ===",
			"channel", p.Channel,
			"account_id", p.AccountID,
			"total_connections", total,
		)
	default:
		r.logger.Info("client connected",
			"connection_id", c.ID,
			"client_id", p.Client.ID,
			"subject", subject,
			"total_connections", total,
		)
	}
	return nil
}

// disconnect removes a peer and fails everything that depended on it.
func (r *Router) disconnect(c *Conn) {
	c.Close()
	mode := c.Mode()
	nodeID := c.NodeID()

	r.mu.Lock()
	delete(r.conns, c.ID)
	switch mode {
	case protocol.ModeNode:
		if r.nodes[nodeID] == c {
			delete(r.nodes, nodeID)
		}
	case protocol.ModeChannel:
		if key := c.ChannelKey(); r.channels[key] == c {
			delete(r.channels, key)
		}
	}
	r.updateConnectionMetricsLocked()
	r.mu.Unlock()

	switch mode {
	case protocol.ModeNode:
		r.tools.RemoveNode(nodeID)
		failed := r.calls.takeIf(func(pc *pendingCall) bool { return pc.nodeID == nodeID })
		for _, pc := range failed {
			r.failCall(pc, protocol.NewError(protocol.CodeNodeUnavailable, "node disconnected"))
		}
		r.transfers.NodeDisconnected(nodeID)
		r.logger.Info("=== NODE DISCONNECTED ===", "node_id", nodeID, "failed_calls", len(failed))
	case protocol.ModeChannel:
		r.logger.Info("=== CHANNEL DISCONNECTED ===", "channel", c.ChannelKey())
	default:
		// Nobody is left to answer.
		dropped := r.calls.takeIf(func(pc *pendingCall) bool { return pc.kind == callClient && pc.conn == c })
		r.logger.Debug("connection closed", "connection_id", c.ID, "dropped_calls", len(dropped))
	}
}

func (r *Router) updateConnectionMetricsLocked() {
	counts := map[string]int{protocol.ModeClient: 0, protocol.ModeNode: 0, protocol.ModeChannel: 0}
	for _, c := range r.conns {
		if m := c.Mode(); m != "" {
			counts[m]++
		}
	}
	for mode, n := range counts {
		metrics.SetConnections(mode, n)
	}
}

func (r *Router) handleBinary(c *Conn, data []byte) {
	if c.Mode() != protocol.ModeNode {
		c.logger.Warn("dropping binary frame from non-node connection", "mode", c.Mode())
		return
	}
	r.transfers.Chunk(c.NodeID(), data)
}

func (r *Router) node(nodeID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[nodeID]
}

// SendEvent delivers an event to a connected node.
func (r *Router) SendEvent(nodeID, event string, payload any) error {
	c := r.node(nodeID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, nodeID)
	}
	return c.SendEvent(event, payload)
}

// SendBinary delivers a binary chunk to a connected node.
func (r *Router) SendBinary(nodeID string, data []byte) error {
	c := r.node(nodeID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, nodeID)
	}
	return c.SendBinary(data)
}

// NodeCount returns the number of connected nodes.
func (r *Router) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Channels lists connected channel bridges.
func (r *Router) Channels() []protocol.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ChannelInfo, 0, len(r.channels))
	for _, c := range r.channels {
		c.mu.RLock()
		out = append(out, protocol.ChannelInfo{
			Channel:      c.channel,
			AccountID:    c.accountID,
			ConnectionID: c.ID,
			ConnectedAt:  c.ConnectedAt.UnixMilli(),
		})
		c.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return channelKey(out[i].Channel, out[i].AccountID) < channelKey(out[j].Channel, out[j].AccountID)
	})
	return out
}

// DispatchTool sends a session's tool call to the node that owns it.
func (r *Router) DispatchTool(ctx context.Context, sessionKey string, call llm.ToolCall, route session.ToolRoute) error {
	if route.NodeID == "" {
		resolved, _, err := r.tools.Resolve(firstNonEmpty(route.Tool, call.Name))
		if err != nil {
			return err
		}
		route = resolved
	}
	if route.NodeID == BuiltinNodeID {
		return r.runBuiltin(ctx, sessionKey, call, route.Tool)
	}

	pc := &pendingCall{
		id:            uuid.New().String(),
		kind:          callSession,
		nodeID:        route.NodeID,
		tool:          route.Tool,
		sessionKey:    sessionKey,
		sessionCallID: call.ID,
	}
	return r.invoke(pc, call.Args, r.cfg.ToolTimeout)
}

// invoke records pc and sends the tool.invoke event to its node.
func (r *Router) invoke(pc *pendingCall, args json.RawMessage, timeout time.Duration) error {
	node := r.node(pc.nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, pc.nodeID)
	}
	if err := r.calls.add(pc, timeout, r.expireCall); err != nil {
		return err
	}
	err := node.SendEvent(protocol.EventToolInvoke, protocol.ToolInvokePayload{
		CallID: pc.id,
		Name:   pc.tool,
		Args:   args,
	})
	if err != nil {
		r.calls.take(pc.id)
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	r.logger.Info("→ tool routed to node",
		"tool", pc.tool,
		"node_id", pc.nodeID,
		"call_id", pc.id,
		"session_key", pc.sessionKey,
	)
	return nil
}

func (r *Router) expireCall(pc *pendingCall) {
	metrics.RecordToolCall(pc.tool, false)
	if pc.kind == callSession {
		// The session's own tool timeout produces the error result.
		r.logger.Debug("session tool call expired", "call_id", pc.id, "session_key", pc.sessionKey)
		return
	}
	r.failCall(pc, protocol.NewError(protocol.CodeInternal, "tool call timed out after %s", time.Since(pc.sentAt).Round(time.Millisecond)))
}

// deliver hands a node's tool result to whoever is waiting for it.
func (r *Router) deliver(pc *pendingCall, result json.RawMessage, errText string) {
	switch pc.kind {
	case callClient:
		pc.conn.respond(pc.requestID, protocol.ToolResultParams{CallID: pc.id, Result: result, Error: errText})
	case callSession:
		if err := r.sessions.ToolResult(r.ctx, pc.sessionKey, pc.sessionCallID, result, errText); err != nil {
			r.logger.Error("forwarding tool result", "session_key", pc.sessionKey, "call_id", pc.sessionCallID, "error", err)
		}
	}
}

// failCall reports a router-side failure for a pending call.
func (r *Router) failCall(pc *pendingCall, perr *protocol.Error) {
	switch pc.kind {
	case callClient:
		pc.conn.respondError(pc.requestID, perr)
	case callSession:
		if err := r.sessions.ToolResult(r.ctx, pc.sessionKey, pc.sessionCallID, nil, perr.Message); err != nil {
			r.logger.Error("forwarding tool failure", "session_key", pc.sessionKey, "call_id", pc.sessionCallID, "error", err)
		}
	}
}

// Broadcast fans a session event out to clients and, for final answers, to the
// channel the session's last inbound message came from.
func (r *Router) Broadcast(ev session.Event) {
	payload := protocol.ChatEventPayload{
		RunID:        ev.RunID,
		SessionKey:   ev.SessionKey,
		State:        ev.State,
		ErrorMessage: ev.ErrorMessage,
	}
	if ev.Message != nil {
		raw, err := json.Marshal(ev.Message)
		if err != nil {
			r.logger.Error("encoding chat event message", "error", err)
		} else {
			payload.Message = raw
		}
	}
	evt, err := protocol.NewEvent(protocol.EventChat, payload)
	if err != nil {
		r.logger.Error("encoding chat event", "error", err)
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("encoding chat event", "error", err)
		return
	}

	r.mu.RLock()
	for _, c := range r.conns {
		if c.Mode() == protocol.ModeClient {
			_ = c.enqueue(outbound{kind: outText, data: data})
		}
	}
	r.mu.RUnlock()

	switch ev.State {
	case session.StateFinal:
		r.deliverToChannel(ev)
	case session.StateError:
		if target, ok := r.takeTarget(ev.RunID); ok {
			r.logger.Warn("run failed, no channel reply sent",
				"session_key", ev.SessionKey,
				"run_id", ev.RunID,
				"channel", channelKey(target.channel, target.accountID),
				"error", ev.ErrorMessage,
			)
		}
	}
}

// stashTarget remembers where the reply to runID goes. Each inbound message owns
// its run id, so queued and absorbed messages keep their own targets.
func (r *Router) stashTarget(runID string, t channelTarget) {
	r.targetsMu.Lock()
	defer r.targetsMu.Unlock()
	r.targets[runID] = t
}

func (r *Router) takeTarget(runID string) (channelTarget, bool) {
	r.targetsMu.Lock()
	defer r.targetsMu.Unlock()
	t, ok := r.targets[runID]
	delete(r.targets, runID)
	return t, ok
}

func (r *Router) deliverToChannel(ev session.Event) {
	target, ok := r.takeTarget(ev.RunID)
	if !ok || ev.Message == nil {
		return
	}
	if ev.Absorbed {
		r.logger.Debug("queued message answered by active run", "session_key", ev.SessionKey, "run_id", ev.RunID)
		return
	}
	text := PlainText(ev.Message.Text())
	if text == "" {
		return
	}

	key := channelKey(target.channel, target.accountID)
	r.mu.RLock()
	c := r.channels[key]
	r.mu.RUnlock()
	if c == nil {
		r.logger.Warn("channel not connected, reply dropped", "channel", key, "session_key", ev.SessionKey)
		return
	}
	if err := c.SendEvent(protocol.EventChannelOutbound, protocol.ChannelOutboundPayload{
		Channel:   target.channel,
		AccountID: target.accountID,
		PeerID:    target.peerID,
		ReplyTo:   target.replyTo,
		Text:      text,
	}); err != nil {
		r.logger.Warn("channel reply not delivered", "channel", key, "error", err)
	}
}

// ChannelSessionKey derives the session a channel peer talks to.
func ChannelSessionKey(agentID, channel, peerID string) string {
	return "agent:" + agentID + ":" + channel + ":" + peerID
}

func toProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, session.ErrBusy):
		return protocol.NewError(protocol.CodeSessionBusy, "%v", err)
	case errors.Is(err, session.ErrInvalidArgument),
		errors.Is(err, transfer.ErrUnexpectedMessage),
		errors.Is(err, transfer.ErrInvalidEndpoint),
		errors.Is(err, transfer.ErrStorageToStorage):
		return protocol.NewError(protocol.CodeInvalidRequest, "%v", err)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, transfer.ErrUnknownTransfer):
		return protocol.NewError(protocol.CodeNotFound, "%v", err)
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrAmbiguousTool):
		return protocol.NewError(protocol.CodeToolNotFound, "%v", err)
	case errors.Is(err, ErrNodeUnavailable):
		return protocol.NewError(protocol.CodeNodeUnavailable, "%v", err)
	default:
		return protocol.AsError(err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
