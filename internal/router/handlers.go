// ABOUTME: Request handlers for every method, with the connection modes allowed to call each.
// ABOUTME: Session methods delegate to the session manager; transfer methods to the streamer.

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transfer"
)

// Runtime settings accepted by config.set.
const (
	ConfigModel     = "model"
	ConfigReasoning = "reasoning"
)

var runtimeKeys = []string{ConfigModel, ConfigReasoning}

// transferTool is offered to the model so it can move files between nodes and storage.
var transferTool = protocol.ToolDefinition{
	Name:        "transfer",
	Description: "Copy a file between a connected node and durable storage, or between two nodes. Each endpoint is either {\"node\": id, \"path\": path} or {\"key\": storageKey}.",
	Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "source": {"$ref": "#/$defs/endpoint"},
    "destination": {"$ref": "#/$defs/endpoint"}
  },
  "required": ["source", "destination"],
  "$defs": {
    "endpoint": {
      "type": "object",
      "properties": {
        "node": {"type": "string"},
        "path": {"type": "string"},
        "key": {"type": "string"}
      }
    }
  }
}`),
}

type handlerFunc func(ctx context.Context, c *Conn, req *protocol.Request) (any, error)

type handler struct {
	modes []string
	fn    handlerFunc
}

func (h handler) allows(mode string) bool {
	return len(h.modes) == 0 || slices.Contains(h.modes, mode)
}

var (
	anyMode     []string
	clientOnly  = []string{protocol.ModeClient}
	nodeOnly    = []string{protocol.ModeNode}
	channelOnly = []string{protocol.ModeChannel}
	callers     = []string{protocol.ModeClient, protocol.ModeNode}
)

func (r *Router) buildHandlers() map[string]handler {
	return map[string]handler{
		protocol.MethodToolsList:    {anyMode, r.handleToolsList},
		protocol.MethodChannelsList: {anyMode, r.handleChannelsList},

		protocol.MethodChatSend:       {clientOnly, r.handleChatSend},
		protocol.MethodChatAbort:      {clientOnly, r.handleChatAbort},
		protocol.MethodToolRequest:    {callers, r.handleToolRequest},
		protocol.MethodToolInvoke:     {callers, r.handleToolRequest},
		protocol.MethodSessionGet:     {clientOnly, r.handleSessionGet},
		protocol.MethodSessionStats:   {clientOnly, r.handleSessionStats},
		protocol.MethodSessionPatch:   {clientOnly, r.handleSessionPatch},
		protocol.MethodSessionReset:   {clientOnly, r.handleSessionReset},
		protocol.MethodSessionCompact: {clientOnly, r.handleSessionCompact},
		protocol.MethodSessionHistory: {clientOnly, r.handleSessionHistory},
		protocol.MethodSessionPreview: {clientOnly, r.handleSessionPreview},
		protocol.MethodSessionsList:   {clientOnly, r.handleSessionsList},
		protocol.MethodConfigGet:      {clientOnly, r.handleConfigGet},
		protocol.MethodConfigSet:      {clientOnly, r.handleConfigSet},

		protocol.MethodToolResult:     {nodeOnly, r.handleToolResult},
		protocol.MethodTransferMeta:   {nodeOnly, r.handleTransferMeta},
		protocol.MethodTransferAccept: {nodeOnly, r.handleTransferAccept},
		protocol.MethodTransferDone:   {nodeOnly, r.handleTransferDone},
		protocol.MethodTransferError:  {nodeOnly, r.handleTransferError},

		protocol.MethodChannelInbound: {channelOnly, r.handleChannelInbound},
	}
}

func decodeSessionKey(raw json.RawMessage) (string, error) {
	var p protocol.SessionKeyParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return "", err
	}
	if p.SessionKey == "" {
		return "", protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}
	return p.SessionKey, nil
}

func (r *Router) handleToolsList(context.Context, *Conn, *protocol.Request) (any, error) {
	return protocol.ToolsListResult{Tools: r.tools.List()}, nil
}

func (r *Router) handleChannelsList(context.Context, *Conn, *protocol.Request) (any, error) {
	return struct {
		Channels []protocol.ChannelInfo `json:"channels"`
	}{r.Channels()}, nil
}

func (r *Router) handleChatSend(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	var p protocol.ChatSendParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}

	tools, routes := r.tools.Snapshot()
	res, err := r.sessions.ChatSend(ctx, p.SessionKey, session.ChatInput{
		Text:      p.Text,
		RunID:     p.RunID,
		Tools:     tools,
		Routes:    routes,
		Overrides: session.Overrides{Model: p.Model, Reasoning: p.Reasoning},
		Media:     p.Media,
	})
	if err != nil {
		return nil, err
	}
	return protocol.ChatSendResult{RunID: res.RunID, Status: res.Status, Position: res.Position}, nil
}

func (r *Router) handleChatAbort(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	key, err := decodeSessionKey(req.Params)
	if err != nil {
		return nil, err
	}
	aborted, err := r.sessions.Abort(ctx, key)
	if err != nil {
		return nil, err
	}
	return protocol.ChatAbortResult{Aborted: aborted}, nil
}

// handleToolRequest runs a tool on its node for a directly connected caller.
// The response is sent when the node answers, or the call fails.
func (r *Router) handleToolRequest(_ context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.ToolRequestParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "name is required")
	}

	route, def, err := r.tools.Resolve(p.Name)
	if err != nil {
		return nil, err
	}
	if route.NodeID == BuiltinNodeID {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "%s can only be called by a session", p.Name)
	}

	timeout := r.cfg.ToolTimeout
	if def.TimeoutSeconds > 0 {
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	}
	pc := &pendingCall{
		id:        uuid.New().String(),
		kind:      callClient,
		nodeID:    route.NodeID,
		tool:      route.Tool,
		conn:      c,
		requestID: req.ID,
	}
	if err := r.invoke(pc, p.Args, timeout); err != nil {
		return nil, err
	}
	return nil, errDeferred
}

func (r *Router) handleToolResult(_ context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.ToolResultParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.CallID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "callId is required")
	}

	nodeID := c.NodeID()
	pc := r.calls.takeFrom(p.CallID, nodeID)
	if pc == nil {
		r.logger.Warn("tool result for unknown call", "call_id", p.CallID, "node_id", nodeID)
		return struct{}{}, nil
	}

	metrics.RecordToolCall(pc.tool, p.Error == "")
	r.logger.Info("← node returned tool result",
		"tool", pc.tool,
		"node_id", nodeID,
		"call_id", pc.id,
		"duration", time.Since(pc.sentAt).Round(time.Millisecond),
		"is_error", p.Error != "",
	)
	r.deliver(pc, p.Result, p.Error)
	return struct{}{}, nil
}

func (r *Router) handleChannelInbound(ctx context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.ChannelInboundParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.PeerID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "peerId is required")
	}

	c.mu.RLock()
	channel, accountID := c.channel, c.accountID
	c.mu.RUnlock()

	key := ChannelSessionKey(firstNonEmpty(p.AgentID, r.cfg.AgentID), channel, p.PeerID)
	if p.MessageID != "" && r.seen.Observe(dedupe.InboundKey(channel, accountID, p.MessageID)) {
		r.logger.Info("dropping redelivered channel message", "channel", channel, "message_id", p.MessageID)
		return protocol.ChannelInboundResult{SessionKey: key, Duplicate: true}, nil
	}

	runID := uuid.New().String()
	r.stashTarget(runID, channelTarget{
		channel:   channel,
		accountID: accountID,
		peerID:    p.PeerID,
		replyTo:   p.MessageID,
	})

	tools, routes := r.tools.Snapshot()
	res, err := r.sessions.ChatSend(ctx, key, session.ChatInput{
		Text:   p.Text,
		RunID:  runID,
		Tools:  tools,
		Routes: routes,
		Media:  p.Media,
		Delivery: &session.Delivery{
			Channel:   channel,
			AccountID: accountID,
			PeerID:    p.PeerID,
		},
	})
	if err != nil {
		r.takeTarget(runID)
		return nil, err
	}
	return protocol.ChannelInboundResult{
		SessionKey: key,
		RunID:      res.RunID,
		Status:     res.Status,
		Position:   res.Position,
	}, nil
}

func (r *Router) handleSessionGet(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	key, err := decodeSessionKey(req.Params)
	if err != nil {
		return nil, err
	}
	return r.sessions.Get(ctx, key)
}

func (r *Router) handleSessionStats(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	key, err := decodeSessionKey(req.Params)
	if err != nil {
		return nil, err
	}
	return r.sessions.Stats(ctx, key)
}

func (r *Router) handleSessionPatch(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	var p protocol.SessionPatchParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}
	patch := session.Patch{Model: p.Model, Reasoning: p.Reasoning, SystemPrompt: p.SystemPrompt}
	if p.ResetPolicy != nil {
		patch.ResetPolicy = &session.ResetPolicy{
			Mode:        session.ResetMode(p.ResetPolicy.Mode),
			AtHour:      p.ResetPolicy.AtHour,
			IdleMinutes: p.ResetPolicy.IdleMinutes,
		}
	}
	return r.sessions.Patch(ctx, p.SessionKey, patch)
}

func (r *Router) handleSessionReset(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	key, err := decodeSessionKey(req.Params)
	if err != nil {
		return nil, err
	}
	return r.sessions.Reset(ctx, key)
}

func (r *Router) handleSessionCompact(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	var p protocol.SessionCompactParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}
	return r.sessions.Compact(ctx, p.SessionKey, p.Keep)
}

func (r *Router) handleSessionHistory(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	var p protocol.SessionHistoryParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}
	msgs, err := r.sessions.History(ctx, p.SessionKey, p.Limit)
	if err != nil {
		return nil, err
	}
	return struct {
		Messages []session.StoredMessage `json:"messages"`
	}{msgs}, nil
}

func (r *Router) handleSessionPreview(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	var p protocol.SessionHistoryParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}
	items, err := r.sessions.Preview(ctx, p.SessionKey, p.Limit)
	if err != nil {
		return nil, err
	}
	return struct {
		Items []session.PreviewItem `json:"items"`
	}{items}, nil
}

func (r *Router) handleSessionsList(ctx context.Context, _ *Conn, _ *protocol.Request) (any, error) {
	metas, err := r.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		Sessions []session.Meta `json:"sessions"`
	}{metas}, nil
}

func (r *Router) runtimeConfig() map[string]string {
	model, reasoning := r.sessions.Defaults()
	return map[string]string{ConfigModel: model, ConfigReasoning: reasoning}
}

func (r *Router) handleConfigGet(context.Context, *Conn, *protocol.Request) (any, error) {
	return r.runtimeConfig(), nil
}

func (r *Router) handleConfigSet(ctx context.Context, _ *Conn, req *protocol.Request) (any, error) {
	var p protocol.ConfigSetParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if !slices.Contains(runtimeKeys, p.Key) {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "unknown config key %q (supported: %v)", p.Key, runtimeKeys)
	}
	if p.Value == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "value is required")
	}
	if r.settings != nil {
		if err := r.settings.SetConfig(ctx, p.Key, p.Value); err != nil {
			return nil, fmt.Errorf("persisting %s: %w", p.Key, err)
		}
	}
	switch p.Key {
	case ConfigModel:
		r.sessions.SetDefaults(p.Value, "")
	case ConfigReasoning:
		r.sessions.SetDefaults("", p.Value)
	}
	r.logger.Info("runtime config changed", "key", p.Key, "value", p.Value)
	return r.runtimeConfig(), nil
}

// runBuiltin executes a tool the router owns on behalf of a session.
func (r *Router) runBuiltin(ctx context.Context, sessionKey string, call llm.ToolCall, tool string) error {
	if tool != transferTool.Name {
		return fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	var req transfer.Request
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &req); err != nil {
			return fmt.Errorf("invalid transfer arguments: %w", err)
		}
	}
	_, err := r.transfers.Start(ctx, transfer.Origin{SessionKey: sessionKey, CallID: call.ID}, req)
	return err
}

func (r *Router) handleTransferMeta(ctx context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.TransferMetaParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := r.transfers.Meta(ctx, c.NodeID(), p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (r *Router) handleTransferAccept(_ context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.TransferIDParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := r.transfers.Accept(c.NodeID(), p.TransferID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (r *Router) handleTransferDone(_ context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.TransferIDParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := r.transfers.Done(c.NodeID(), p.TransferID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (r *Router) handleTransferError(_ context.Context, c *Conn, req *protocol.Request) (any, error) {
	var p protocol.TransferErrorParams
	if err := protocol.DecodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := r.transfers.Error(c.NodeID(), p.TransferID, p.Error); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
