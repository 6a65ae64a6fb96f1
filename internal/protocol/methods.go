// ABOUTME: Method and event names plus their parameter and payload shapes.
// ABOUTME: Shared by the router, the gateway, and the fake node.

package protocol

import "encoding/json"

// Request methods.
const (
	MethodConnect        = "connect"
	MethodToolsList      = "tools.list"
	MethodChatSend       = "chat.send"
	MethodChatAbort      = "chat.abort"
	MethodToolRequest    = "tool.request"
	MethodToolResult     = "tool.result"
	MethodToolInvoke     = "tool.invoke"
	MethodChannelInbound = "channel.inbound"
	MethodChannelsList   = "channels.list"
	MethodSessionGet     = "session.get"
	MethodSessionStats   = "session.stats"
	MethodSessionPatch   = "session.patch"
	MethodSessionReset   = "session.reset"
	MethodSessionCompact = "session.compact"
	MethodSessionHistory = "session.history"
	MethodSessionPreview = "session.preview"
	MethodSessionsList   = "sessions.list"
	MethodConfigGet      = "config.get"
	MethodConfigSet      = "config.set"

	MethodTransferMeta   = "transfer.meta"
	MethodTransferAccept = "transfer.accept"
	MethodTransferDone   = "transfer.done"
	MethodTransferError  = "transfer.error"
)

// Server-to-connection events.
const (
	EventChat            = "chat"
	EventToolInvoke      = "tool.invoke"
	EventChannelOutbound = "channel.outbound"
	EventTransferSend    = "transfer.send"
	EventTransferReceive = "transfer.receive"
	EventTransferEnd     = "transfer.end"
)

// Connection modes declared during connect.
const (
	ModeClient  = "client"
	ModeNode    = "node"
	ModeChannel = "channel"
)

// Chat run states.
const (
	ChatPartial = "partial"
	ChatFinal   = "final"
	ChatError   = "error"
)

// ClientInfo identifies the software on the other end of a connection.
type ClientInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ToolDefinition is a tool advertised by a node.
type ToolDefinition struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// ConnectParams is the handshake sent as the first request on a connection.
type ConnectParams struct {
	Protocol  int              `json:"protocol"`
	Client    ClientInfo       `json:"client"`
	Mode      string           `json:"mode"`
	Channel   string           `json:"channel,omitempty"`
	AccountID string           `json:"accountId,omitempty"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Token     string           `json:"token,omitempty"`
}

// HelloPayload answers a successful connect.
type HelloPayload struct {
	Protocol     int    `json:"protocol"`
	ServerID     string `json:"serverId"`
	ConnectionID string `json:"connectionId"`
}

// MediaItem is an attachment carried with a chat message.
// Transcriptions are inlined as text; images are kept as blob references.
type MediaItem struct {
	Type          string `json:"type"` // "image", "audio", "file"
	MimeType      string `json:"mimeType,omitempty"`
	Data          string `json:"data,omitempty"` // base64
	BlobKey       string `json:"blobKey,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Filename      string `json:"filename,omitempty"`
}

// ChatSendParams is sent by a client to talk to a session.
type ChatSendParams struct {
	SessionKey string      `json:"sessionKey"`
	Text       string      `json:"text"`
	RunID      string      `json:"runId,omitempty"`
	Model      string      `json:"model,omitempty"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Media      []MediaItem `json:"media,omitempty"`
}

// ChatSendResult reports whether the message started a run or was queued.
type ChatSendResult struct {
	RunID    string `json:"runId"`
	Status   string `json:"status"` // "started" or "queued"
	Position int    `json:"position,omitempty"`
}

// ChatAbortParams aborts the active run of a session.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

// ChatEventPayload is broadcast for run progress.
type ChatEventPayload struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// ChatAbortResult reports whether a run was active.
type ChatAbortResult struct {
	Aborted bool `json:"aborted"`
}

// ToolRequestParams asks the router to run a tool on whichever node owns it.
type ToolRequestParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolInvokePayload is sent to a node to run one of its tools.
type ToolInvokePayload struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolResultParams is sent by a node when a tool finishes.
type ToolResultParams struct {
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ToolsListResult lists every tool currently routable.
type ToolsListResult struct {
	Tools []NodeTool `json:"tools"`
}

// NodeTool is a tool together with the node that owns it.
type NodeTool struct {
	NodeID string         `json:"nodeId"`
	Name   string         `json:"name"`
	Tool   ToolDefinition `json:"tool"`
}

// ChannelInboundParams carries a message received by a channel bridge.
type ChannelInboundParams struct {
	AgentID   string      `json:"agentId,omitempty"`
	PeerID    string      `json:"peerId"`
	PeerName  string      `json:"peerName,omitempty"`
	MessageID string      `json:"messageId"`
	Text      string      `json:"text"`
	Media     []MediaItem `json:"media,omitempty"`
}

// ChannelInboundResult reports where an inbound channel message went.
type ChannelInboundResult struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
	Status     string `json:"status,omitempty"`
	Position   int    `json:"position,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// ChannelOutboundPayload delivers a session's final answer to a channel bridge.
type ChannelOutboundPayload struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	PeerID    string `json:"peerId"`
	ReplyTo   string `json:"replyTo,omitempty"`
	Text      string `json:"text"`
}

// ChannelInfo describes a connected channel bridge.
type ChannelInfo struct {
	Channel      string `json:"channel"`
	AccountID    string `json:"accountId"`
	ConnectionID string `json:"connectionId"`
	ConnectedAt  int64  `json:"connectedAt"`
}

// SessionKeyParams addresses a session.
type SessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

// SessionPatchParams updates session settings. Nil fields are left unchanged.
type SessionPatchParams struct {
	SessionKey   string       `json:"sessionKey"`
	Model        *string      `json:"model,omitempty"`
	Reasoning    *string      `json:"reasoning,omitempty"`
	SystemPrompt *string      `json:"systemPrompt,omitempty"`
	ResetPolicy  *ResetPolicy `json:"resetPolicy,omitempty"`
}

// ResetPolicy is the wire form of a session's auto-reset policy.
type ResetPolicy struct {
	Mode        string `json:"mode"` // manual, daily, idle
	AtHour      int    `json:"atHour,omitempty"`
	IdleMinutes int    `json:"idleMinutes,omitempty"`
}

// SessionCompactParams trims a session to its last Keep messages.
type SessionCompactParams struct {
	SessionKey string `json:"sessionKey"`
	Keep       int    `json:"keep"`
}

// SessionHistoryParams pages through a session transcript.
type SessionHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// ConfigSetParams changes a runtime setting.
type ConfigSetParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TransferEndpoint is one side of a transfer: a node path or a storage key.
type TransferEndpoint struct {
	Node string `json:"node,omitempty"`
	Path string `json:"path,omitempty"`
	Key  string `json:"key,omitempty"`
}

// IsStorage reports whether the endpoint addresses durable storage.
func (e TransferEndpoint) IsStorage() bool {
	return e.Node == "" && e.Key != ""
}

// TransferSendPayload asks a source node to send metadata then bytes.
type TransferSendPayload struct {
	TransferID string `json:"transferId"`
	Path       string `json:"path"`
}

// TransferReceivePayload asks a destination node to accept a stream.
type TransferReceivePayload struct {
	TransferID string `json:"transferId"`
	Path       string `json:"path"`
	Size       int64  `json:"size,omitempty"`
	Mime       string `json:"mime,omitempty"`
}

// TransferEndPayload tells a destination node the stream is complete.
type TransferEndPayload struct {
	TransferID string `json:"transferId"`
}

// TransferMetaParams is sent by a source node before its bytes.
type TransferMetaParams struct {
	TransferID string `json:"transferId"`
	Size       int64  `json:"size,omitempty"`
	Mime       string `json:"mime,omitempty"`
}

// TransferIDParams addresses a transfer in accept/done requests.
type TransferIDParams struct {
	TransferID string `json:"transferId"`
}

// TransferErrorParams reports a node-side transfer failure.
type TransferErrorParams struct {
	TransferID string `json:"transferId"`
	Error      string `json:"error"`
}
