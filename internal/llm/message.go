// ABOUTME: Message, content block, and tool types exchanged with the completion collaborator.
// ABOUTME: Defines the Completer contract and provider overflow detection.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Content block types.
const (
	BlockText     = "text"
	BlockImage    = "image"
	BlockThinking = "thinking"
)

// Stop reasons reported on assistant messages.
const (
	StopEnd     = "stop"
	StopToolUse = "toolUse"
	StopLength  = "length"
	StopError   = "error"
	StopAborted = "aborted"
)

// ErrContextOverflow is returned (possibly wrapped) when the provider rejects a
// request because the prompt exceeds the model's context window.
var ErrContextOverflow = errors.New("context window exceeded")

// ErrEmptyResponse indicates the provider returned nothing usable.
var ErrEmptyResponse = errors.New("empty response from model")

// ContentBlock is one piece of message content.
// Images carry either inline base64 Data (only while hydrated for a call) or a BlobKey.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	BlobKey  string `json:"blobKey,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Usage is the provider-reported token accounting for one completion.
type Usage struct {
	InputTokens      int `json:"input"`
	OutputTokens     int `json:"output"`
	CacheReadTokens  int `json:"cacheRead,omitempty"`
	CacheWriteTokens int `json:"cacheWrite,omitempty"`
}

// Total returns every token the call consumed.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Message is a role-tagged transcript entry.
type Message struct {
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content,omitempty"`
	ToolCalls    []ToolCall     `json:"toolCalls,omitempty"`
	ToolCallID   string         `json:"toolCallId,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	IsError      bool           `json:"isError,omitempty"`
	Model        string         `json:"model,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	StopReason   string         `json:"stopReason,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ImageCount returns the number of image blocks.
func (m *Message) ImageCount() int {
	n := 0
	for _, b := range m.Content {
		if b.Type == BlockImage {
			n++
		}
	}
	return n
}

// NewUserText builds a plain user message stamped with now.
func NewUserText(text string) Message {
	return Message{
		Role:      RoleUser,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Context is everything sent to the model for one completion.
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
}

// Options tune a single completion call.
type Options struct {
	Reasoning   string
	MaxTokens   int
	Temperature *float64
}

// Completer is the completion collaborator: complete(model, context, options) -> assistant message.
type Completer interface {
	Complete(ctx context.Context, model string, c Context, opts Options) (*Message, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, model string, c Context, opts Options) (*Message, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, model string, c Context, opts Options) (*Message, error) {
	return f(ctx, model, c, opts)
}

var overflowPattern = regexp.MustCompile(`(?i)(context[_ ]length[_ ]exceeded|maximum context length|context window|prompt is too long|too many tokens|exceeds the context|request too large)`)

// IsContextOverflow reports whether a completion outcome means the prompt was too large.
func IsContextOverflow(msg *Message, err error) bool {
	if err != nil {
		if errors.Is(err, ErrContextOverflow) {
			return true
		}
		return overflowPattern.MatchString(err.Error())
	}
	if msg != nil && msg.StopReason == StopError {
		return overflowPattern.MatchString(msg.ErrorMessage)
	}
	return false
}

// IsEmpty reports whether an assistant message carries neither content nor tool calls.
func IsEmpty(msg *Message) bool {
	if msg == nil {
		return true
	}
	if len(msg.ToolCalls) > 0 {
		return false
	}
	for _, b := range msg.Content {
		if b.Type == BlockImage || strings.TrimSpace(b.Text) != "" {
			return false
		}
	}
	return true
}
