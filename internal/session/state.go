// ABOUTME: Persisted session state: metadata, the current run, pending tool calls, and the queue.
// ABOUTME: A Snapshot is the unit written to the store after every mutation.

package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/llm"
)

// ResetMode selects when a session resets on its own.
type ResetMode string

const (
	ResetManual ResetMode = "manual"
	ResetDaily  ResetMode = "daily"
	ResetIdle   ResetMode = "idle"
)

// ResetPolicy configures auto-reset.
type ResetPolicy struct {
	Mode        ResetMode `json:"mode"`
	AtHour      int       `json:"atHour,omitempty"`
	IdleMinutes int       `json:"idleMinutes,omitempty"`
}

// Validate checks the policy's fields for its mode.
func (p ResetPolicy) Validate() error {
	switch p.Mode {
	case ResetManual, "":
		return nil
	case ResetDaily:
		if p.AtHour < 0 || p.AtHour > 23 {
			return fmt.Errorf("reset at_hour must be 0-23, got %d", p.AtHour)
		}
		return nil
	case ResetIdle:
		if p.IdleMinutes <= 0 {
			return fmt.Errorf("reset idle_minutes must be positive, got %d", p.IdleMinutes)
		}
		return nil
	default:
		return fmt.Errorf("unknown reset mode %q", p.Mode)
	}
}

// Settings are per-session overrides of the global defaults.
type Settings struct {
	Model        string `json:"model,omitempty"`
	Reasoning    string `json:"reasoning,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Delivery is the last channel a session heard from.
type Delivery struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	PeerID    string `json:"peerId"`
}

// Meta is the session's durable metadata.
type Meta struct {
	SessionID          string       `json:"sessionId"`
	SessionKey         string       `json:"sessionKey"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	InputTokens        int64        `json:"inputTokens"`
	OutputTokens       int64        `json:"outputTokens"`
	CacheReadTokens    int64        `json:"cacheReadTokens"`
	CacheWriteTokens   int64        `json:"cacheWriteTokens"`
	Settings           Settings     `json:"settings"`
	ResetPolicy        *ResetPolicy `json:"resetPolicy,omitempty"`
	PreviousSessionIDs []string     `json:"previousSessionIds,omitempty"`
	LastInputTokens    int          `json:"lastInputTokens"`
	CompactionCount    int          `json:"compactionCount"`
	LastCompactedAt    time.Time    `json:"lastCompactedAt,omitempty"`
	Delivery           *Delivery    `json:"delivery,omitempty"`
}

// TotalTokens sums every counter.
func (m *Meta) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens + m.CacheReadTokens + m.CacheWriteTokens
}

// Overrides apply to a single message's completion.
type Overrides struct {
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// merge returns o with every non-empty field of other applied on top.
func (o Overrides) merge(other Overrides) Overrides {
	if other.Model != "" {
		o.Model = other.Model
	}
	if other.Reasoning != "" {
		o.Reasoning = other.Reasoning
	}
	return o
}

// ToolRoute names the node and its un-namespaced tool for a tool offered to the model.
type ToolRoute struct {
	NodeID string `json:"nodeId,omitempty"`
	Tool   string `json:"tool"`
}

// Run is the in-flight agent loop for one inbound message.
type Run struct {
	RunID               string               `json:"runId"`
	Tools               []llm.Tool           `json:"tools,omitempty"`
	Routes              map[string]ToolRoute `json:"routes,omitempty"`
	Overrides           Overrides            `json:"overrides"`
	StartedAt           time.Time            `json:"startedAt"`
	Aborted             bool                 `json:"aborted,omitempty"`
	CompactionAttempted bool                 `json:"compactionAttempted,omitempty"`
	Turns               int                  `json:"turns"`
	// Run ids of queued messages spliced into this run; they receive its final event.
	Absorbed []string `json:"absorbed,omitempty"`
}

// PendingToolCall is a tool call awaiting its outcome.
type PendingToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Done   bool            `json:"done,omitempty"`
}

// QueuedMessage arrived while a run was active.
type QueuedMessage struct {
	RunID     string               `json:"runId"`
	Message   llm.Message          `json:"message"`
	Tools     []llm.Tool           `json:"tools,omitempty"`
	Routes    map[string]ToolRoute `json:"routes,omitempty"`
	Overrides Overrides            `json:"overrides"`
	Delivery  *Delivery            `json:"delivery,omitempty"`
	QueuedAt  time.Time            `json:"queuedAt"`
}

// Snapshot is everything about a session except its message log.
type Snapshot struct {
	Meta    Meta              `json:"meta"`
	Run     *Run              `json:"run,omitempty"`
	Pending []PendingToolCall `json:"pending,omitempty"`
	Queue   []QueuedMessage   `json:"queue,omitempty"`
	AlarmAt time.Time         `json:"alarmAt,omitempty"`
}

// awaitingTools reports whether any pending call still lacks an outcome.
func (s *Snapshot) awaitingTools() bool {
	for _, p := range s.Pending {
		if !p.Done {
			return true
		}
	}
	return false
}

// StoredMessage is a message with its position in the log.
type StoredMessage struct {
	Index   int         `json:"index"`
	Message llm.Message `json:"message"`
}
