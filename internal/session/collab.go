// ABOUTME: Collaborators the actor depends on: tool dispatch, event broadcast, and prompt building.
// ABOUTME: The router implements Dispatcher and Broadcaster; prompts come from configuration.

package session

import (
	"context"

	"github.com/2389/coven-relay/internal/llm"
)

// Run event states.
const (
	StatePartial = "partial"
	StateFinal   = "final"
	StateError   = "error"
)

// Event reports run progress to whoever is attached to the session. Absorbed
// marks a queued message whose reply is the one sent for another run.
type Event struct {
	SessionKey   string
	RunID        string
	Absorbed     bool
	State        string
	Message      *llm.Message
	ErrorMessage string
}

// Dispatcher sends a tool call to the node that owns it. The outcome arrives later
// through Manager.ToolResult; a returned error means the call was never sent.
type Dispatcher interface {
	DispatchTool(ctx context.Context, sessionKey string, call llm.ToolCall, route ToolRoute) error
}

// Broadcaster fans run events out to clients and channels. It must not block.
type Broadcaster interface {
	Broadcast(ev Event)
}

// Prompt is the workspace-derived system prompt and any extra tool definitions.
type Prompt struct {
	SystemPrompt string
	Tools        []llm.Tool
}

// PromptBuilder produces the prompt for a session's next completion.
type PromptBuilder interface {
	Build(ctx context.Context, sessionKey string) (Prompt, error)
}

// StaticPrompt is a PromptBuilder that always returns the same prompt.
type StaticPrompt Prompt

// Build returns p.
func (p StaticPrompt) Build(context.Context, string) (Prompt, error) {
	return Prompt(p), nil
}

type nopDispatcher struct{}

func (nopDispatcher) DispatchTool(context.Context, string, llm.ToolCall, ToolRoute) error {
	return ErrNoDispatcher
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(Event) {}
