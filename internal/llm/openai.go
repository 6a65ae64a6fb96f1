// ABOUTME: OpenAI-compatible Completer built on go-openai chat completions.
// ABOUTME: Maps transcript messages, tool calls, and images onto the chat completion wire format.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the go-openai client used here, for testability.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures the OpenAI-compatible completer.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	OrgID   string
}

// OpenAICompleter implements Completer against any OpenAI-compatible endpoint.
type OpenAICompleter struct {
	client ChatClient
}

// NewOpenAICompleter creates a completer using the given endpoint settings.
func NewOpenAICompleter(cfg OpenAIConfig) *OpenAICompleter {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	c.OrgID = cfg.OrgID
	return &OpenAICompleter{client: openai.NewClientWithConfig(c)}
}

// NewOpenAICompleterWithClient wraps an existing client (useful for testing).
func NewOpenAICompleterWithClient(client ChatClient) *OpenAICompleter {
	return &OpenAICompleter{client: client}
}

// Complete sends one chat completion request and converts the first choice.
func (o *OpenAICompleter) Complete(ctx context.Context, model string, c Context, opts Options) (*Message, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(c),
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if opts.Reasoning != "" && opts.Reasoning != "off" {
		req.ReasoningEffort = opts.Reasoning
	}
	for _, t := range c.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && fmt.Sprint(apiErr.Code) == "context_length_exceeded" {
			return nil, fmt.Errorf("%w: %s", ErrContextOverflow, apiErr.Message)
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return fromOpenAIChoice(model, resp), nil
}

func toOpenAIMessages(c Context) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(c.Messages)+1)
	if c.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.SystemPrompt})
	}

	for _, m := range c.Messages {
		switch m.Role {
		case RoleUser:
			out = append(out, userMessage(m))
		case RoleAssistant:
			am := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, am)
		case RoleToolResult:
			text := m.Text()
			if n := m.ImageCount(); n > 0 {
				text = strings.TrimSpace(text + fmt.Sprintf("\n[%d image(s) attached below]", n))
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    text,
				ToolCallID: m.ToolCallID,
			})
			// Tool messages cannot carry images, so they follow as a user turn.
			if m.ImageCount() > 0 {
				out = append(out, userMessage(Message{Role: RoleUser, Content: imageBlocks(m.Content)}))
			}
		}
	}
	return out
}

func imageBlocks(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == BlockImage {
			out = append(out, b)
		}
	}
	return out
}

func userMessage(m Message) openai.ChatCompletionMessage {
	if m.ImageCount() == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()}
	}
	parts := make([]openai.ChatMessagePart, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
		case BlockImage:
			if b.Data == "" {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:" + b.MimeType + ";base64," + b.Data},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func fromOpenAIChoice(model string, resp openai.ChatCompletionResponse) *Message {
	choice := resp.Choices[0]
	msg := &Message{
		Role:      RoleAssistant,
		Model:     model,
		Timestamp: time.Now().UnixMilli(),
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if resp.Usage.PromptTokensDetails != nil {
		msg.Usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	if choice.Message.ReasoningContent != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockThinking, Text: choice.Message.ReasoningContent})
	}
	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		msg.StopReason = StopToolUse
	case openai.FinishReasonLength:
		msg.StopReason = StopLength
	default:
		msg.StopReason = StopEnd
	}
	if len(msg.ToolCalls) > 0 {
		msg.StopReason = StopToolUse
	}
	return msg
}
