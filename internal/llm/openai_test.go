// ABOUTME: Tests for the OpenAI-compatible completer and message helpers.
// ABOUTME: Uses a scripted chat client instead of a live endpoint.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (s *scriptedClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

func TestOpenAICompleter_TextReply(t *testing.T) {
	client := &scriptedClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hi there"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3},
	}}
	c := NewOpenAICompleterWithClient(client)

	msg, err := c.Complete(context.Background(), "gpt-test", Context{
		SystemPrompt: "be nice",
		Messages:     []Message{NewUserText("hello")},
	}, Options{Reasoning: "high"})
	require.NoError(t, err)

	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "hi there", msg.Text())
	assert.Equal(t, StopEnd, msg.StopReason)
	require.NotNil(t, msg.Usage)
	assert.Equal(t, 12, msg.Usage.InputTokens)

	require.Len(t, client.lastReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, client.lastReq.Messages[0].Role)
	assert.Equal(t, "hello", client.lastReq.Messages[1].Content)
	assert.Equal(t, "high", client.lastReq.ReasoningEffort)
}

func TestOpenAICompleter_ToolCalls(t *testing.T) {
	client := &scriptedClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "echo", Arguments: `{"text":"x"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	c := NewOpenAICompleterWithClient(client)

	msg, err := c.Complete(context.Background(), "m", Context{
		Messages: []Message{NewUserText("go")},
		Tools:    []Tool{{Name: "echo", Description: "echoes"}},
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, msg.StopReason)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "echo", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"text":"x"}`, string(msg.ToolCalls[0].Args))

	require.Len(t, client.lastReq.Tools, 1)
	assert.Equal(t, "echo", client.lastReq.Tools[0].Function.Name)
}

func TestOpenAICompleter_Overflow(t *testing.T) {
	client := &scriptedClient{err: &openai.APIError{Code: "context_length_exceeded", Message: "too long"}}
	c := NewOpenAICompleterWithClient(client)

	msg, err := c.Complete(context.Background(), "m", Context{Messages: []Message{NewUserText("x")}}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextOverflow)
	assert.True(t, IsContextOverflow(msg, err))
}

func TestOpenAICompleter_NoChoices(t *testing.T) {
	c := NewOpenAICompleterWithClient(&scriptedClient{})
	_, err := c.Complete(context.Background(), "m", Context{}, Options{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestToOpenAIMessages_ToolResultWithImage(t *testing.T) {
	msgs := toOpenAIMessages(Context{Messages: []Message{
		{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "c1", Name: "shot"}},
		},
		{
			Role:       RoleToolResult,
			ToolCallID: "c1",
			Content: []ContentBlock{
				{Type: BlockText, Text: "captured"},
				{Type: BlockImage, MimeType: "image/png", Data: "AAAA"},
			},
		},
	}})

	require.Len(t, msgs, 3)
	assert.Equal(t, "{}", msgs[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "1 image(s)")
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].MultiContent, 1)
	assert.Equal(t, "data:image/png;base64,AAAA", msgs[2].MultiContent[0].ImageURL.URL)
}

func TestIsContextOverflow(t *testing.T) {
	assert.True(t, IsContextOverflow(nil, errors.New("This model's maximum context length is 8192 tokens")))
	assert.True(t, IsContextOverflow(&Message{StopReason: StopError, ErrorMessage: "prompt is too long"}, nil))
	assert.False(t, IsContextOverflow(&Message{StopReason: StopEnd}, nil))
	assert.False(t, IsContextOverflow(nil, errors.New("rate limited")))
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(&Message{Content: []ContentBlock{{Type: BlockText, Text: "  "}}}))
	assert.False(t, IsEmpty(&Message{ToolCalls: []ToolCall{{ID: "x"}}}))
	assert.False(t, IsEmpty(&Message{Content: []ContentBlock{{Type: BlockText, Text: "ok"}}}))
}

func TestMessageJSONShape(t *testing.T) {
	m := Message{Role: RoleToolResult, ToolCallID: "c", IsError: true, Content: []ContentBlock{{Type: BlockText, Text: "boom"}}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"toolCallId":"c"`)
	assert.Contains(t, string(data), `"isError":true`)
}
