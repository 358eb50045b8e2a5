package openai

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"goa.design/calf/runtime/model"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func newClient(t *testing.T, chat ChatClient) *Client {
	t.Helper()
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	return c
}

func TestCompleteTranslatesMessagesAndTools(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hi"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	c := newClient(t, fake)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			model.NewTextMessage(model.ConversationRoleSystem, "be brief"),
			model.NewTextMessage(model.ConversationRoleUser, "hello"),
		},
		Tools: []*model.ToolDefinition{{
			Name:        "get_time",
			Description: "Returns the time.",
			InputSchema: map[string]any{"type": "object"},
		}},
		Temperature: 0.5,
		MaxTokens:   128,
	})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Message.Text())
	require.Empty(t, resp.ToolCalls)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.Equal(t, "gpt-4o", fake.req.Model)
	require.Len(t, fake.req.Messages, 2)
	require.Len(t, fake.req.Tools, 1)
	require.Equal(t, "get_time", fake.req.Tools[0].Function.Name)
}

func TestCompleteTranslatesToolCalls(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:   "call-1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "get_time",
						Arguments: `{"tz":"UTC"}`,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	c := newClient(t, fake)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.NewTextMessage(model.ConversationRoleUser, "time?")},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call-1", resp.ToolCalls[0].ID)
	require.Equal(t, map[string]any{"tz": "UTC"}, resp.ToolCalls[0].Input)
	require.Len(t, resp.Message.ToolUses(), 1)
}

func TestCompleteEncodesToolHistory(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: "assistant", Content: "done"},
		}},
	}}
	c := newClient(t, fake)

	_, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			model.NewTextMessage(model.ConversationRoleUser, "time?"),
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call-1", Name: "get_time", Input: map[string]any{"tz": "UTC"}},
			}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call-1", ToolName: "get_time", Content: map[string]any{"time": "12:00"}},
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, fake.req.Messages, 3)
	require.Len(t, fake.req.Messages[1].ToolCalls, 1)
	require.Equal(t, openai.ChatMessageRoleTool, fake.req.Messages[2].Role)
	require.Equal(t, "call-1", fake.req.Messages[2].ToolCallID)
	require.JSONEq(t, `{"time":"12:00"}`, fake.req.Messages[2].Content)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	fake := &fakeChat{err: &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"}}
	c := newClient(t, fake)

	_, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.NewTextMessage(model.ConversationRoleUser, "hi")},
	})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeChat{}})
	require.Error(t, err)
}
