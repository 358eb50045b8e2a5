package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/calf/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func newTestClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)
	return c
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type: "text",
			Text: "world",
		}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	c := newTestClient(t, stub)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.NewTextMessage(model.ConversationRoleUser, "hello")},
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Message.Text())
	require.Empty(t, resp.ToolCalls)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(128), stub.lastParams.MaxTokens)
}

func TestCompleteSystemPromptSplitsOut(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
	}}
	c := newTestClient(t, stub)

	_, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			model.NewTextMessage(model.ConversationRoleSystem, "you are terse"),
			model.NewTextMessage(model.ConversationRoleUser, "hello"),
		},
	})
	require.NoError(t, err)
	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "you are terse", stub.lastParams.System[0].Text)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestCompleteTranslatesToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{
				Type:  "tool_use",
				Name:  "get_weather",
				ID:    "tool-1",
				Input: json.RawMessage(`{"city":"SF"}`),
			},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	c := newTestClient(t, stub)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{model.NewTextMessage(model.ConversationRoleUser, "weather?")},
		Tools: []*model.ToolDefinition{{
			Name:        "get_weather",
			Description: "Returns the weather.",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "tool-1", resp.ToolCalls[0].ID)
	require.Equal(t, map[string]any{"city": "SF"}, resp.ToolCalls[0].Input)
	require.Len(t, resp.Message.ToolUses(), 1)
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestCompleteEncodesToolHistory(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
	}}
	c := newTestClient(t, stub)

	_, err := c.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			model.NewTextMessage(model.ConversationRoleUser, "weather?"),
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "tool-1", Name: "get_weather", Input: map[string]any{"city": "SF"}},
			}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "tool-1", Content: map[string]any{"temp": 18}},
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 3)
}

func TestCompleteRequiresMessages(t *testing.T) {
	c := newTestClient(t, &stubMessagesClient{})
	_, err := c.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}
