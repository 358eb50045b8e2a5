package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
)

type scriptedClient struct {
	resp model.Response
	err  error
	last model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.last = req
	return c.resp, c.err
}

type captureEmitter struct {
	topic string
	env   *envelope.Envelope
	count int
}

func (e *captureEmitter) Emit(_ context.Context, topic string, env *envelope.Envelope) error {
	e.topic = topic
	e.env = env
	e.count++
	return nil
}

func promptEnvelope(text string) *envelope.Envelope {
	env := envelope.New(envelope.KindUserPrompt, "trace-1")
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser, text))
	env.FinalResponseTopic = "replies"
	return env
}

func TestHandlePublishesCompletion(t *testing.T) {
	client := &scriptedClient{resp: model.Response{
		Message: model.NewTextMessage(model.ConversationRoleAssistant, "hello there"),
	}}
	n := New("writer", client)
	emit := &captureEmitter{}

	err := n.handle(context.Background(), promptEnvelope("hi"), emit)
	require.NoError(t, err)
	require.Equal(t, 1, emit.count)
	require.Equal(t, "chat.out.writer", emit.topic)
	require.Equal(t, envelope.KindAIResponse, emit.env.Kind)
	require.Equal(t, "hello there", emit.env.LatestMessage.Text())
	require.NotEmpty(t, emit.env.ResponseID)
	require.Equal(t, "replies", emit.env.FinalResponseTopic)
	// History authority stays with the router: the completion is not appended.
	require.Len(t, emit.env.MessageHistory, 1)
}

func TestHandleRequiresLatestMessage(t *testing.T) {
	n := New("writer", &scriptedClient{})
	env := envelope.New(envelope.KindUserPrompt, "trace-1")

	err := n.handle(context.Background(), env, &captureEmitter{})
	require.ErrorIs(t, err, node.ErrDrop)
	require.ErrorIs(t, err, envelope.ErrInvalidEnvelope)
}

func TestHandleAppliesPatches(t *testing.T) {
	client := &scriptedClient{resp: model.Response{
		Message: model.NewTextMessage(model.ConversationRoleAssistant, "ok"),
	}}
	n := New("writer", client,
		WithSettings(model.Settings{Model: "default-model", Temperature: 0.2}),
	)
	env := promptEnvelope("hi")
	env.PatchSettings = &model.Settings{Model: "patched-model", MaxTokens: 64}
	env.PatchRequestParams = &model.RequestParams{
		Tools:                []*model.ToolDefinition{{Name: "get_time"}},
		SystemPromptAddition: "Answer briefly.",
	}
	emit := &captureEmitter{}

	require.NoError(t, n.handle(context.Background(), env, emit))
	require.Equal(t, "patched-model", client.last.Model)
	require.Equal(t, 64, client.last.MaxTokens)
	require.Len(t, client.last.Tools, 1)
	require.Equal(t, model.ConversationRoleSystem, client.last.Messages[0].Role)
	require.Equal(t, "Answer briefly.", client.last.Messages[0].Text())
	// Patches are consumed by the invocation.
	require.Nil(t, emit.env.PatchSettings)
	require.Nil(t, emit.env.PatchRequestParams)
}

func TestHandlePrependsSystemPrompt(t *testing.T) {
	client := &scriptedClient{resp: model.Response{
		Message: model.NewTextMessage(model.ConversationRoleAssistant, "ok"),
	}}
	n := New("writer", client, WithSystemPrompt("You are terse."))

	// The base prompt survives a request params patch; the patched addition
	// follows it.
	env := promptEnvelope("hi")
	env.PatchRequestParams = &model.RequestParams{SystemPromptAddition: "Answer in French."}
	require.NoError(t, n.handle(context.Background(), env, &captureEmitter{}))

	require.Equal(t, model.ConversationRoleSystem, client.last.Messages[0].Role)
	require.Equal(t, "You are terse.", client.last.Messages[0].Text())
	require.Equal(t, "Answer in French.", client.last.Messages[1].Text())
}

func TestHandleHistoryModes(t *testing.T) {
	client := &scriptedClient{resp: model.Response{
		Message: model.NewTextMessage(model.ConversationRoleAssistant, "ok"),
	}}
	env := promptEnvelope("first")
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser, "second"))

	full := New("writer", client)
	require.NoError(t, full.handle(context.Background(), env, &captureEmitter{}))
	require.Len(t, client.last.Messages, 2)

	latest := New("writer", client, WithHistoryMode(HistoryLatestOnly))
	require.NoError(t, latest.handle(context.Background(), env, &captureEmitter{}))
	require.Len(t, client.last.Messages, 1)
	require.Equal(t, "second", client.last.Messages[0].Text())
}

func TestHandleSurfacesModelFailure(t *testing.T) {
	boom := model.NewProviderError("anthropic", "messages", 429,
		model.ProviderErrorKindRateLimited, "slow down", nil)
	client := &scriptedClient{err: boom}
	n := New("writer", client)
	emit := &captureEmitter{}

	require.NoError(t, n.handle(context.Background(), promptEnvelope("hi"), emit))
	require.Equal(t, envelope.KindAIResponse, emit.env.Kind)
	require.Contains(t, emit.env.LatestMessage.Text(), "failed")
	require.Equal(t, "rate_limited", emit.env.LatestMessage.Meta["error_kind"])
	require.Equal(t, "anthropic", emit.env.LatestMessage.Meta["provider"])
}

func TestWiring(t *testing.T) {
	n := New("writer", &scriptedClient{})
	wiring := n.Wiring()
	require.Len(t, wiring, 1)
	require.Equal(t, []string{"chat.in.writer"}, wiring[0].Topics)
	require.Equal(t, "writer", wiring[0].Group)
}

func TestErrorMessageWrapsPlainErrors(t *testing.T) {
	msg := errorMessage(errors.New("dial tcp: timeout"))
	require.Equal(t, model.ConversationRoleAssistant, msg.Role)
	require.Equal(t, "dial tcp: timeout", msg.Meta["error"])
}
