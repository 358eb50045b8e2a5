package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
)

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

func echoDefinition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "echo",
		Description: "Echoes its input.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"text": map[string]any{"type": "string"}},
			"required":             []any{"text"},
			"additionalProperties": false,
		},
	}
}

func echoNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(NewFunc(echoDefinition(), func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"echoed": args["text"]}, nil
	}))
	require.NoError(t, err)
	return n
}

func callEnvelope(callID string, name string, input map[string]any) *envelope.Envelope {
	env := envelope.New(envelope.KindToolCallRequest, "trace-1")
	env.ResponseID = "resp-1"
	env.LatestMessage = &model.Message{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.ToolUsePart{ID: callID, Name: name, Input: input}},
	}
	return env
}

func TestHandlePublishesResult(t *testing.T) {
	n := echoNode(t)
	emit := &captureEmitter{}

	env := callEnvelope("call-1", "echo", map[string]any{"text": "hi"})
	require.NoError(t, n.handle(context.Background(), env, emit))
	require.Equal(t, 1, emit.count)
	require.Equal(t, "tool.out.echo", emit.topic)
	require.Equal(t, envelope.KindToolResult, emit.env.Kind)
	require.Equal(t, "resp-1", emit.env.ResponseID)

	results := emit.env.LatestMessage.ToolResults()
	require.Len(t, results, 1)
	require.Equal(t, "call-1", results[0].ToolUseID)
	require.Equal(t, "echo", results[0].ToolName)
	require.False(t, results[0].IsError)
	require.Equal(t, map[string]any{"echoed": "hi"}, results[0].Content)
}

func TestHandleRejectsInvalidArguments(t *testing.T) {
	n := echoNode(t)
	emit := &captureEmitter{}

	env := callEnvelope("call-1", "echo", map[string]any{"text": 42})
	require.NoError(t, n.handle(context.Background(), env, emit))

	results := emit.env.LatestMessage.ToolResults()
	require.Len(t, results, 1)
	require.True(t, results[0].IsError)
	require.Equal(t, "call-1", results[0].ToolUseID)
}

func TestHandleSurfacesExecutionError(t *testing.T) {
	n, err := New(NewFunc(echoDefinition(), func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend unavailable")
	}))
	require.NoError(t, err)
	emit := &captureEmitter{}

	env := callEnvelope("call-1", "echo", map[string]any{"text": "hi"})
	require.NoError(t, n.handle(context.Background(), env, emit))

	results := emit.env.LatestMessage.ToolResults()
	require.True(t, results[0].IsError)
	require.Contains(t, results[0].Content.(map[string]any)["error"], "backend unavailable")
}

func TestHandleDropsMismatchedCall(t *testing.T) {
	n := echoNode(t)

	env := callEnvelope("call-1", "other_tool", nil)
	err := n.handle(context.Background(), env, &captureEmitter{})
	require.ErrorIs(t, err, node.ErrDrop)
	require.ErrorIs(t, err, ErrMismatchedCall)
}

func TestHandleDropsWrongKind(t *testing.T) {
	n := echoNode(t)

	env := envelope.New(envelope.KindUserPrompt, "trace-1")
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser, "hi"))
	err := n.handle(context.Background(), env, &captureEmitter{})
	require.ErrorIs(t, err, node.ErrDrop)
	require.ErrorIs(t, err, envelope.ErrInvalidEnvelope)
}

func TestNewRejectsAnonymousExecutor(t *testing.T) {
	_, err := New(NewFunc(model.ToolDefinition{}, func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}))
	require.Error(t, err)
}

func TestWiring(t *testing.T) {
	n := echoNode(t)
	wiring := n.Wiring()
	require.Len(t, wiring, 1)
	require.Equal(t, []string{"tool.in.echo"}, wiring[0].Topics)
	require.Equal(t, "echo", wiring[0].Group)
}

func TestNormalizeNumbers(t *testing.T) {
	n, err := New(NewFunc(model.ToolDefinition{
		Name: "count",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"n": map[string]any{"type": "integer", "minimum": 1}},
			"required":   []any{"n"},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return args["n"], nil
	}))
	require.NoError(t, err)

	env := callEnvelope("call-1", "count", map[string]any{"n": 3})
	emit := &captureEmitter{}
	require.NoError(t, n.handle(context.Background(), env, emit))
	require.False(t, emit.env.LatestMessage.ToolResults()[0].IsError)
}
