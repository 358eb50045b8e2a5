package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
)

type emission struct {
	topic string
	env   *envelope.Envelope
}

type recordingEmitter struct {
	mu        sync.Mutex
	emissions []emission
}

func (e *recordingEmitter) Emit(_ context.Context, topic string, env *envelope.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emissions = append(e.emissions, emission{topic: topic, env: env})
	return nil
}

func (e *recordingEmitter) all() []emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emission(nil), e.emissions...)
}

func (e *recordingEmitter) wait(t *testing.T, n int) []emission {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := e.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d emissions, got %d", n, len(e.all()))
	return nil
}

func searchTool() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "search",
		Description: "Searches the web.",
		InputSchema: map[string]any{"type": "object"},
	}
}

func weatherTool() model.ToolDefinition {
	return model.ToolDefinition{Name: "get_weather"}
}

func newRouter(opts ...Option) *Router {
	return New("researcher", opts...)
}

func promptEnvelope(text string) *envelope.Envelope {
	env := envelope.New(envelope.KindUserPrompt, "trace-1")
	env.FinalResponseTopic = "replies"
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser, text))
	return env
}

func completionEnvelope(responseID string, parts ...model.Part) *envelope.Envelope {
	env := envelope.New(envelope.KindAIResponse, "trace-1")
	env.FinalResponseTopic = "replies"
	env.ResponseID = responseID
	env.MessageHistory = []*model.Message{model.NewTextMessage(model.ConversationRoleUser, "hi")}
	env.LatestMessage = &model.Message{Role: model.ConversationRoleAssistant, Parts: parts}
	return env
}

func resultEnvelope(responseID, callID string, content any) *envelope.Envelope {
	env := envelope.New(envelope.KindToolResult, "trace-1")
	env.ResponseID = responseID
	env.LatestMessage = &model.Message{
		Role:  model.ConversationRoleUser,
		Parts: []model.Part{model.ToolResultPart{ToolUseID: callID, ToolName: "search", Content: content}},
	}
	return env
}

func TestUserPromptDispatchesChat(t *testing.T) {
	r := newRouter(WithTool(searchTool()))
	emit := &recordingEmitter{}

	require.NoError(t, r.handleInput(context.Background(), promptEnvelope("hi"), emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "chat.in.researcher", got[0].topic)
	require.NotNil(t, got[0].env.PatchRequestParams)
	require.Len(t, got[0].env.PatchRequestParams.Tools, 1)
	require.Equal(t, "search", got[0].env.PatchRequestParams.Tools[0].Name)
	require.Len(t, got[0].env.MessageHistory, 1)
}

func TestFinalAnswerPublishedToFinalTopic(t *testing.T) {
	r := newRouter()
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1", model.TextPart{Text: "the answer"})
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "replies", got[0].topic)
	require.Equal(t, envelope.KindAIResponse, got[0].env.Kind)
	// History authority: the completion is appended on ingest.
	require.Len(t, got[0].env.MessageHistory, 2)
}

func TestSingleToolCallRoundTrip(t *testing.T) {
	r := newRouter(WithTool(searchTool()))
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.TextPart{Text: "let me look"},
		model.ToolUsePart{ID: "call-1", Name: "search", Input: map[string]any{"query": "go"}},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "tool.in.search", got[0].topic)
	require.Equal(t, envelope.KindToolCallRequest, got[0].env.Kind)
	require.Len(t, got[0].env.LatestMessage.ToolUses(), 1)
	require.Equal(t, 1, r.joins.Len())

	require.NoError(t, r.handleToolResult(context.Background(), resultEnvelope("resp-1", "call-1", "found it"), emit))
	got = emit.all()
	require.Len(t, got, 2)
	require.Equal(t, "chat.in.researcher", got[1].topic)
	require.Equal(t, 0, r.joins.Len())

	// Accumulated history: prompt, assistant tool use, tool result.
	history := got[1].env.MessageHistory
	require.Len(t, history, 3)
	require.Len(t, history[2].ToolResults(), 1)
	require.Equal(t, "call-1", history[2].ToolResults()[0].ToolUseID)
}

func TestParallelCallsJoinBeforeChat(t *testing.T) {
	r := newRouter(WithTool(searchTool()), WithTool(weatherTool()))
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.ToolUsePart{ID: "call-1", Name: "search", Input: map[string]any{"query": "go"}},
		model.ToolUsePart{ID: "call-2", Name: "get_weather", Input: map[string]any{"city": "SF"}},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	require.Len(t, emit.all(), 2) // both tool dispatches, no chat yet

	require.NoError(t, r.handleToolResult(context.Background(), resultEnvelope("resp-1", "call-2", "sunny"), emit))
	require.Len(t, emit.all(), 2) // join still open

	require.NoError(t, r.handleToolResult(context.Background(), resultEnvelope("resp-1", "call-1", "docs"), emit))
	got := emit.all()
	require.Len(t, got, 3)
	require.Equal(t, "chat.in.researcher", got[2].topic)

	// Results appended in arrival order after the assistant message.
	history := got[2].env.MessageHistory
	require.Len(t, history, 4)
	require.Equal(t, "call-2", history[2].ToolResults()[0].ToolUseID)
	require.Equal(t, "call-1", history[3].ToolResults()[0].ToolUseID)
}

func TestDuplicateResultIgnored(t *testing.T) {
	r := newRouter(WithTool(searchTool()), WithTool(weatherTool()))
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.ToolUsePart{ID: "call-1", Name: "search"},
		model.ToolUsePart{ID: "call-2", Name: "get_weather"},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	require.NoError(t, r.handleToolResult(context.Background(), resultEnvelope("resp-1", "call-1", "a"), emit))
	require.NoError(t, r.handleToolResult(context.Background(), resultEnvelope("resp-1", "call-1", "a"), emit))
	require.Len(t, emit.all(), 2) // join still open, duplicate not counted
	require.Equal(t, 1, r.joins.Len())
}

func TestUnknownToolShortCircuits(t *testing.T) {
	r := newRouter()
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.ToolUsePart{ID: "call-1", Name: "no_such_tool"},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "chat.in.researcher", got[0].topic)

	results := got[0].env.LatestMessage.ToolResults()
	require.Len(t, results, 1)
	require.True(t, results[0].IsError)
	require.Equal(t, "call-1", results[0].ToolUseID)
	require.Equal(t, 0, r.joins.Len())
}

func TestDelegationDispatch(t *testing.T) {
	r := newRouter(WithDelegate("ask_writer", "Delegates to the writer agent.", "agent.private.writer"))
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.ToolUsePart{ID: "call-1", Name: "ask_writer", Input: map[string]any{"prompt": "draft an intro"}},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "agent.private.writer", got[0].topic)

	out := got[0].env
	require.Equal(t, envelope.KindUserPrompt, out.Kind)
	require.Equal(t, "agent.return.researcher", out.FinalResponseTopic)
	require.Equal(t, "draft an intro", out.LatestMessage.Text())
	require.Len(t, out.DelegationStack, 1)
	frame := out.DelegationStack[0]
	require.Equal(t, "agent.private.researcher", frame.CallerPrivateTopic)
	require.Equal(t, "replies", frame.CallerFinalResponseTopic)
	require.Equal(t, "agent.return.researcher", frame.ReturnTopic)
	require.Equal(t, "call-1", frame.ToolCallID)
	require.Equal(t, "ask_writer", frame.ToolName)
}

func TestFinalAnswerWithPendingFrameGoesToReturnpoint(t *testing.T) {
	r := New("writer")
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1", model.TextPart{Text: "the draft"})
	env.FinalResponseTopic = "agent.return.researcher"
	env.PushFrame(envelope.DelegationFrame{
		CallerPrivateTopic: "agent.private.researcher",
		ReturnTopic:        "agent.return.researcher",
		ToolCallID:         "call-1",
		ToolName:           "ask_writer",
	})
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "agent.return.researcher", got[0].topic)
}

func TestFinalAnswerWithLeakedFrameDropped(t *testing.T) {
	r := New("writer")
	emit := &recordingEmitter{}

	// A frame is pending but the envelope points at a user-facing topic: the
	// stack would leak past the conversation boundary. Drop it.
	env := completionEnvelope("resp-1", model.TextPart{Text: "the draft"})
	env.PushFrame(envelope.DelegationFrame{
		CallerPrivateTopic: "agent.private.researcher",
		ReturnTopic:        "agent.return.researcher",
		ToolCallID:         "call-1",
		ToolName:           "ask_writer",
	})
	err := r.handleCompletion(context.Background(), env, emit)
	require.ErrorIs(t, err, node.ErrDrop)
	require.Empty(t, emit.all())
}

func TestReturnpointPopsFrame(t *testing.T) {
	r := newRouter()
	emit := &recordingEmitter{}

	env := envelope.New(envelope.KindAIResponse, "trace-1")
	env.FinalResponseTopic = "agent.return.researcher"
	env.ResponseID = "sub-resp"
	env.SetLatest(model.NewTextMessage(model.ConversationRoleAssistant, "here is the draft"))
	env.PushFrame(envelope.DelegationFrame{
		CallerPrivateTopic:       "agent.private.researcher",
		CallerFinalResponseTopic: "replies",
		ToolCallID:               "call-1",
		ToolName:                 "ask_writer",
	})

	require.NoError(t, r.handleReturn(context.Background(), env, emit))
	got := emit.all()
	require.Len(t, got, 1)
	require.Equal(t, "agent.private.researcher", got[0].topic)

	out := got[0].env
	require.Equal(t, envelope.KindToolResult, out.Kind)
	require.Equal(t, "replies", out.FinalResponseTopic)
	require.Empty(t, out.DelegationStack)
	results := out.LatestMessage.ToolResults()
	require.Len(t, results, 1)
	require.Equal(t, "call-1", results[0].ToolUseID)
	require.Equal(t, "here is the draft", results[0].Content)
}

func TestReturnpointEmptyStackDropped(t *testing.T) {
	r := newRouter()

	env := envelope.New(envelope.KindAIResponse, "trace-1")
	env.SetLatest(model.NewTextMessage(model.ConversationRoleAssistant, "answer"))
	err := r.handleReturn(context.Background(), env, &recordingEmitter{})
	require.ErrorIs(t, err, node.ErrDrop)
}

func TestDelegationReturnJoinsByCallID(t *testing.T) {
	r := newRouter(WithDelegate("ask_writer", "", "agent.private.writer"))
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.ToolUsePart{ID: "call-1", Name: "ask_writer", Input: map[string]any{"prompt": "go"}},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))

	// The synthesized tool return arrives on the entrypoint carrying the
	// sub-agent's response id, not the one that opened the join.
	ret := resultEnvelope("sub-resp", "call-1", "the draft")
	ret.LatestMessage.Parts = []model.Part{model.ToolResultPart{
		ToolUseID: "call-1", ToolName: "ask_writer", Content: "the draft",
	}}
	require.NoError(t, r.handleInput(context.Background(), ret, emit))
	got := emit.all()
	require.Len(t, got, 2)
	require.Equal(t, "chat.in.researcher", got[1].topic)
	require.Equal(t, 0, r.joins.Len())
}

func TestJoinDeadlineSynthesizesErrors(t *testing.T) {
	r := newRouter(
		WithTool(searchTool()),
		WithJoinDeadline(20*time.Millisecond),
	)
	emit := &recordingEmitter{}

	env := completionEnvelope("resp-1",
		model.ToolUsePart{ID: "call-1", Name: "search"},
	)
	require.NoError(t, r.handleCompletion(context.Background(), env, emit))

	got := emit.wait(t, 2)
	require.Equal(t, "chat.in.researcher", got[1].topic)
	results := got[1].env.LatestMessage.ToolResults()
	require.Len(t, results, 1)
	require.True(t, results[0].IsError)
	require.Equal(t, "call-1", results[0].ToolUseID)
	require.Equal(t, 0, r.joins.Len())

	// A straggler after eviction falls through to the no-join path.
	require.NoError(t, r.handleToolResult(context.Background(), resultEnvelope("resp-1", "call-1", "late"), emit))
	got = emit.all()
	require.Equal(t, "chat.in.researcher", got[2].topic)
}

func TestEndOfTurnIsTerminal(t *testing.T) {
	r := newRouter()
	emit := &recordingEmitter{}

	env := envelope.New(envelope.KindEndOfTurn, "trace-1")
	require.NoError(t, r.handleInput(context.Background(), env, emit))
	require.Empty(t, emit.all())
}

func TestGroupchatPromptAdditionPreserved(t *testing.T) {
	r := newRouter(WithTool(searchTool()))
	emit := &recordingEmitter{}

	env := promptEnvelope("hello group")
	env.PatchRequestParams = &model.RequestParams{SystemPromptAddition: "You are in a group chat."}
	require.NoError(t, r.handleInput(context.Background(), env, emit))

	got := emit.all()
	require.Equal(t, "You are in a group chat.", got[0].env.PatchRequestParams.SystemPromptAddition)
	require.Len(t, got[0].env.PatchRequestParams.Tools, 1)
}

func TestDelegationPromptExtraction(t *testing.T) {
	require.Equal(t, "do it", delegationPrompt(map[string]any{"prompt": "do it"}))
	require.Equal(t, "ask this", delegationPrompt(map[string]any{"question": "ask this"}))
	require.Equal(t, `{"city":"SF"}`, delegationPrompt(map[string]any{"city": "SF"}))
}

func TestReplayedInputsRouteIdentically(t *testing.T) {
	// Routing is a pure function of the inbound envelopes: replaying the same
	// sequence through a fresh router yields byte-identical emissions.
	run := func() []emission {
		ctx := context.Background()
		r := newRouter(WithTool(searchTool()), WithTool(weatherTool()))
		emit := &recordingEmitter{}
		require.NoError(t, r.handleInput(ctx, promptEnvelope("compare"), emit))
		require.NoError(t, r.handleCompletion(ctx, completionEnvelope("resp-1",
			model.ToolUsePart{ID: "call-1", Name: "search", Input: map[string]any{"query": "go"}},
			model.ToolUsePart{ID: "call-2", Name: "get_weather", Input: map[string]any{"city": "SF"}},
		), emit))
		require.NoError(t, r.handleToolResult(ctx, resultEnvelope("resp-1", "call-2", "sunny"), emit))
		require.NoError(t, r.handleToolResult(ctx, resultEnvelope("resp-1", "call-1", "docs"), emit))
		require.NoError(t, r.handleCompletion(ctx, completionEnvelope("resp-2", model.TextPart{Text: "done"}), emit))
		return emit.all()
	}

	first, second := run(), run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].topic, second[i].topic)
		a, err := envelope.Encode(first[i].env)
		require.NoError(t, err)
		b, err := envelope.Encode(second[i].env)
		require.NoError(t, err)
		require.JSONEq(t, string(a), string(b))
	}
}

func TestWiringCoversAllInputs(t *testing.T) {
	r := newRouter(WithTool(searchTool()))
	bindings := r.Wiring()
	require.Len(t, bindings, 4)

	var topics []string
	for _, b := range bindings {
		topics = append(topics, b.Topics...)
	}
	require.ElementsMatch(t, []string{
		"agent.public.researcher",
		"agent.private.researcher",
		"agent.return.researcher",
		"chat.out.researcher",
		"tool.out.search",
	}, topics)
}
