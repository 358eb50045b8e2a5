// Package agent implements the router node that embodies an agent. The
// router is the conversation's state machine: it is the sole writer of the
// message history, dispatches tool calls requested by the model, joins
// parallel results, and maintains the delegation stack when agents call each
// other as tools. All conversational state travels inside the envelope; the
// only node-local state is the bounded join buffer for in-flight parallel
// tool calls.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
	"goa.design/calf/runtime/telemetry"
)

// DefaultJoinDeadline bounds how long the router waits for the results of
// one multi-call response before synthesizing errors for the missing ones.
const DefaultJoinDeadline = 2 * time.Minute

type (
	// Router routes envelopes for one named agent.
	Router struct {
		name         string
		topics       node.Topics
		chat         node.Topics
		tools        map[string]target
		defs         []*model.ToolDefinition
		toolOut      []string
		joins        *joinTable
		joinDeadline time.Duration
		log          telemetry.Logger
		metrics      telemetry.Metrics
	}

	// target is a dispatch destination for one tool name.
	target struct {
		def      *model.ToolDefinition
		topic    string
		delegate bool
	}

	// Option configures a Router.
	Option func(*Router)
)

// WithTool registers a regular tool. The router subscribes to the tool's
// output topic and exposes its definition to the model.
func WithTool(def model.ToolDefinition) Option {
	return func(r *Router) {
		topics := node.ToolTemplates.Resolve(def.Name)
		d := def
		r.tools[def.Name] = target{def: &d, topic: topics.Shared}
		r.defs = append(r.defs, &d)
		r.toolOut = append(r.toolOut, topics.Publish)
	}
}

// WithDelegate registers a sub-agent exposed as a tool. Calls to it push a
// delegation frame and route a prompt to the sub-agent's entrypoint.
func WithDelegate(name, description, entrypointTopic string) Option {
	return func(r *Router) {
		def := &model.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "The question or task for the agent.",
					},
				},
				"required": []any{"prompt"},
			},
		}
		r.tools[name] = target{def: def, topic: entrypointTopic, delegate: true}
		r.defs = append(r.defs, def)
	}
}

// WithJoinDeadline overrides the parallel tool call join deadline.
func WithJoinDeadline(d time.Duration) Option {
	return func(r *Router) { r.joinDeadline = d }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New builds the router for the agent named name.
func New(name string, opts ...Option) *Router {
	r := &Router{
		name:         name,
		topics:       node.AgentTemplates.Resolve(name),
		chat:         node.ScopedChatTemplates().Resolve(name),
		tools:        make(map[string]target),
		joins:        newJoinTable(),
		joinDeadline: DefaultJoinDeadline,
		log:          telemetry.NopLogger{},
		metrics:      telemetry.NopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements node.Registerable.
func (r *Router) Name() string { return r.name }

// Topics returns the router's resolved topics. Entrypoint is the address
// other routers use to delegate to this agent.
func (r *Router) Topics() node.Topics { return r.topics }

// Wiring implements node.Registerable. The router subscribes its public and
// private inputs, its chat node's output, and the output topic of every
// registered tool.
func (r *Router) Wiring() []node.Binding {
	bindings := []node.Binding{
		{
			Handler: node.HandlerFunc(r.handleInput),
			Topics:  []string{r.topics.Shared, r.topics.Entrypoint},
			Group:   r.name,
		},
		{
			Handler: node.HandlerFunc(r.handleReturn),
			Topics:  []string{r.topics.Returnpoint},
			Group:   r.name,
		},
		{
			Handler: node.HandlerFunc(r.handleCompletion),
			Topics:  []string{r.chat.Publish},
			Group:   r.name,
		},
	}
	if len(r.toolOut) > 0 {
		bindings = append(bindings, node.Binding{
			Handler: node.HandlerFunc(r.handleToolResult),
			Topics:  append([]string(nil), r.toolOut...),
			Group:   r.name,
		})
	}
	return bindings
}

// handleInput consumes the shared and entrypoint topics: new prompts, and
// the synthesized tool returns of completed delegations.
func (r *Router) handleInput(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	env = env.Clone()
	switch env.Kind {
	case envelope.KindUserPrompt:
		env.AppendLatest()
		return r.dispatchChat(ctx, env, emit)
	case envelope.KindToolResult:
		return r.joinResult(ctx, env, emit)
	case envelope.KindEndOfTurn:
		// Terminal for the trace.
		r.log.Debug(ctx, "end of turn", "agent", r.name, "trace_id", env.TraceID)
		return nil
	default:
		return fmt.Errorf("%w: kind %s on agent input", node.ErrDrop, env.Kind)
	}
}

// handleCompletion consumes the agent's chat output. A completion with tool
// calls fans out to the tools; without, it is the final answer.
func (r *Router) handleCompletion(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.Kind != envelope.KindAIResponse {
		return fmt.Errorf("%w: kind %s on chat output", node.ErrDrop, env.Kind)
	}
	env = env.Clone()
	env.AppendLatest()

	uses := env.LatestMessage.ToolUses()
	if len(uses) == 0 {
		if env.FinalResponseTopic == "" {
			return fmt.Errorf("%w: final answer without final response topic", node.ErrDrop)
		}
		// With frames pending the only legal destination is the returnpoint
		// recorded when the top frame was pushed. Anything else would leak
		// the stack to a user-facing topic.
		if n := len(env.DelegationStack); n > 0 && env.FinalResponseTopic != env.DelegationStack[n-1].ReturnTopic {
			return fmt.Errorf("%w: final answer to %q with %d delegation frames pending", node.ErrDrop, env.FinalResponseTopic, n)
		}
		r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "agent", r.name, "action", "final")
		return emit.Emit(ctx, env.FinalResponseTopic, env)
	}
	return r.dispatchCalls(ctx, env, uses, emit)
}

// handleReturn consumes the returnpoint: a delegated sub-agent's final
// answer. The frame pushed at dispatch time is popped here, its tool call
// answered with the response text, and the reply routed back into this
// router's own input.
func (r *Router) handleReturn(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.Kind != envelope.KindAIResponse {
		return fmt.Errorf("%w: kind %s on returnpoint", node.ErrDrop, env.Kind)
	}
	env = env.Clone()
	env.AppendLatest()

	frame, err := env.PopFrame()
	if err != nil {
		return fmt.Errorf("%w: returnpoint arrival with empty delegation stack", node.ErrDrop)
	}

	out := env.Clone()
	out.Kind = envelope.KindToolResult
	out.FinalResponseTopic = frame.CallerFinalResponseTopic
	out.LatestMessage = &model.Message{
		Role: model.ConversationRoleUser,
		Parts: []model.Part{model.ToolResultPart{
			ToolUseID: frame.ToolCallID,
			ToolName:  frame.ToolName,
			Content:   env.LatestMessage.Text(),
		}},
	}
	r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "agent", r.name, "action", "delegation_return")
	return emit.Emit(ctx, frame.CallerPrivateTopic, out)
}

// handleToolResult consumes the output topics of the agent's tools.
func (r *Router) handleToolResult(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.Kind != envelope.KindToolResult {
		return fmt.Errorf("%w: kind %s on tool output", node.ErrDrop, env.Kind)
	}
	return r.joinResult(ctx, env.Clone(), emit)
}

// dispatchCalls fans a multi-call response out to its tools and registers
// the join that gates the next model invocation.
func (r *Router) dispatchCalls(ctx context.Context, env *envelope.Envelope, uses []model.ToolUsePart, emit node.Emitter) error {
	calls := make(map[string]string, len(uses))
	for _, use := range uses {
		calls[use.ID] = use.Name
	}
	key := joinKey{TraceID: env.TraceID, ResponseID: env.ResponseID}
	r.joins.Create(key, calls, env.Clone(), emit, r.joinDeadline, r.expireJoin)

	for _, use := range uses {
		tgt, ok := r.tools[use.Name]
		switch {
		case !ok:
			// The model asked for a tool this agent does not own. Short
			// circuit with an error result so the conversation can recover.
			r.log.Warn(ctx, "unknown tool requested", "agent", r.name, "tool", use.Name, "trace_id", env.TraceID)
			msg := &model.Message{
				Role: model.ConversationRoleUser,
				Parts: []model.Part{model.ToolResultPart{
					ToolUseID: use.ID,
					ToolName:  use.Name,
					Content:   map[string]any{"error": fmt.Sprintf("unknown tool %q", use.Name)},
					IsError:   true,
				}},
			}
			if joined, em, _, done := r.joins.Deliver(env.TraceID, env.ResponseID, use.ID, msg); done {
				if err := r.dispatchChat(ctx, joined, em); err != nil {
					return err
				}
			}
		case tgt.delegate:
			if err := r.dispatchDelegation(ctx, env, use, tgt, emit); err != nil {
				return err
			}
		default:
			out := env.Clone()
			out.Kind = envelope.KindToolCallRequest
			out.LatestMessage = &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{use},
			}
			r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "agent", r.name, "action", "tool_call")
			if err := emit.Emit(ctx, tgt.topic, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchDelegation routes one tool call to a sub-agent: push the return
// frame, redirect the final response topic to this router's returnpoint and
// prompt the sub-agent through its entrypoint.
func (r *Router) dispatchDelegation(ctx context.Context, env *envelope.Envelope, use model.ToolUsePart, tgt target, emit node.Emitter) error {
	out := env.Clone()
	out.Kind = envelope.KindUserPrompt
	out.PushFrame(envelope.DelegationFrame{
		CallerPrivateTopic:       r.topics.Entrypoint,
		CallerFinalResponseTopic: env.FinalResponseTopic,
		ReturnTopic:              r.topics.Returnpoint,
		ToolCallID:               use.ID,
		ToolName:                 use.Name,
	})
	out.FinalResponseTopic = r.topics.Returnpoint
	out.PatchRequestParams = nil
	out.SetLatest(model.NewTextMessage(model.ConversationRoleUser, delegationPrompt(use.Input)))
	r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "agent", r.name, "action", "delegate")
	return emit.Emit(ctx, tgt.topic, out)
}

// joinResult feeds one tool result into the join buffer and forwards the
// accumulated conversation to the chat node once every expected result has
// arrived. Results with no registered join (router restart, post-deadline
// stragglers) are forwarded immediately.
func (r *Router) joinResult(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.LatestMessage == nil {
		return fmt.Errorf("%w: %w: tool result without latest message", node.ErrDrop, envelope.ErrInvalidEnvelope)
	}
	results := env.LatestMessage.ToolResults()
	if len(results) == 0 {
		return fmt.Errorf("%w: %w: tool result without result part", node.ErrDrop, envelope.ErrInvalidEnvelope)
	}

	joined, em, found, done := r.joins.Deliver(env.TraceID, env.ResponseID, results[0].ToolUseID, env.LatestMessage)
	switch {
	case !found:
		env.AppendLatest()
		return r.dispatchChat(ctx, env, emit)
	case done:
		return r.dispatchChat(ctx, joined, em)
	default:
		return nil
	}
}

// expireJoin runs when a join deadline passes: missing results become
// synthetic errors and the conversation proceeds.
func (r *Router) expireJoin(env *envelope.Envelope, emit node.Emitter, missing map[string]string) {
	ctx := context.Background()
	for id, name := range missing {
		r.log.Warn(ctx, "tool result missing at join deadline", "agent", r.name, "tool", name, "tool_call_id", id, "trace_id", env.TraceID)
		env.SetLatest(&model.Message{
			Role: model.ConversationRoleUser,
			Parts: []model.Part{model.ToolResultPart{
				ToolUseID: id,
				ToolName:  name,
				Content:   map[string]any{"error": fmt.Sprintf("tool %q produced no result before the deadline", name)},
				IsError:   true,
			}},
		})
	}
	if err := r.dispatchChat(ctx, env, emit); err != nil {
		r.log.Error(ctx, err, "dispatch after join deadline failed", "agent", r.name, "trace_id", env.TraceID)
	}
}

// dispatchChat hands the conversation to the agent's chat node with the
// agent's tool definitions attached. A system prompt addition already on the
// envelope (group chats inject the roster) is preserved.
func (r *Router) dispatchChat(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	params := &model.RequestParams{Tools: r.defs}
	if env.PatchRequestParams != nil {
		params.SystemPromptAddition = env.PatchRequestParams.SystemPromptAddition
		if len(env.PatchRequestParams.Tools) > 0 {
			params.Tools = env.PatchRequestParams.Tools
		}
	}
	env.PatchRequestParams = params
	r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "agent", r.name, "action", "chat")
	return emit.Emit(ctx, r.chat.Shared, env)
}

// delegationPrompt extracts the prompt text from a delegation call's
// arguments. Conventional keys are tried first; anything else is forwarded
// as JSON so no input is silently lost.
func delegationPrompt(input map[string]any) string {
	for _, key := range []string{"prompt", "message", "question", "task", "input"} {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(raw)
}
