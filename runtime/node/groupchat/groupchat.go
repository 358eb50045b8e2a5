// Package groupchat implements the round-robin router that coordinates a
// fixed roster of agents in one conversation. Scheduling state lives inside
// the envelope, never in the router, so group chats survive restarts and
// scale across router replicas keyed by trace id. The chat ends when every
// participant skips its turn in a row.
package groupchat

import (
	"context"
	"fmt"

	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
	"goa.design/calf/runtime/telemetry"
)

type (
	// Participant is one member of the group: its display name for the
	// roster prompt and the entrypoint topic it is invoked on.
	Participant struct {
		Name  string
		Topic string
	}

	// Router coordinates the participants of one named group.
	Router struct {
		name         string
		topics       node.Topics
		participants []Participant
		log          telemetry.Logger
		metrics      telemetry.Metrics
	}

	// Option configures a Router.
	Option func(*Router)
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New builds the router for the group named name over the given participants.
// Turn order follows the slice order.
func New(name string, participants []Participant, opts ...Option) *Router {
	r := &Router{
		name:         name,
		topics:       node.GroupchatTemplates.Resolve(name),
		participants: append([]Participant(nil), participants...),
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

// Topics returns the router's resolved topics.
func (r *Router) Topics() node.Topics { return r.topics }

// Wiring implements node.Registerable.
func (r *Router) Wiring() []node.Binding {
	return []node.Binding{
		{
			Handler: node.HandlerFunc(r.handleStart),
			Topics:  []string{r.topics.Shared},
			Group:   r.name,
		},
		{
			Handler: node.HandlerFunc(r.handleReturn),
			Topics:  []string{r.topics.Returnpoint},
			Group:   r.name,
		},
	}
}

// handleStart consumes the group's input topic: a user prompt opening or
// continuing the chat. The prompt becomes the first contribution of the
// visible window and the first participant is scheduled.
func (r *Router) handleStart(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.Kind != envelope.KindUserPrompt {
		return fmt.Errorf("%w: kind %s on group input", node.ErrDrop, env.Kind)
	}
	if env.LatestMessage == nil {
		return fmt.Errorf("%w: %w: group prompt without latest message", node.ErrDrop, envelope.ErrInvalidEnvelope)
	}
	if len(r.participants) == 0 {
		return fmt.Errorf("%w: group %q has no participants", node.ErrDrop, r.name)
	}
	env = env.Clone()
	env.AppendLatest()

	g := env.Groupchat
	if g == nil {
		topics := make([]string, len(r.participants))
		names := make([]string, len(r.participants))
		for i, p := range r.participants {
			topics[i] = p.Topic
			names[i] = p.Name
		}
		g = envelope.NewGroupchat(topics, names)
		env.Groupchat = g
	}
	if g.ReplyTopic == "" {
		g.ReplyTopic = env.FinalResponseTopic
	}
	g.RecordMessage(env.LatestMessage)
	return r.scheduleNext(ctx, env, emit)
}

// handleReturn consumes a participant's final answer from the group
// returnpoint and either ends the chat or schedules the next turn.
func (r *Router) handleReturn(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.Kind != envelope.KindAIResponse {
		return fmt.Errorf("%w: kind %s on group returnpoint", node.ErrDrop, env.Kind)
	}
	if env.Groupchat == nil {
		return fmt.Errorf("%w: %w: group return without scheduling state", node.ErrDrop, envelope.ErrInvalidEnvelope)
	}
	if env.LatestMessage == nil {
		return fmt.Errorf("%w: %w: group return without latest message", node.ErrDrop, envelope.ErrInvalidEnvelope)
	}
	env = env.Clone()
	g := env.Groupchat

	if envelope.IsSkip(env.LatestMessage.Text()) {
		g.RecordSkip()
		r.log.Debug(ctx, "participant skipped", "group", r.name, "turn", g.TurnIndex, "consecutive_skips", g.ConsecutiveSkips)
	} else {
		g.RecordMessage(env.LatestMessage)
	}

	if g.AllSkipped() {
		return r.endTurn(ctx, env, emit)
	}
	return r.scheduleNext(ctx, env, emit)
}

// scheduleNext commits the current turn, rebuilds the visible window and
// prompts the next participant through its entrypoint.
func (r *Router) scheduleNext(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	g := env.Groupchat
	g.CommitTurn()
	topic := g.NextTopic()

	out := env.Clone()
	flat := out.Groupchat.FlatMessages()
	if len(flat) == 0 {
		// Every retained turn was a skip. The participant still needs an
		// input, so nudge it instead of sending an empty window.
		flat = []*model.Message{model.NewTextMessage(model.ConversationRoleUser,
			"The other participants passed on their turns. Add something new or answer "+envelope.SkipSentinel+".")}
	}
	out.Kind = envelope.KindUserPrompt
	out.MessageHistory = flat[:len(flat)-1]
	out.LatestMessage = flat[len(flat)-1]
	out.AppendLatest()
	out.FinalResponseTopic = r.topics.Returnpoint
	out.PatchRequestParams = &model.RequestParams{SystemPromptAddition: g.SystemPromptAddition}

	r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "group", r.name, "action", "turn")
	r.log.Debug(ctx, "scheduling turn", "group", r.name, "turn", g.TurnIndex, "participant", topic)
	return emit.Emit(ctx, topic, out)
}

// endTurn publishes the terminal end_of_turn envelope to the topic captured
// when the chat started.
func (r *Router) endTurn(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	g := env.Groupchat
	out := env.Clone()
	out.Kind = envelope.KindEndOfTurn
	out.FinalResponseTopic = g.ReplyTopic

	r.metrics.IncCounter(telemetry.MetricEnvelopesRouted, 1, "group", r.name, "action", "end_of_turn")
	r.log.Info(ctx, "group chat ended on unanimous skip", "group", r.name, "turns", g.TurnIndex+1, "trace_id", env.TraceID)
	if g.ReplyTopic == "" {
		return nil
	}
	return emit.Emit(ctx, g.ReplyTopic, out)
}
