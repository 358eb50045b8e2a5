// Package chat implements the model invocation node. The node is a thin,
// stateless bridge between the envelope protocol and a model.Client: it never
// writes the message history (the agent router owns it) and publishes exactly
// one ai_response envelope per consumed envelope, including on model failure.
package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
	"goa.design/calf/runtime/telemetry"
)

// HistoryMode selects which messages are sent to the model.
type HistoryMode int

const (
	// HistoryFull sends the whole message history plus the latest message.
	HistoryFull HistoryMode = iota
	// HistoryLatestOnly sends only the latest message. Useful when upstream
	// routers pre-assemble the visible window (group chats do).
	HistoryLatestOnly
)

type (
	// Node invokes the model for every envelope on its input topic and
	// publishes the completion as an ai_response envelope.
	Node struct {
		name     string
		client   model.Client
		topics   node.Topics
		settings model.Settings
		params   model.RequestParams
		system   string
		mode     HistoryMode
		log      telemetry.Logger
	}

	// Option configures a Node.
	Option func(*Node)
)

// WithSettings sets the default model settings used when the envelope carries
// no settings patch.
func WithSettings(s model.Settings) Option {
	return func(n *Node) { n.settings = s }
}

// WithRequestParams sets the default request parameters used when the
// envelope carries no request params patch.
func WithRequestParams(p model.RequestParams) Option {
	return func(n *Node) { n.params = p }
}

// WithSystemPrompt sets the node's base system prompt. Unlike request param
// patches, which apply to a single turn, the base prompt heads every request
// this node sends.
func WithSystemPrompt(s string) Option {
	return func(n *Node) { n.system = s }
}

// WithHistoryMode selects the history mode.
func WithHistoryMode(m HistoryMode) Option {
	return func(n *Node) { n.mode = m }
}

// WithTopics overrides the topic templates. The default scopes the chat
// topics to the node name so routers only consume their own completions.
func WithTopics(t node.Templates) Option {
	return func(n *Node) { n.topics = t.Resolve(n.name) }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(n *Node) { n.log = l }
}

// New builds a chat node named name backed by client.
func New(name string, client model.Client, opts ...Option) *Node {
	n := &Node{
		name:   name,
		client: client,
		topics: node.ScopedChatTemplates().Resolve(name),
		log:    telemetry.NopLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements node.Registerable.
func (n *Node) Name() string { return n.name }

// Topics returns the node's resolved topics.
func (n *Node) Topics() node.Topics { return n.topics }

// Wiring implements node.Registerable.
func (n *Node) Wiring() []node.Binding {
	return []node.Binding{{
		Handler: node.HandlerFunc(n.handle),
		Topics:  []string{n.topics.Shared},
		Group:   n.name,
	}}
}

func (n *Node) handle(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	if env.LatestMessage == nil {
		return fmt.Errorf("%w: %w: chat input without latest message", node.ErrDrop, envelope.ErrInvalidEnvelope)
	}

	req := n.buildRequest(env)
	resp, err := n.client.Complete(ctx, req)

	out := env.Clone()
	out.Kind = envelope.KindAIResponse
	out.ResponseID = uuid.NewString()
	// Patches apply to a single model invocation.
	out.PatchSettings = nil
	out.PatchRequestParams = nil

	if err != nil {
		// Model failures surface as a structured error response rather than a
		// silent retry; the transport retry policy lives in the runner.
		n.log.Error(ctx, err, "model invocation failed", "trace_id", env.TraceID, "model", req.Model)
		out.LatestMessage = errorMessage(err)
	} else {
		out.LatestMessage = resp.Message
	}
	return emit.Emit(ctx, n.topics.Publish, out)
}

func (n *Node) buildRequest(env *envelope.Envelope) model.Request {
	settings := n.settings
	if env.PatchSettings != nil {
		settings = *env.PatchSettings
	}
	params := n.params
	if env.PatchRequestParams != nil {
		params = *env.PatchRequestParams
	}

	var msgs []*model.Message
	if n.system != "" {
		msgs = append(msgs, model.NewTextMessage(model.ConversationRoleSystem, n.system))
	}
	if params.SystemPromptAddition != "" {
		msgs = append(msgs, model.NewTextMessage(model.ConversationRoleSystem, params.SystemPromptAddition))
	}
	switch n.mode {
	case HistoryLatestOnly:
		msgs = append(msgs, env.LatestMessage)
	default:
		msgs = append(msgs, env.MessageHistory...)
		if k := len(env.MessageHistory); k == 0 || env.MessageHistory[k-1] != env.LatestMessage {
			msgs = append(msgs, env.LatestMessage)
		}
	}

	return model.Request{
		Model:       settings.Model,
		Messages:    msgs,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Tools:       params.Tools,
	}
}

func errorMessage(err error) *model.Message {
	msg := model.NewTextMessage(model.ConversationRoleAssistant,
		fmt.Sprintf("The model invocation failed: %v", err))
	msg.Meta = map[string]any{"error": err.Error()}
	if pe, ok := model.AsProviderError(err); ok {
		msg.Meta["error_kind"] = string(pe.Kind())
		msg.Meta["provider"] = pe.Provider()
	}
	return msg
}
