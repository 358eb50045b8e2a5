// Package tool implements tool capability nodes. Each node wraps one named
// executor, validates inbound call arguments against the executor's JSON
// schema and publishes exactly one tool_result envelope per consumed
// tool_call_request, carrying the same tool call id. Execution failures
// become error results so the model can recover on its next turn; they never
// break the one-request-one-result guarantee.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
	"goa.design/calf/runtime/telemetry"
)

type (
	// Executor is the capability behind a tool node: a schema describing its
	// arguments and the execution itself. Execution is opaque to the runtime;
	// side effects are permitted. Executors must be safe for concurrent use.
	Executor interface {
		// Definition returns the tool's name, description and argument schema
		// as surfaced to the model.
		Definition() model.ToolDefinition

		// Execute runs the tool with validated arguments and returns a
		// JSON-encodable result.
		Execute(ctx context.Context, args map[string]any) (any, error)
	}

	// Node subscribes a single executor to its capability topics.
	Node struct {
		exec   Executor
		def    model.ToolDefinition
		topics node.Topics
		schema *jsonschema.Schema
		log    telemetry.Logger
	}

	// Option configures a Node.
	Option func(*Node)

	funcExecutor struct {
		def model.ToolDefinition
		fn  func(ctx context.Context, args map[string]any) (any, error)
	}
)

// ErrMismatchedCall reports a tool call delivered to the wrong node.
var ErrMismatchedCall = errors.New("mismatched tool call")

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithTopics overrides the default tool topic templates.
func WithTopics(t node.Templates) Option {
	return func(n *Node) { n.topics = t.Resolve(n.def.Name) }
}

// New builds a node for the executor. The executor's input schema is compiled
// once; an invalid schema is a programming error and fails construction.
func New(exec Executor, opts ...Option) (*Node, error) {
	def := exec.Definition()
	if def.Name == "" {
		return nil, errors.New("tool: executor definition has no name")
	}
	n := &Node{
		exec:   exec,
		def:    def,
		topics: node.ToolTemplates.Resolve(def.Name),
		log:    telemetry.NopLogger{},
	}
	if def.InputSchema != nil {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", normalize(def.InputSchema)); err != nil {
			return nil, fmt.Errorf("tool %s: add schema: %w", def.Name, err)
		}
		schema, err := compiler.Compile(def.Name + ".json")
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
		}
		n.schema = schema
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// NewFunc builds an executor from a definition and a function.
func NewFunc(def model.ToolDefinition, fn func(ctx context.Context, args map[string]any) (any, error)) Executor {
	return funcExecutor{def: def, fn: fn}
}

func (f funcExecutor) Definition() model.ToolDefinition { return f.def }

func (f funcExecutor) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}

// Name implements node.Registerable.
func (n *Node) Name() string { return n.def.Name }

// Definition returns the tool schema surfaced to routers.
func (n *Node) Definition() model.ToolDefinition { return n.def }

// Topics returns the node's resolved topics.
func (n *Node) Topics() node.Topics { return n.topics }

// Wiring implements node.Registerable.
func (n *Node) Wiring() []node.Binding {
	return []node.Binding{{
		Handler: node.HandlerFunc(n.handle),
		Topics:  []string{n.topics.Shared},
		Group:   n.def.Name,
	}}
}

func (n *Node) handle(ctx context.Context, env *envelope.Envelope, emit node.Emitter) error {
	call, err := n.extractCall(env)
	if err != nil {
		return fmt.Errorf("%w: %w", node.ErrDrop, err)
	}

	result := model.ToolResultPart{ToolUseID: call.ID, ToolName: n.def.Name}
	if verr := n.validate(call.Input); verr != nil {
		result.Content = map[string]any{"error": "invalid arguments: " + verr.Error()}
		result.IsError = true
	} else if content, xerr := n.exec.Execute(ctx, call.Input); xerr != nil {
		n.log.Error(ctx, xerr, "tool execution failed", "tool", n.def.Name, "trace_id", env.TraceID)
		result.Content = map[string]any{"error": xerr.Error()}
		result.IsError = true
	} else {
		result.Content = content
	}

	out := env.Clone()
	out.Kind = envelope.KindToolResult
	out.LatestMessage = &model.Message{
		Role:  model.ConversationRoleUser,
		Parts: []model.Part{result},
	}
	return emit.Emit(ctx, n.topics.Publish, out)
}

// extractCall locates the single tool call addressed to this node in the
// latest message.
func (n *Node) extractCall(env *envelope.Envelope) (model.ToolUsePart, error) {
	if env.Kind != envelope.KindToolCallRequest {
		return model.ToolUsePart{}, fmt.Errorf("%w: kind %s on tool topic", envelope.ErrInvalidEnvelope, env.Kind)
	}
	if env.LatestMessage == nil {
		return model.ToolUsePart{}, fmt.Errorf("%w: tool call request without latest message", envelope.ErrInvalidEnvelope)
	}
	for _, use := range env.LatestMessage.ToolUses() {
		if use.Name == n.def.Name {
			return use, nil
		}
	}
	return model.ToolUsePart{}, fmt.Errorf("%w: no call for tool %q in request", ErrMismatchedCall, n.def.Name)
}

func (n *Node) validate(args map[string]any) error {
	if n.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return n.schema.Validate(normalize(args))
}

// normalize converts typed Go values into the generic JSON shapes the schema
// validator expects. Tool inputs decoded from the wire are already generic;
// inputs built in-process may carry concrete number and slice types.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
