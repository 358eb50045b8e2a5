// Package model defines the provider-agnostic LLM client contract used by the
// chat node. It abstracts over chat completion APIs (OpenAI, Anthropic,
// Bedrock) so nodes can invoke models without coupling to specific SDKs.
// Implementations translate these normalized types into provider-specific
// formats.
package model

import (
	"context"
	"errors"
	"strings"
)

type (
	// Client is the contract the chat node uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Provider failures are returned as
		// *ProviderError when they can be classified.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. Empty selects the client's default.
		Model string

		// Messages is the ordered conversation provided to the model,
		// including system prompts, user inputs, prior assistant responses
		// and tool results. Order matters.
		Messages []*Message

		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition
	}

	// Response wraps the generated content and any tool call requests from
	// the provider.
	Response struct {
		// Message is the assistant message produced by the model. Its parts
		// include text, optional thinking, and one ToolUsePart per requested
		// tool call.
		Message *Message

		// ToolCalls lists the tool invocations requested by the model, in
		// provider order. Empty when the model produced a final text answer.
		// Redundant with the ToolUseParts of Message; carried separately so
		// callers need not re-scan parts.
		ToolCalls []ToolCall

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific ("stop", "max_tokens", "tool_use", ...).
		StopReason string
	}

	// ConversationRole identifies the author of a message.
	ConversationRole string

	// Message is a single conversation entry. Parts hold the typed content
	// blocks (text, thinking, tool use, tool result).
	Message struct {
		Role  ConversationRole `json:"Role"`
		Parts []Part           `json:"Parts"`
		// Meta carries provider or runtime metadata (request ids, error
		// kinds). Preserved across serialization, never interpreted by the
		// routing core.
		Meta map[string]any `json:"Meta,omitempty"`
	}

	// Part is the marker interface implemented by message content blocks.
	Part interface{ part() }

	// TextPart is plain assistant/user/system text.
	TextPart struct {
		Text string `json:"Text"`
	}

	// ThinkingPart carries provider reasoning output when thinking modes are
	// enabled.
	ThinkingPart struct {
		Text      string `json:"Text"`
		Signature string `json:"Signature,omitempty"`
	}

	// ToolUsePart records a tool invocation requested by the model inside an
	// assistant message.
	ToolUsePart struct {
		// ID is the provider-assigned tool call identifier. Tool results
		// reference it so replies can be matched to in-flight calls.
		ID string `json:"ID"`
		// Name is the tool identifier, matching a ToolDefinition.Name.
		Name string `json:"Name"`
		// Input holds the JSON-decoded tool arguments.
		Input map[string]any `json:"Input,omitempty"`
	}

	// ToolResultPart carries the outcome of one tool call back into the
	// conversation.
	ToolResultPart struct {
		// ToolUseID references the ToolUsePart.ID this result answers.
		ToolUseID string `json:"ToolUseID"`
		// ToolName is the name of the tool that produced the result.
		ToolName string `json:"ToolName,omitempty"`
		// Content is the JSON-encodable result payload.
		Content any `json:"Content,omitempty"`
		// IsError marks results that describe a failure so the model can
		// recover on the next turn.
		IsError bool `json:"IsError,omitempty"`
	}

	// ToolCall captures one tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string `json:"id"`
		// Name identifies which tool should be invoked.
		Name string `json:"name"`
		// Input holds the JSON-decoded arguments.
		Input map[string]any `json:"input,omitempty"`
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string `json:"name"`
		// Description documents the tool for prompting purposes.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON Schema describing the tool's input,
		// typically a map[string]any with "type": "object".
		InputSchema map[string]any `json:"input_schema,omitempty"`
	}

	// Settings are the per-invocation knobs a caller may patch on an
	// envelope to override the chat node defaults for a single turn.
	Settings struct {
		Model       string  `json:"model,omitempty"`
		Temperature float32 `json:"temperature,omitempty"`
		MaxTokens   int     `json:"max_tokens,omitempty"`
	}

	// RequestParams carry the request-shaping data a router attaches before
	// handing an envelope to the chat node: the tool schemas the agent owns
	// and an optional system prompt addition.
	RequestParams struct {
		// Tools lists the tool definitions exposed to the model.
		Tools []*ToolDefinition `json:"tools,omitempty"`
		// SystemPromptAddition is appended as an extra system message at the
		// head of the request when non-empty.
		SystemPromptAddition string `json:"system_prompt_addition,omitempty"`
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens,omitempty"`
		OutputTokens int `json:"output_tokens,omitempty"`
		TotalTokens  int `json:"total_tokens,omitempty"`
	}
)

// Conversation roles.
const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

func (TextPart) part()       {}
func (ThinkingPart) part()   {}
func (ToolUsePart) part()    {}
func (ToolResultPart) part() {}

// ErrRateLimited signals that the provider throttled the request. Middlewares
// such as the adaptive rate limiter react to it; providers wrap it into their
// ProviderError chains.
var ErrRateLimited = errors.New("model: rate limited")

// NewTextMessage builds a single-part text message with the given role.
func NewTextMessage(role ConversationRole, text string) *Message {
	return &Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the text parts of the message. Thinking, tool use and
// tool result parts are excluded.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool invocation parts of the message in order.
func (m *Message) ToolUses() []ToolUsePart {
	if m == nil {
		return nil
	}
	var uses []ToolUsePart
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// ToolResults returns the tool result parts of the message in order.
func (m *Message) ToolResults() []ToolResultPart {
	if m == nil {
		return nil
	}
	var results []ToolResultPart
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr)
		}
	}
	return results
}

// Clone returns a deep copy of the message. Part values are immutable except
// for the Input and Content maps which are copied shallowly; callers must not
// mutate nested values after cloning.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := &Message{Role: m.Role}
	if m.Parts != nil {
		cp.Parts = make([]Part, len(m.Parts))
		copy(cp.Parts, m.Parts)
	}
	if m.Meta != nil {
		cp.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			cp.Meta[k] = v
		}
	}
	return cp
}
