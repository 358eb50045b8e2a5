// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates calf requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, thinking, tool use, usage) back into the generic
// model structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/calf/runtime/model"
)

// provider is the identifier used in provider errors.
const provider = "anthropic"

// defaultMaxTokens caps completions when neither the request nor the options
// specify a limit. The Messages API requires a positive value.
const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero falls back to defaultMaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, classifyError(err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessages splits system messages out into system blocks; user and
// assistant messages become content block unions.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case model.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			case model.ThinkingPart:
				// Thinking blocks are not re-encoded on the way in.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.ConversationRoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.ConversationRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	out := &model.Message{Role: model.ConversationRoleAssistant}
	var calls []model.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out.Parts = append(out.Parts, model.TextPart{Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				out.Parts = append(out.Parts, model.ThinkingPart{Text: block.Thinking, Signature: block.Signature})
			}
		case "tool_use":
			input := decodeInput(block.Input)
			out.Parts = append(out.Parts, model.ToolUsePart{ID: block.ID, Name: block.Name, Input: input})
			calls = append(calls, model.ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp := model.Response{
		Message:    out,
		ToolCalls:  calls,
		StopReason: string(msg.StopReason),
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return resp, nil
}

// decodeInput normalizes a tool_use input block into generic arguments.
func decodeInput(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return t
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(t, &m); err == nil {
			return m
		}
		return map[string]any{"raw": string(t)}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return map[string]any{"raw": string(data)}
		}
		return m
	}
}

func classifyError(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(provider, "messages.new", 0, model.ProviderErrorKindUnknown, err.Error(), err)
	}
	kind := model.ProviderErrorKindUnknown
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		kind = model.ProviderErrorKindAuth
	case apiErr.StatusCode == 429:
		kind = model.ProviderErrorKindRateLimited
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		kind = model.ProviderErrorKindInvalidRequest
	case apiErr.StatusCode >= 500:
		kind = model.ProviderErrorKindUnavailable
	}
	return model.NewProviderError(provider, "messages.new", apiErr.StatusCode, kind, apiErr.Error(), err)
}
