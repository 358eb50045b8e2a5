// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates calf requests into ChatCompletion calls
// using github.com/sashabaranov/go-openai and maps responses, including tool
// calls and tool results, back to the generic model structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/calf/runtime/model"
)

// provider is the identifier used in provider errors.
const provider = "openai"

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return model.Response{}, err
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, classifyError(err)
	}
	return translateResponse(response), nil
}

func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		// Tool results become one "tool" role message per result.
		if results := m.ToolResults(); len(results) > 0 {
			for _, res := range results {
				content, err := encodeContent(res.Content)
				if err != nil {
					return nil, fmt.Errorf("encode tool result %s: %w", res.ToolUseID, err)
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: res.ToolUseID,
					Content:    content,
				})
			}
			continue
		}

		msg := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Text()}
		for _, use := range m.ToolUses() {
			args, err := json.Marshal(use.Input)
			if err != nil {
				return nil, fmt.Errorf("encode tool call %s arguments: %w", use.ID, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   use.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      use.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, msg)
	}
	return out, nil
}

func encodeContent(content any) (string, error) {
	if s, ok := content.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	msg := &model.Message{Role: model.ConversationRoleAssistant}
	var calls []model.ToolCall
	stop := ""
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		stop = string(choice.FinishReason)
		if choice.Message.Content != "" {
			msg.Parts = append(msg.Parts, model.TextPart{Text: choice.Message.Content})
		}
		for _, call := range choice.Message.ToolCalls {
			input := parseToolArguments(call.Function.Arguments)
			msg.Parts = append(msg.Parts, model.ToolUsePart{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: input,
			})
			calls = append(calls, model.ToolCall{ID: call.ID, Name: call.Function.Name, Input: input})
		}
	}
	return model.Response{
		Message:   msg,
		ToolCalls: calls,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		StopReason: stop,
	}
}

// parseToolArguments decodes the JSON arguments string the API returns.
// Malformed arguments surface as a raw field so the call is not lost.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(provider, "chat_completion", 0, model.ProviderErrorKindUnknown, err.Error(), err)
	}
	kind := model.ProviderErrorKindUnknown
	switch {
	case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
		kind = model.ProviderErrorKindAuth
	case apiErr.HTTPStatusCode == 429:
		kind = model.ProviderErrorKindRateLimited
	case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
		kind = model.ProviderErrorKindInvalidRequest
	case apiErr.HTTPStatusCode >= 500:
		kind = model.ProviderErrorKindUnavailable
	}
	return model.NewProviderError(provider, "chat_completion", apiErr.HTTPStatusCode, kind, apiErr.Message, err)
}
