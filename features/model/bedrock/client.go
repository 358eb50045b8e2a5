// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system messages out into system blocks,
// encodes tool schemas into Bedrock's ToolConfiguration and translates
// Converse responses (text, reasoning and tool_use blocks) back into the
// generic model structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/calf/runtime/model"
)

// provider is the identifier used in provider errors.
const provider = "bedrock"

type (
	// ConverseAPI captures the subset of the Bedrock runtime client used by
	// the adapter. It is satisfied by *bedrockruntime.Client so callers can
	// pass either a real client or a mock in tests.
	ConverseAPI interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero omits the cap so Bedrock uses its own
		// default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime ConverseAPI
		model   string
		maxTok  int
		temp    float32
	}
)

// New builds a Bedrock-backed model client.
func New(runtime ConverseAPI, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime: runtime,
		model:   opts.DefaultModel,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
	}, nil
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, classifyError(err)
	}
	return translateResponse(output)
}

func (c *Client) prepareRequest(req model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// encodeMessages splits system messages out into system blocks; user and
// assistant messages become Converse content blocks.
func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
			continue
		}

		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("bedrock: tool_use part missing name")
				}
				tb := brtypes.ToolUseBlock{
					Name:  aws.String(v.Name),
					Input: toDocument(v.Input),
				}
				if v.ID != "" {
					tb.ToolUseId = aws.String(v.ID)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			case model.ThinkingPart:
				// Reasoning blocks are not re-encoded on the way in.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == model.ConversationRoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// encodeToolResult builds a tool_result block correlated to a prior tool_use.
// String content becomes a text block; anything else a JSON document.
func encodeToolResult(v model.ToolResultPart) brtypes.ContentBlock {
	tr := brtypes.ToolResultBlock{}
	if v.ToolUseID != "" {
		tr.ToolUseId = aws.String(v.ToolUseID)
	}
	if s, ok := v.Content.(string); ok {
		tr.Content = []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberText{Value: s},
		}
	} else {
		tr.Content = []brtypes.ToolResultContentBlock{
			&brtypes.ToolResultContentBlockMemberJson{Value: toDocument(v.Content)},
		}
	}
	if v.IsError {
		tr.Status = brtypes.ToolResultStatusError
	}
	return &brtypes.ContentBlockMemberToolResult{Value: tr}
}

func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

// toDocument wraps a schema or payload value in a lazily marshaled document.
// Nil values default to an empty object schema.
func toDocument(v any) document.Interface {
	if v == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(v)
}

func translateResponse(output *bedrockruntime.ConverseOutput) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	out := &model.Message{Role: model.ConversationRoleAssistant}
	var calls []model.ToolCall
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value != "" {
					out.Parts = append(out.Parts, model.TextPart{Text: v.Value})
				}
			case *brtypes.ContentBlockMemberReasoningContent:
				if rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
					part := model.ThinkingPart{Text: aws.ToString(rt.Value.Text)}
					if rt.Value.Signature != nil {
						part.Signature = *rt.Value.Signature
					}
					if part.Text != "" {
						out.Parts = append(out.Parts, part)
					}
				}
			case *brtypes.ContentBlockMemberToolUse:
				input := decodeDocument(v.Value.Input)
				use := model.ToolUsePart{
					ID:    aws.ToString(v.Value.ToolUseId),
					Name:  aws.ToString(v.Value.Name),
					Input: input,
				}
				out.Parts = append(out.Parts, use)
				calls = append(calls, model.ToolCall{ID: use.ID, Name: use.Name, Input: input})
			}
		}
	}
	resp := model.Response{
		Message:    out,
		ToolCalls:  calls,
		StopReason: string(output.StopReason),
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	return resp, nil
}

// decodeDocument unmarshals a tool_use input document into generic arguments.
func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}

func classifyError(err error) error {
	var (
		status int
		msg    string
	)
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return model.NewProviderError(provider, "converse", http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, msg, err)
		}
	}
	if msg == "" {
		msg = err.Error()
	}
	kind := model.ProviderErrorKindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
	case status >= 400 && status < 500:
		kind = model.ProviderErrorKindInvalidRequest
	case status >= 500:
		kind = model.ProviderErrorKindUnavailable
	}
	return model.NewProviderError(provider, "converse", status, kind, msg, err)
}
