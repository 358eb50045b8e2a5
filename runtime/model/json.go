// JSON helpers for marshaling and unmarshaling message parts. Parts are
// emitted as discriminated unions with a Kind field so decode logic can
// recover the concrete types from generic payloads.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes TextPart with a Kind discriminator.
func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Kind string `json:"Kind"`
		alias
	}{Kind: "text", alias: alias(p)})
}

// MarshalJSON encodes ThinkingPart with a Kind discriminator.
func (p ThinkingPart) MarshalJSON() ([]byte, error) {
	type alias ThinkingPart
	return json.Marshal(struct {
		Kind string `json:"Kind"`
		alias
	}{Kind: "thinking", alias: alias(p)})
}

// MarshalJSON encodes ToolUsePart with a Kind discriminator so decode logic
// can reconstruct tool_use blocks precisely.
func (p ToolUsePart) MarshalJSON() ([]byte, error) {
	type alias ToolUsePart
	return json.Marshal(struct {
		Kind string `json:"Kind"`
		alias
	}{Kind: "tool_use", alias: alias(p)})
}

// MarshalJSON encodes ToolResultPart with a Kind discriminator so decode
// logic can reconstruct tool_result blocks precisely.
func (p ToolResultPart) MarshalJSON() ([]byte, error) {
	type alias ToolResultPart
	return json.Marshal(struct {
		Kind string `json:"Kind"`
		alias
	}{Kind: "tool_result", alias: alias(p)})
}

// UnmarshalJSON decodes a Message while materializing the concrete Part
// implementations stored in the Parts slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  ConversationRole `json:"Role"`
		Parts []json.RawMessage
		Meta  map[string]any `json:"Meta"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Meta = tmp.Meta
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := decodePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func decodePart(raw json.RawMessage) (Part, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Bare strings decode as text parts for convenience.
		var text string
		if errText := json.Unmarshal(raw, &text); errText == nil {
			return TextPart{Text: text}, nil
		}
		return nil, fmt.Errorf("decode part object: %w", err)
	}
	if len(obj) == 0 {
		return nil, errors.New("empty part payload")
	}

	// Discriminator-based decoding when Kind is present (preferred).
	if kindRaw, ok := obj["Kind"]; ok {
		var kind string
		if err := json.Unmarshal(kindRaw, &kind); err != nil {
			return nil, fmt.Errorf("decode Kind: %w", err)
		}
		switch kind {
		case "text":
			var text TextPart
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, fmt.Errorf("decode TextPart: %w", err)
			}
			return text, nil
		case "thinking":
			var thinking ThinkingPart
			if err := json.Unmarshal(raw, &thinking); err != nil {
				return nil, fmt.Errorf("decode ThinkingPart: %w", err)
			}
			return thinking, nil
		case "tool_use":
			var use ToolUsePart
			if err := json.Unmarshal(raw, &use); err != nil {
				return nil, fmt.Errorf("decode ToolUsePart: %w", err)
			}
			if use.Name == "" {
				return nil, errors.New("ToolUsePart requires Name")
			}
			return use, nil
		case "tool_result":
			var result ToolResultPart
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, fmt.Errorf("decode ToolResultPart: %w", err)
			}
			if result.ToolUseID == "" {
				return nil, errors.New("ToolResultPart requires ToolUseID")
			}
			return result, nil
		default:
			return nil, fmt.Errorf("unknown part kind %q", kind)
		}
	}

	// Shape-based fallback for payloads produced by older writers.
	if _, ok := obj["ToolUseID"]; ok {
		var result ToolResultPart
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		return result, nil
	}
	if _, ok := obj["Name"]; ok {
		var use ToolUsePart
		if err := json.Unmarshal(raw, &use); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		return use, nil
	}
	if _, ok := obj["Signature"]; ok {
		var thinking ThinkingPart
		if err := json.Unmarshal(raw, &thinking); err != nil {
			return nil, fmt.Errorf("decode ThinkingPart: %w", err)
		}
		return thinking, nil
	}
	if _, ok := obj["Text"]; ok {
		var text TextPart
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return text, nil
	}
	return nil, errors.New("unknown part shape")
}
