// Package envelope defines the single structured record carried on every
// topic. An envelope encapsulates one event plus all conversational context:
// the message history, the delegation stack and, for group chats, the
// round-robin scheduling state. Envelopes are the only state that crosses
// node boundaries; nodes hold no conversational state of their own.
package envelope

import (
	"errors"
	"fmt"

	"goa.design/calf/runtime/model"
)

// Kind discriminates the event variants an envelope can carry.
type Kind string

const (
	// KindUserPrompt is a new user input addressed to an agent.
	KindUserPrompt Kind = "user_prompt"
	// KindAIResponse carries a model completion.
	KindAIResponse Kind = "ai_response"
	// KindToolCallRequest asks a tool node to execute one call.
	KindToolCallRequest Kind = "tool_call_request"
	// KindToolResult carries the outcome of one tool call.
	KindToolResult Kind = "tool_result"
	// KindEndOfTurn terminates a conversation (group chat unanimous skip).
	KindEndOfTurn Kind = "end_of_turn"
)

// Envelope is the record passed on every topic. MessageHistory is
// authoritative; LatestMessage mirrors its tail and is validated on ingest.
type Envelope struct {
	// Kind is the event variant.
	Kind Kind

	// TraceID identifies one end-to-end conversation. It doubles as the
	// broker correlation id, so per-trace ordering follows from the broker's
	// per-partition FIFO. Never empty on the wire.
	TraceID string

	// MessageHistory is the ordered conversation so far. Append-only within
	// a trace; the agent router is its sole writer.
	MessageHistory []*model.Message

	// LatestMessage is the most recent message. Redundant with the history
	// tail; carried separately so consumers need not re-scan. Nil only on
	// initial user prompts that carry their input in MessageHistory.
	LatestMessage *model.Message

	// FinalResponseTopic is where the final user-visible answer must be
	// published. Delegation overwrites it and restores it from the popped
	// frame on return.
	FinalResponseTopic string

	// ResponseID identifies the model response this envelope descends from.
	// Set by the chat node on every completion; tool call request envelopes
	// inherit it so the router can join parallel results.
	ResponseID string

	// DelegationStack is the per-trace LIFO of return addresses.
	DelegationStack []DelegationFrame

	// Groupchat holds the round-robin scheduling state for group chats.
	Groupchat *Groupchat

	// PatchSettings overrides the chat node model settings for one turn.
	PatchSettings *model.Settings

	// PatchRequestParams carries per-turn request shaping: tool schemas and
	// system prompt additions attached by routers.
	PatchRequestParams *model.RequestParams

	// extra preserves unknown top-level JSON fields so envelopes produced by
	// newer writers survive a round trip through this runtime.
	extra map[string]rawField
}

type rawField = []byte

// Validation errors.
var (
	// ErrInvalidEnvelope reports a malformed envelope (protocol error).
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// New returns an envelope of the given kind for the trace.
func New(kind Kind, traceID string) *Envelope {
	return &Envelope{Kind: kind, TraceID: traceID}
}

// Validate checks the structural invariants: a non-empty trace id, a known
// kind, and LatestMessage matching the history tail when both are present.
func (e *Envelope) Validate() error {
	if e.TraceID == "" {
		return fmt.Errorf("%w: empty trace id", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindUserPrompt, KindAIResponse, KindToolCallRequest, KindToolResult, KindEndOfTurn:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	if e.LatestMessage == nil && len(e.MessageHistory) > 0 && e.Kind != KindUserPrompt && e.Kind != KindEndOfTurn {
		return fmt.Errorf("%w: %s envelope without latest message", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// AppendLatest appends LatestMessage to MessageHistory unless it already is
// the tail. Routers call this on every inbound event before deciding the
// next action, which yields one linear order per trace.
func (e *Envelope) AppendLatest() {
	if e.LatestMessage == nil {
		return
	}
	if n := len(e.MessageHistory); n > 0 && e.MessageHistory[n-1] == e.LatestMessage {
		return
	}
	e.MessageHistory = append(e.MessageHistory, e.LatestMessage)
}

// SetLatest records msg as the latest message and appends it to the history.
func (e *Envelope) SetLatest(msg *model.Message) {
	e.LatestMessage = msg
	e.AppendLatest()
}

// Clone deep-copies the envelope. Messages are cloned; the delegation stack,
// group-chat state and unknown-field sidecar are copied so mutations on the
// clone never alias the original. Envelopes cross goroutine boundaries, so
// every node mutates a clone, never its input.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cp := &Envelope{
		Kind:               e.Kind,
		TraceID:            e.TraceID,
		FinalResponseTopic: e.FinalResponseTopic,
		ResponseID:         e.ResponseID,
	}
	if e.MessageHistory != nil {
		cp.MessageHistory = make([]*model.Message, len(e.MessageHistory))
		for i, m := range e.MessageHistory {
			cp.MessageHistory[i] = m.Clone()
		}
	}
	if e.LatestMessage != nil {
		if n := len(e.MessageHistory); n > 0 && e.MessageHistory[n-1] == e.LatestMessage {
			cp.LatestMessage = cp.MessageHistory[n-1]
		} else {
			cp.LatestMessage = e.LatestMessage.Clone()
		}
	}
	if e.DelegationStack != nil {
		cp.DelegationStack = make([]DelegationFrame, len(e.DelegationStack))
		copy(cp.DelegationStack, e.DelegationStack)
	}
	cp.Groupchat = e.Groupchat.clone()
	if e.PatchSettings != nil {
		s := *e.PatchSettings
		cp.PatchSettings = &s
	}
	if e.PatchRequestParams != nil {
		p := model.RequestParams{SystemPromptAddition: e.PatchRequestParams.SystemPromptAddition}
		if e.PatchRequestParams.Tools != nil {
			p.Tools = make([]*model.ToolDefinition, len(e.PatchRequestParams.Tools))
			copy(p.Tools, e.PatchRequestParams.Tools)
		}
		cp.PatchRequestParams = &p
	}
	if e.extra != nil {
		cp.extra = make(map[string]rawField, len(e.extra))
		for k, v := range e.extra {
			cp.extra[k] = v
		}
	}
	return cp
}
