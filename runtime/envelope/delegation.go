package envelope

import "errors"

// DelegationFrame is one element of the delegation stack: the return address
// recorded when an agent asks a sub-agent a question. Pushed by the caller
// before dispatching to the sub-agent's entrypoint and popped by the same
// router when the answer arrives on its returnpoint. The stack travels inside
// the envelope, so in-flight delegations survive restarts as long as the
// broker redelivers the pending envelope.
type DelegationFrame struct {
	// CallerPrivateTopic is the return address: the entrypoint of the router
	// that initiated the delegation, where the synthesized tool return is
	// published.
	CallerPrivateTopic string `json:"caller_private_topic"`

	// CallerFinalResponseTopic is restored into FinalResponseTopic when the
	// frame is popped.
	CallerFinalResponseTopic string `json:"caller_final_response_topic,omitempty"`

	// ReturnTopic is the caller's returnpoint, the only destination a final
	// answer may take while this frame is pending.
	ReturnTopic string `json:"return_topic,omitempty"`

	// ToolCallID identifies the tool call that triggered the delegation. The
	// synthesized tool return carries it so the caller can join the result.
	ToolCallID string `json:"tool_call_id"`

	// ToolName is the delegation tool's name.
	ToolName string `json:"tool_name"`
}

// ErrEmptyStack reports a pop on an empty delegation stack, a protocol
// violation per the routing rules.
var ErrEmptyStack = errors.New("delegation stack is empty")

// PushFrame appends a frame to the delegation stack.
func (e *Envelope) PushFrame(f DelegationFrame) {
	e.DelegationStack = append(e.DelegationStack, f)
}

// PopFrame removes and returns the most recently pushed frame. Returns
// ErrEmptyStack when no frame is pending.
func (e *Envelope) PopFrame() (DelegationFrame, error) {
	n := len(e.DelegationStack)
	if n == 0 {
		return DelegationFrame{}, ErrEmptyStack
	}
	f := e.DelegationStack[n-1]
	e.DelegationStack = e.DelegationStack[:n-1]
	return f, nil
}
