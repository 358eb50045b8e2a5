package envelope

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/calf/runtime/model"
)

// TestDelegationStackPairingProperty verifies that for any sequence of pushes
// every frame is popped exactly once and in LIFO order, leaving the stack
// empty.
func TestDelegationStackPairingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every push is popped exactly once, LIFO", prop.ForAll(
		func(ids []string) bool {
			env := New(KindUserPrompt, "t1")
			for _, id := range ids {
				env.PushFrame(DelegationFrame{ToolCallID: id, ToolName: "ask", CallerPrivateTopic: "p"})
			}
			for i := len(ids) - 1; i >= 0; i-- {
				f, err := env.PopFrame()
				if err != nil || f.ToolCallID != ids[i] {
					return false
				}
			}
			_, err := env.PopFrame()
			return err == ErrEmptyStack && len(env.DelegationStack) == 0
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

// TestTurnsQueueBoundProperty verifies the group-chat window invariant: for
// any participant count and any number of committed turns, the queue never
// exceeds N-1 entries and retains the most recent turns in order.
func TestTurnsQueueBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("queue holds at most N-1 most recent turns", prop.ForAll(
		func(n int, commits int) bool {
			topics := make([]string, n)
			for i := range topics {
				topics[i] = "t"
			}
			g := NewGroupchat(topics, nil)
			for i := 0; i < commits; i++ {
				g.RecordMessage(model.NewTextMessage(model.ConversationRoleUser, string(rune(i))))
				g.CommitTurn()
			}
			capacity := n - 1
			if capacity < 0 {
				capacity = 0
			}
			if len(g.TurnsQueue) > capacity {
				return false
			}
			// The retained turns are the most recent ones, oldest first.
			want := commits - capacity
			if want < 0 {
				want = 0
			}
			for i, turn := range g.TurnsQueue {
				if turn.Messages[0].Text() != string(rune(want+i)) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 32),
	))

	properties.TestingRun(t)
}

// TestCodecRoundTripProperty verifies that encode/decode preserves the
// routing-relevant fields for arbitrary envelopes.
func TestCodecRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(e)) preserves routing fields", prop.ForAll(
		func(trace, topic, text string, frames []string) bool {
			env := New(KindAIResponse, "t-"+trace)
			env.FinalResponseTopic = topic
			env.SetLatest(model.NewTextMessage(model.ConversationRoleAssistant, text))
			for _, id := range frames {
				env.PushFrame(DelegationFrame{ToolCallID: id, ToolName: "ask", CallerPrivateTopic: "p"})
			}
			payload, err := Encode(env)
			if err != nil {
				return false
			}
			decoded, err := Decode(payload)
			if err != nil {
				return false
			}
			if decoded.TraceID != env.TraceID || decoded.FinalResponseTopic != topic {
				return false
			}
			if decoded.LatestMessage.Text() != text {
				return false
			}
			if len(decoded.DelegationStack) != len(frames) {
				return false
			}
			for i, id := range frames {
				if decoded.DelegationStack[i].ToolCallID != id {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
