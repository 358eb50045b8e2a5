package envelope

import (
	"strings"

	"goa.design/calf/runtime/model"
)

type (
	// Groupchat is the round-robin scheduling state for a group chat. It
	// lives inside the envelope, never in node-local state, so group chats
	// scale horizontally across router replicas keyed by trace id.
	Groupchat struct {
		// AgentTopics lists the participant entrypoint topics in turn order.
		// Stable for the life of the chat.
		AgentTopics []string `json:"agent_topics"`

		// ReplyTopic is the final response topic captured when the chat
		// started. The end-of-turn envelope is published there because
		// FinalResponseTopic is overwritten on every participant dispatch.
		ReplyTopic string `json:"reply_topic,omitempty"`

		// TurnIndex counts dispatched turns. Starts at -1 so the first
		// advance selects AgentTopics[0].
		TurnIndex int `json:"turn_index"`

		// ConsecutiveSkips counts participants that skipped in a row. The
		// chat is terminal once it reaches len(AgentTopics).
		ConsecutiveSkips int `json:"consecutive_skips"`

		// TurnsQueue retains the most recent committed turns, capped at
		// len(AgentTopics)-1. A participant's own last contribution is
		// implicit in its next invocation, so the window only needs what
		// everyone else said since it last spoke.
		TurnsQueue []Turn `json:"turns_queue"`

		// Uncommitted is the turn currently being assembled.
		Uncommitted Turn `json:"uncommitted_turn"`

		// SystemPromptAddition is injected into each participant dispatch,
		// typically describing the roster.
		SystemPromptAddition string `json:"system_prompt_addition,omitempty"`
	}

	// Turn is one participant's contribution: its messages, or a skip.
	Turn struct {
		Messages []*model.Message `json:"messages,omitempty"`
		Skipped  bool             `json:"skipped"`
	}
)

// SkipSentinel is the literal a participant answers to pass its turn.
// Matched against the whole trimmed response text, case-insensitively.
const SkipSentinel = "SKIP"

// IsSkip reports whether text is the skip sentinel.
func IsSkip(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), SkipSentinel)
}

// NewGroupchat builds the initial state for a chat over the given participant
// topics. The default system prompt addition names the roster.
func NewGroupchat(agentTopics []string, names []string) *Groupchat {
	addition := "You are in a group chat with other agents."
	if len(names) > 0 {
		var b strings.Builder
		b.WriteString("You are in a group chat with other agents. The agents in the group chat are:\n")
		for _, n := range names {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
		b.WriteString("Answer with " + SkipSentinel + " if you have nothing new to add this round.")
		addition = b.String()
	}
	return &Groupchat{
		AgentTopics:          agentTopics,
		TurnIndex:            -1,
		SystemPromptAddition: addition,
	}
}

// Size returns the number of participants.
func (g *Groupchat) Size() int { return len(g.AgentTopics) }

// windowCap is the retained-turn bound: N-1 for N participants.
func (g *Groupchat) windowCap() int {
	if n := len(g.AgentTopics) - 1; n > 0 {
		return n
	}
	return 0
}

// CommitTurn pushes the uncommitted turn into the queue, evicting the oldest
// committed turn when the window is full, and starts a fresh turn.
func (g *Groupchat) CommitTurn() {
	capacity := g.windowCap()
	if capacity > 0 {
		g.TurnsQueue = append(g.TurnsQueue, g.Uncommitted)
		if len(g.TurnsQueue) > capacity {
			g.TurnsQueue = append([]Turn(nil), g.TurnsQueue[len(g.TurnsQueue)-capacity:]...)
		}
	}
	g.Uncommitted = Turn{}
}

// FlatMessages flattens the retained turns into a single ordered message
// list: the visible history window for the next participant.
func (g *Groupchat) FlatMessages() []*model.Message {
	var msgs []*model.Message
	for _, turn := range g.TurnsQueue {
		msgs = append(msgs, turn.Messages...)
	}
	return msgs
}

// RecordMessage appends a message to the uncommitted turn.
func (g *Groupchat) RecordMessage(msg *model.Message) {
	g.Uncommitted.Messages = append(g.Uncommitted.Messages, msg)
	g.Uncommitted.Skipped = false
	g.ConsecutiveSkips = 0
}

// RecordSkip marks the uncommitted turn as skipped.
func (g *Groupchat) RecordSkip() {
	g.Uncommitted.Skipped = true
	g.ConsecutiveSkips++
}

// AllSkipped reports the unanimous-skip termination condition: every
// participant skipped in its most recent turn.
func (g *Groupchat) AllSkipped() bool {
	return len(g.AgentTopics) > 0 && g.ConsecutiveSkips >= len(g.AgentTopics)
}

// NextTopic advances the turn index and returns the participant topic for
// the new turn.
func (g *Groupchat) NextTopic() string {
	g.TurnIndex++
	return g.AgentTopics[g.TurnIndex%len(g.AgentTopics)]
}

func (g *Groupchat) clone() *Groupchat {
	if g == nil {
		return nil
	}
	cp := &Groupchat{
		ReplyTopic:           g.ReplyTopic,
		TurnIndex:            g.TurnIndex,
		ConsecutiveSkips:     g.ConsecutiveSkips,
		SystemPromptAddition: g.SystemPromptAddition,
	}
	if g.AgentTopics != nil {
		cp.AgentTopics = append([]string(nil), g.AgentTopics...)
	}
	if g.TurnsQueue != nil {
		cp.TurnsQueue = make([]Turn, len(g.TurnsQueue))
		for i, turn := range g.TurnsQueue {
			cp.TurnsQueue[i] = turn.clone()
		}
	}
	cp.Uncommitted = g.Uncommitted.clone()
	return cp
}

func (t Turn) clone() Turn {
	cp := Turn{Skipped: t.Skipped}
	if t.Messages != nil {
		cp.Messages = make([]*model.Message, len(t.Messages))
		for i, m := range t.Messages {
			cp.Messages[i] = m.Clone()
		}
	}
	return cp
}
