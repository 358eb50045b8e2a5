package node

import "strings"

// NamePlaceholder is substituted with the node name when resolving private
// topic templates.
const NamePlaceholder = "{name}"

type (
	// Templates holds the four topic role templates of a node class. Private
	// templates contain the {name} placeholder; a node without a name has no
	// private topics.
	Templates struct {
		// Shared is the public input: a broadcast of requests by capability.
		// Nodes of the same class subscribing here form a consumer group.
		Shared string
		// Publish is the public output announcing completion of the
		// capability.
		Publish string
		// Entrypoint is the private input used for direct addressing.
		Entrypoint string
		// Returnpoint is the private input for responses from delegated
		// sub-agents.
		Returnpoint string
	}

	// Topics is a template set resolved for a concrete node name.
	Topics struct {
		Shared      string
		Publish     string
		Entrypoint  string
		Returnpoint string
	}
)

// Default topic templates implementing the runtime naming convention.
var (
	AgentTemplates = Templates{
		Shared:      "agent.public." + NamePlaceholder,
		Entrypoint:  "agent.private." + NamePlaceholder,
		Returnpoint: "agent.return." + NamePlaceholder,
	}
	ChatTemplates = Templates{
		Shared:  "chat.in",
		Publish: "chat.out",
	}
	ToolTemplates = Templates{
		Shared:  "tool.in." + NamePlaceholder,
		Publish: "tool.out." + NamePlaceholder,
	}
	GroupchatTemplates = Templates{
		Shared:      "groupchat.in." + NamePlaceholder,
		Returnpoint: "groupchat.return." + NamePlaceholder,
	}
)

// Resolve substitutes the node name into every template. Private roles
// resolve to empty topics when the name is empty: a nameless node is only
// addressable through its shared topic.
func (t Templates) Resolve(name string) Topics {
	resolve := func(template string) string {
		if template == "" {
			return ""
		}
		if strings.Contains(template, NamePlaceholder) {
			if name == "" {
				return ""
			}
			return strings.ReplaceAll(template, NamePlaceholder, name)
		}
		return template
	}
	return Topics{
		Shared:      resolve(t.Shared),
		Publish:     resolve(t.Publish),
		Entrypoint:  resolve(t.Entrypoint),
		Returnpoint: resolve(t.Returnpoint),
	}
}

// Inputs returns the non-empty topics the runner must subscribe the node to.
func (t Topics) Inputs() []string {
	var in []string
	for _, topic := range []string{t.Shared, t.Entrypoint, t.Returnpoint} {
		if topic != "" {
			in = append(in, topic)
		}
	}
	return in
}

// ScopedChatTemplates returns chat topic templates scoped to one agent so
// several agents can share a single chat deployment class without consuming
// each other's completions.
func ScopedChatTemplates() Templates {
	return Templates{
		Shared:  "chat.in." + NamePlaceholder,
		Publish: "chat.out." + NamePlaceholder,
	}
}
