// Package node defines the wiring model that connects handlers to topics. A
// node describes its pub/sub wiring as data — a list of bindings returned
// from Wiring() — and the runner binds each one to a broker subscription. No
// runtime reflection is involved.
package node

import (
	"context"
	"errors"

	"goa.design/calf/runtime/envelope"
)

// ErrDrop marks a handler failure as a protocol error: the delivery is poison
// and must be acknowledged and dropped rather than redelivered. Handlers wrap
// it (fmt.Errorf("%w: ...", node.ErrDrop)) so the runner can tell poison
// messages from transient transport failures.
var ErrDrop = errors.New("drop envelope")

type (
	// Registerable is implemented by every deployable node. The runner
	// iterates the bindings and subscribes each handler to its topics.
	Registerable interface {
		// Name returns the node's stable name. Routing identity must not
		// change across restarts, so names are configuration, not generated.
		// May be empty for nodes without private topics.
		Name() string

		// Wiring describes the subscriptions the node needs.
		Wiring() []Binding
	}

	// Binding connects one handler to the topics it consumes.
	Binding struct {
		// Handler processes each envelope delivered on the topics.
		Handler Handler

		// Topics lists the input topics. Each gets its own subscription.
		Topics []string

		// Group is the consumer group. Nodes sharing a group on a shared
		// topic split its traffic; an empty group defaults to the node name
		// so each node instance set forms one group.
		Group string
	}

	// Handler processes one envelope and publishes follow-ups through the
	// emitter. Handlers must be safe for concurrent invocations across
	// traces and must not retain the envelope after returning.
	Handler interface {
		Handle(ctx context.Context, env *envelope.Envelope, emit Emitter) error
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, env *envelope.Envelope, emit Emitter) error

	// Emitter publishes envelopes on behalf of a handler. The runner stamps
	// the broker correlation id from the envelope trace id and applies the
	// transport retry policy.
	Emitter interface {
		Emit(ctx context.Context, topic string, env *envelope.Envelope) error
	}
)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope, emit Emitter) error {
	return f(ctx, env, emit)
}
