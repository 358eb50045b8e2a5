// Package tracelog defines the per-trace envelope archive contract. Stores
// persist a copy of every routed envelope keyed by trace id so operators can
// reconstruct what a conversation did. The archive is write-only from the
// runtime's point of view: nodes never read it back.
package tracelog

import (
	"context"
	"errors"
	"time"

	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/telemetry"
)

// Direction records how the runtime observed the envelope.
const (
	// DirectionPublished marks envelopes captured on their way out of a node.
	DirectionPublished = "published"
)

type (
	// Entry is one archived envelope.
	Entry struct {
		// TraceID is the conversation the envelope belongs to.
		TraceID string
		// Direction is one of the Direction constants.
		Direction string
		// Topic is the topic the envelope was routed on.
		Topic string
		// Kind is the envelope kind at capture time.
		Kind string
		// Payload is the encoded envelope.
		Payload []byte
		// Timestamp is the capture time.
		Timestamp time.Time
	}

	// Store persists archive entries.
	Store interface {
		// Append archives one entry. Implementations must be safe for
		// concurrent use.
		Append(ctx context.Context, e *Entry) error
	}

	// Observer adapts a Store to the runner's publish observer hook. Archive
	// failures are logged and swallowed: the archive must never block or fail
	// message routing.
	Observer struct {
		store Store
		log   telemetry.Logger
	}
)

// NewObserver builds a publish observer writing to the store.
func NewObserver(store Store, log telemetry.Logger) (*Observer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Observer{store: store, log: log}, nil
}

// Observe archives the published envelope.
func (o *Observer) Observe(ctx context.Context, topic string, env *envelope.Envelope) {
	if env == nil {
		return
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		o.log.Warn(ctx, "trace archive encode failed", "topic", topic, "error", err.Error())
		return
	}
	entry := &Entry{
		TraceID:   env.TraceID,
		Direction: DirectionPublished,
		Topic:     topic,
		Kind:      string(env.Kind),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.Append(ctx, entry); err != nil {
		o.log.Warn(ctx, "trace archive append failed",
			"topic", topic, "trace_id", env.TraceID, "error", err.Error())
	}
}
