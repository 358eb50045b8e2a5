// Package broker defines the pub/sub log contract the runtime consumes and an
// in-memory implementation for local development and tests. Production
// deployments use the Redis streams implementation in features/broker/pulse.
//
// The contract is deliberately small: opaque payloads, publish with a
// correlation id, subscribe by topic within a consumer group. The broker must
// provide at-least-once delivery and per-topic FIFO keyed by the published
// correlation id; the routing layer is built to tolerate redelivery.
package broker

import "context"

type (
	// Broker is the messaging capability the node runner binds to.
	Broker interface {
		// Publish appends a payload to the topic. The correlation id is the
		// partition key: the broker guarantees FIFO among messages sharing
		// it. Publish must be safe for concurrent use.
		Publish(ctx context.Context, topic string, payload []byte, correlationID string) error

		// Subscribe registers a consumer in sub.Group on sub.Topic and
		// returns the delivery channel plus a cancel function that stops
		// consumption and closes the channel. Subscribers sharing a group
		// split the topic's messages between them; distinct groups each
		// observe every message.
		Subscribe(ctx context.Context, sub Subscription) (<-chan Delivery, func(), error)

		// Close releases broker resources. Pending deliveries are dropped.
		Close(ctx context.Context) error
	}

	// Subscription names a topic and the consumer group reading it.
	Subscription struct {
		Topic string
		Group string
	}

	// Delivery is one consumed message. Consumers ack after successful
	// processing; an unacked delivery is redelivered after restart by
	// brokers that support it.
	Delivery struct {
		Topic         string
		Payload       []byte
		CorrelationID string

		ack func(context.Context) error
	}
)

// NewDelivery builds a delivery with the given ack callback. A nil ack makes
// Ack a no-op; broker implementations use this constructor so the ack hook
// stays private.
func NewDelivery(topic string, payload []byte, correlationID string, ack func(context.Context) error) Delivery {
	return Delivery{Topic: topic, Payload: payload, CorrelationID: correlationID, ack: ack}
}

// Ack acknowledges successful processing of the delivery.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}
