// Package pulse implements the runtime broker contract on goa.design/pulse
// Redis streams. Each topic maps to one stream, each consumer group to one
// Pulse sink. Sinks give at-least-once delivery with acknowledgement and
// redelivery of abandoned messages; a Redis stream is a single ordered log,
// so per-topic FIFO holds for every correlation id.
//
// Pulse events carry only a name and a payload, so published envelopes are
// wrapped with their correlation id.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"goa.design/calf/features/broker/pulse/clients/pulse"
	"goa.design/calf/runtime/broker"
	"goa.design/calf/runtime/telemetry"
)

// streamPrefix namespaces calf topics inside the Redis keyspace.
const streamPrefix = "calf.topic."

// eventName is the Pulse event name used for every envelope.
const eventName = "envelope"

type (
	// Options configures the broker.
	Options struct {
		// Client is the Pulse client. Required.
		Client pulse.Client
		// Buffer is the delivery channel capacity per subscription.
		// Defaults to 64.
		Buffer int
		// Logger reports subscription failures. Defaults to no logging.
		Logger telemetry.Logger
	}

	// Broker is a Redis streams implementation of broker.Broker.
	Broker struct {
		client pulse.Client
		buffer int
		log    telemetry.Logger

		mu      sync.Mutex
		cancels []func()
		closed  bool
	}

	// wire is the stream payload wrapper.
	wire struct {
		CorrelationID string `json:"correlation_id"`
		Payload       []byte `json:"payload"`
	}
)

// New constructs a broker over the Pulse client.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Broker{client: opts.Client, buffer: buffer, log: log}, nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, correlationID string) error {
	stream, err := b.client.Stream(streamName(topic))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(wire{CorrelationID: correlationID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode stream payload: %w", err)
	}
	if _, err := stream.Add(ctx, eventName, raw); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements broker.Broker. The sink named after the group is
// created on first use; subscribers sharing it split the stream's messages.
func (b *Broker) Subscribe(ctx context.Context, sub broker.Subscription) (<-chan broker.Delivery, func(), error) {
	if sub.Topic == "" || sub.Group == "" {
		return nil, nil, errors.New("subscription needs a topic and a group")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, errors.New("broker is closed")
	}
	b.mu.Unlock()

	stream, err := b.client.Stream(streamName(sub.Topic))
	if err != nil {
		return nil, nil, err
	}
	sink, err := stream.NewSink(ctx, sinkName(sub.Group))
	if err != nil {
		return nil, nil, fmt.Errorf("sink %s on %s: %w", sub.Group, sub.Topic, err)
	}

	deliveries := make(chan broker.Delivery, b.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, sub.Topic, sink, deliveries)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			sink.Close(context.Background())
		})
	}
	b.mu.Lock()
	b.cancels = append(b.cancels, stop)
	b.mu.Unlock()
	return deliveries, stop, nil
}

// consume adapts the sink's event channel to deliveries. The ack hook defers
// to the sink so unacked events are redelivered by Pulse.
func (b *Broker) consume(ctx context.Context, topic string, sink pulse.Sink, out chan<- broker.Delivery) {
	defer close(out)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			var w wire
			if err := json.Unmarshal(evt.Payload, &w); err != nil {
				// Not one of ours; ack so it does not loop forever.
				b.log.Warn(ctx, "discarding malformed stream payload", "topic", topic, "error", err.Error())
				if aerr := sink.Ack(ctx, evt); aerr != nil {
					b.log.Warn(ctx, "ack failed", "topic", topic, "error", aerr.Error())
				}
				continue
			}
			d := broker.NewDelivery(topic, w.Payload, w.CorrelationID, func(ctx context.Context) error {
				return sink.Ack(ctx, evt)
			})
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close implements broker.Broker.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, stop := range cancels {
		stop()
	}
	return b.client.Close(ctx)
}

// streamName derives the Redis stream for a topic. Pulse restricts names to
// word characters and dashes, so topic separators are mapped.
func streamName(topic string) string {
	return streamPrefix + sanitize(topic)
}

// sinkName sanitizes a consumer group name the same way.
func sinkName(group string) string {
	return sanitize(group)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
