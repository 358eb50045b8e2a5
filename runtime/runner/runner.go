// Package runner binds registered nodes to broker subscriptions and drives
// the consume/handle/ack loop. One runner hosts any number of nodes in a
// single process; a deployment may split nodes across processes as long as
// they share a broker.
//
// Acknowledgement policy: a delivery is acked after its handler returns nil
// or a node.ErrDrop protocol error (poison messages must not loop through
// redelivery). Transport failures leave the delivery unacked so the broker
// redelivers it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/calf/runtime/broker"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/node"
	"goa.design/calf/runtime/retry"
	"goa.design/calf/runtime/telemetry"
)

type (
	// Runner hosts nodes over a broker.
	Runner struct {
		brk     broker.Broker
		nodes   []node.Registerable
		retry   retry.Config
		log     telemetry.Logger
		metrics telemetry.Metrics

		// observer, when set, sees every envelope the runner publishes.
		// Fire and forget; used by the trace log feature.
		observer Observer

		ready chan struct{}
	}

	// Observer is notified of every published envelope. Implementations must
	// not block; the runner calls them synchronously on the publish path.
	Observer interface {
		Observe(ctx context.Context, topic string, env *envelope.Envelope)
	}

	// Option configures a Runner.
	Option func(*Runner)

	// emitter implements node.Emitter on top of the broker with the
	// transport retry policy.
	emitter struct {
		r *Runner
	}

	// loop is one bound subscription.
	loop struct {
		sub     broker.Subscription
		handler node.Handler
	}
)

// WithRetry overrides the publish retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(r *Runner) { r.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithObserver registers a publish observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// New builds a runner over the broker.
func New(brk broker.Broker, opts ...Option) *Runner {
	r := &Runner{
		brk:     brk,
		retry:   retry.DefaultConfig(),
		log:     telemetry.NopLogger{},
		metrics: telemetry.NopMetrics{},
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds nodes to the runner. Must be called before Run.
func (r *Runner) Register(nodes ...node.Registerable) {
	r.nodes = append(r.nodes, nodes...)
}

// Emitter returns an emitter usable outside handlers, for injecting the
// initial envelopes of a conversation.
func (r *Runner) Emitter() node.Emitter { return emitter{r: r} }

// Ready is closed once Run has established every subscription. Publishing
// before then can race the consumers into missing the message on brokers
// without persistence.
func (r *Runner) Ready() <-chan struct{} { return r.ready }

// Run subscribes every binding of every registered node and processes
// deliveries until ctx is canceled, then waits for in-flight handlers to
// finish. In-flight work interrupted by cancellation stays unacked so the
// broker redelivers it.
func (r *Runner) Run(ctx context.Context) error {
	loops, err := r.bind()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	cancels := make([]func(), 0, len(loops))
	for _, l := range loops {
		deliveries, cancel, err := r.brk.Subscribe(ctx, l.sub)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return fmt.Errorf("subscribe %s (%s): %w", l.sub.Topic, l.sub.Group, err)
		}
		cancels = append(cancels, cancel)
		r.log.Info(ctx, "subscribed", "topic", l.sub.Topic, "group", l.sub.Group)

		wg.Add(1)
		go func(l loop, deliveries <-chan broker.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				r.process(ctx, l, d)
			}
		}(l, deliveries)
	}
	close(r.ready)

	<-ctx.Done()
	for _, cancel := range cancels {
		cancel()
	}
	wg.Wait()
	return nil
}

// bind expands node wirings into one loop per (topic, handler).
func (r *Runner) bind() ([]loop, error) {
	var loops []loop
	seen := make(map[string]bool)
	for _, n := range r.nodes {
		for _, b := range n.Wiring() {
			if b.Handler == nil {
				return nil, fmt.Errorf("node %q: binding without handler", n.Name())
			}
			group := b.Group
			if group == "" {
				group = n.Name()
			}
			if group == "" {
				return nil, fmt.Errorf("node %q: binding without group", n.Name())
			}
			for _, topic := range b.Topics {
				if topic == "" {
					return nil, fmt.Errorf("node %q: binding with empty topic", n.Name())
				}
				key := topic + "|" + group
				if seen[key] {
					return nil, fmt.Errorf("node %q: duplicate subscription %s (%s)", n.Name(), topic, group)
				}
				seen[key] = true
				loops = append(loops, loop{
					sub:     broker.Subscription{Topic: topic, Group: group},
					handler: b.Handler,
				})
			}
		}
	}
	if len(loops) == 0 {
		return nil, errors.New("runner: no nodes registered")
	}
	return loops, nil
}

// process decodes and handles one delivery and applies the ack policy.
func (r *Runner) process(ctx context.Context, l loop, d broker.Delivery) {
	r.metrics.IncCounter(telemetry.MetricEnvelopesConsumed, 1, "topic", d.Topic)

	env, err := envelope.Decode(d.Payload)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		r.drop(ctx, d, err)
		return
	}

	start := time.Now()
	err = l.handler.Handle(ctx, env, emitter{r: r})
	r.metrics.RecordTimer(telemetry.MetricHandlerDuration, time.Since(start), "topic", d.Topic)

	switch {
	case err == nil:
		if aerr := d.Ack(ctx); aerr != nil {
			r.log.Warn(ctx, "ack failed", "topic", d.Topic, "error", aerr.Error())
		}
	case errors.Is(err, node.ErrDrop):
		r.drop(ctx, d, err)
	default:
		// Transport failure: leave unacked for redelivery.
		r.log.Error(ctx, err, "handler failed, leaving delivery for redelivery", "topic", d.Topic, "trace_id", d.CorrelationID)
	}
}

// drop acknowledges and discards a poison delivery.
func (r *Runner) drop(ctx context.Context, d broker.Delivery, cause error) {
	r.metrics.IncCounter(telemetry.MetricEnvelopesDropped, 1, "topic", d.Topic)
	r.log.Warn(ctx, "dropping envelope", "topic", d.Topic, "trace_id", d.CorrelationID, "error", cause.Error())
	if err := d.Ack(ctx); err != nil {
		r.log.Warn(ctx, "ack failed", "topic", d.Topic, "error", err.Error())
	}
}

// Emit implements node.Emitter: validate, encode, publish with retries and
// the trace id as partition key.
func (e emitter) Emit(ctx context.Context, topic string, env *envelope.Envelope) error {
	if topic == "" {
		return fmt.Errorf("%w: emit without topic", node.ErrDrop)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", node.ErrDrop, err)
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %w", node.ErrDrop, err)
	}

	attempts := 0
	err = retry.Do(ctx, e.r.retry, func(ctx context.Context) error {
		attempts++
		return e.r.brk.Publish(ctx, topic, payload, env.TraceID)
	})
	if attempts > 1 {
		e.r.metrics.IncCounter(telemetry.MetricPublishRetries, float64(attempts-1), "topic", topic)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if e.r.observer != nil {
		e.r.observer.Observe(ctx, topic, env)
	}
	return nil
}
