package broker

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Broker for local development and tests. Messages
// are fanned out to every consumer group of a topic and round-robined within
// a group. Each publisher's messages are delivered in its publication order;
// concurrent publishers to one topic may interleave. The runtime keys
// ordering on the trace id, and a trace has a single publisher per step, so
// this matches the per-partition FIFO the broker contract asks for. Nothing
// is durable: acks are no-ops and unconsumed messages are lost on Close.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	buffer int
}

type memoryTopic struct {
	groups map[string]*memoryGroup
}

type memoryGroup struct {
	subs []chan Delivery
	next int
}

// MemoryOption configures the in-memory broker.
type MemoryOption func(*Memory)

// WithBuffer sets the per-subscriber channel capacity. Default 256.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewMemory constructs an in-memory broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{topics: make(map[string]*memoryTopic), buffer: 256}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ErrClosed reports an operation on a closed broker.
var ErrClosed = errors.New("broker is closed")

// Publish delivers the payload to one subscriber of every group on the
// topic. Publishing to a topic with no subscribers drops the message, the
// same way a log with no consumer groups retains nothing anyone reads.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte, correlationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	t := m.topics[topic]
	if t == nil {
		m.mu.Unlock()
		return nil
	}
	// Pick one subscriber per group under the lock; the sends below happen
	// after release, so ordering holds per publisher, not across concurrent
	// publishers to the same topic.
	targets := make([]chan Delivery, 0, len(t.groups))
	for _, g := range t.groups {
		if len(g.subs) == 0 {
			continue
		}
		targets = append(targets, g.subs[g.next%len(g.subs)])
		g.next++
	}
	m.mu.Unlock()

	d := NewDelivery(topic, payload, correlationID, nil)
	for _, ch := range targets {
		select {
		case ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a consumer and returns its delivery channel.
func (m *Memory) Subscribe(ctx context.Context, sub Subscription) (<-chan Delivery, func(), error) {
	if sub.Topic == "" {
		return nil, nil, errors.New("topic is required")
	}
	group := sub.Group
	if group == "" {
		group = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	t := m.topics[sub.Topic]
	if t == nil {
		t = &memoryTopic{groups: make(map[string]*memoryGroup)}
		m.topics[sub.Topic] = t
	}
	g := t.groups[group]
	if g == nil {
		g = &memoryGroup{}
		t.groups[group] = g
	}
	ch := make(chan Delivery, m.buffer)
	g.subs = append(g.subs, ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			for i, c := range g.subs {
				if c == ch {
					g.subs = append(g.subs[:i], g.subs[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close shuts down the broker and closes every subscriber channel.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		for _, g := range t.groups {
			for _, ch := range g.subs {
				close(ch)
			}
			g.subs = nil
		}
	}
	return nil
}
