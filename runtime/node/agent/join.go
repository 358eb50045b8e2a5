package agent

import (
	"sync"
	"time"

	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node"
)

type (
	// joinKey identifies one multi-call model response.
	joinKey struct {
		TraceID    string
		ResponseID string
	}

	// join tracks the fan-in of one response's tool calls. env accumulates
	// results in arrival order; pending maps outstanding call ids to tool
	// names so the deadline path can synthesize per-call errors.
	join struct {
		key     joinKey
		pending map[string]string
		env     *envelope.Envelope
		emit    node.Emitter
		timer   *time.Timer
	}

	// joinTable is the only node-local mutable state in the runtime. It is
	// bounded: every entry is removed on completion or by its deadline timer,
	// and results arriving after eviction fall through to the caller's
	// no-join path.
	joinTable struct {
		mu    sync.Mutex
		joins map[joinKey]*join
		calls map[string]*join
	}
)

func newJoinTable() *joinTable {
	return &joinTable{
		joins: make(map[joinKey]*join),
		calls: make(map[string]*join),
	}
}

// Create registers a join expecting one result per entry of calls (call id to
// tool name). base is the accumulating envelope; expired runs once if the
// deadline passes with results still missing, after the entry is evicted.
func (t *joinTable) Create(key joinKey, calls map[string]string, base *envelope.Envelope, emit node.Emitter, deadline time.Duration, expired func(env *envelope.Envelope, emit node.Emitter, missing map[string]string)) {
	entry := &join{
		key:     key,
		pending: make(map[string]string, len(calls)),
		env:     base,
		emit:    emit,
	}
	for id, name := range calls {
		entry.pending[id] = name
	}

	t.mu.Lock()
	t.joins[key] = entry
	for id := range calls {
		t.calls[id] = entry
	}
	t.mu.Unlock()

	if deadline > 0 && expired != nil {
		entry.timer = time.AfterFunc(deadline, func() {
			t.mu.Lock()
			current, ok := t.joins[key]
			if !ok || current != entry {
				t.mu.Unlock()
				return
			}
			t.evictLocked(entry)
			missing := make(map[string]string, len(entry.pending))
			for id, name := range entry.pending {
				missing[id] = name
			}
			env, em := entry.env, entry.emit
			t.mu.Unlock()
			expired(env, em, missing)
		})
	}
}

// Deliver records one tool result message. The join is looked up by
// (trace, response) first and by call id second: delegation returns lose the
// originating response id because the sub-agent's own completions overwrite
// it. found reports whether a join matched; done, when true, hands back the
// fully accumulated envelope and the emitter captured at creation.
func (t *joinTable) Deliver(traceID, responseID, callID string, msg *model.Message) (env *envelope.Envelope, emit node.Emitter, found, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.joins[joinKey{TraceID: traceID, ResponseID: responseID}]
	if !ok {
		entry, ok = t.calls[callID]
	}
	if !ok || entry.key.TraceID != traceID {
		return nil, nil, false, false
	}
	if _, pending := entry.pending[callID]; !pending {
		// Duplicate delivery (at-least-once broker); already counted.
		return nil, nil, true, false
	}
	delete(entry.pending, callID)
	entry.env.SetLatest(msg)
	if len(entry.pending) > 0 {
		return nil, nil, true, false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	t.evictLocked(entry)
	return entry.env, entry.emit, true, true
}

// Len returns the number of in-flight joins.
func (t *joinTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.joins)
}

func (t *joinTable) evictLocked(entry *join) {
	delete(t.joins, entry.key)
	for id, e := range t.calls {
		if e == entry {
			delete(t.calls, id)
		}
	}
}
