package engine

import (
	"sync"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans node and plan lifecycle events out to in-process
// subscribers, keyed by plan execution. It is safe for concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// plan finished receive a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives the events of a plan execution
// and an unsubscribe function. If the plan already finished the returned
// channel is closed.
func (b *EventBroker) Subscribe(planExecutionID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[planExecutionID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[planExecutionID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// Publish sends an event to every subscriber of its plan execution.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.PlanExecutionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers; the plan actor never blocks here.
		}
	}
}

// Close signals that a plan execution finished. Subscriber channels are
// closed and later Subscribe calls return a closed channel.
func (b *EventBroker) Close(planExecutionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[planExecutionID]
	if !ok {
		b.topics[planExecutionID] = &eventTopic{subs: make(map[int]chan model.Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears a closed marker so a recovered plan can stream again.
func (b *EventBroker) Reopen(planExecutionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[planExecutionID]; ok && t.closed {
		delete(b.topics, planExecutionID)
	}
}
