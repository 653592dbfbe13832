package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// Publisher is the part of *nats.Conn the event bus needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// EventBus emits lifecycle events to NATS. Delivery is fire-and-forget.
type EventBus struct {
	conn     Publisher
	subjects Subjects
}

// NewEventBus creates an event bus publishing under prefix.
func NewEventBus(conn Publisher, prefix string) *EventBus {
	return &EventBus{conn: conn, subjects: Subjects{Prefix: prefix}}
}

// Publish encodes ev as JSON and publishes it on the plan's event subject.
func (b *EventBus) Publish(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.conn.Publish(b.subjects.Events(ev.PlanExecutionID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
