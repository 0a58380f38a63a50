package commbus

import (
	"context"
	"time"
)

// Bus wraps InMemoryCommBus with a context-free PublishEvent, for callers
// like the scheduler's single critical section that mutate state
// synchronously and don't thread a context through every call.
type Bus struct {
	*InMemoryCommBus
}

// NewBus returns a Bus with the default query timeout used by pydpiper's
// status-query subscribers.
func NewBus() *Bus {
	return &Bus{InMemoryCommBus: NewInMemoryCommBus(5 * time.Second)}
}

// PublishEvent fans msg out to subscribers, discarding the error from
// InMemoryCommBus.Publish (nil unless a middleware's Before rejects the
// event) — subscriber failures are logged by the bus itself and must
// never block the scheduler's critical section.
func (b *Bus) PublishEvent(msg Message) {
	_ = b.InMemoryCommBus.Publish(context.Background(), msg)
}
