package event

import (
	"context"
	"time"

	"github.com/chive-pub/plugd/internal/event/topic"
)

// Event is a single occurrence published on the bus.
type Event struct {
	// Topic is the concrete (wildcard-free) event name.
	Topic topic.Topic

	// Payload carries the event's domain data. Payload shapes are owned by
	// each event's domain, not by the bus.
	Payload map[string]any

	// Source identifies the emitter: a plugin identity, or "host".
	Source string

	// Time is when the event was published. Filled in by Publish if zero.
	Time time.Time
}

// Handler processes events delivered to a subscription.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Dropped       uint64
	HandlerErrors uint64
	HandlerPanics uint64
	Subscriptions int
}
