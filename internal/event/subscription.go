package event

import (
	"context"
	"runtime/debug"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/chive-pub/plugd/internal/event/topic"
)

// SubscriptionState represents the state of a subscription.
type SubscriptionState int32

const (
	// SubscriptionStateActive means the subscription is receiving events.
	SubscriptionStateActive SubscriptionState = iota

	// SubscriptionStateCancelled means the subscription has been removed.
	// Events still buffered in its queue are discarded, not delivered.
	SubscriptionStateCancelled
)

// String returns a human-readable state name.
func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionStateActive:
		return "active"
	case SubscriptionStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SubscriptionConfig holds per-subscription settings.
type SubscriptionConfig struct {
	// Owner identifies who created the subscription (a plugin identity or
	// "host"). Used for bookkeeping and bulk teardown checks.
	Owner string

	// QueueSize overrides the bus default delivery queue capacity.
	QueueSize int
}

// SubscriptionOption configures a subscription.
type SubscriptionOption func(*SubscriptionConfig)

// WithOwner tags the subscription with its creator's identity.
func WithOwner(owner string) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.Owner = owner
	}
}

// WithQueueSize overrides the delivery queue capacity for this subscription.
func WithQueueSize(n int) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.QueueSize = n
	}
}

// Subscription is one registered handler with its own FIFO delivery queue.
// A dedicated goroutine drains the queue in order, so delivery order per
// event name follows publish order, and a slow handler delays only its own
// queue, never other subscribers of the same event.
type Subscription struct {
	id      string
	pattern topic.Topic
	owner   string
	handler Handler
	queue   chan Event
	state   atomic.Int32
	bus     *Bus
}

func newSubscription(id string, pattern topic.Topic, h Handler, cfg SubscriptionConfig, b *Bus) *Subscription {
	s := &Subscription{
		id:      id,
		pattern: pattern,
		owner:   cfg.Owner,
		handler: h,
		queue:   make(chan Event, cfg.QueueSize),
		bus:     b,
	}
	s.state.Store(int32(SubscriptionStateActive))
	return s
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Pattern returns the subscribed topic pattern.
func (s *Subscription) Pattern() topic.Topic {
	return s.pattern
}

// Owner returns the identity the subscription was created for.
func (s *Subscription) Owner() string {
	return s.owner
}

// State returns the current subscription state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// IsActive returns true if the subscription can receive events.
func (s *Subscription) IsActive() bool {
	return s.State() == SubscriptionStateActive
}

// cancel marks the subscription cancelled. The bus closes the queue under
// its publish lock; cancel itself must not close the channel.
func (s *Subscription) cancel() {
	s.state.Store(int32(SubscriptionStateCancelled))
}

// run drains the delivery queue until it is closed. Runs on a goroutine
// owned by the bus.
func (s *Subscription) run() {
	defer s.bus.wg.Done()
	for ev := range s.queue {
		if !s.IsActive() {
			s.bus.dropped.Add(1)
			s.bus.pending.Add(-1)
			continue
		}
		s.dispatch(ev)
		s.bus.pending.Add(-1)
	}
}

// dispatch invokes the handler with panic recovery and the bus handler
// timeout. Failures are logged and counted, never propagated.
func (s *Subscription) dispatch(ev Event) {
	ctx := context.Background()
	if s.bus.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.bus.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.bus.panics.Add(1)
			s.bus.log.WithFields(logrus.Fields{
				"subscription": s.id,
				"owner":        s.owner,
				"topic":        ev.Topic.String(),
				"panic":        r,
			}).Error("event handler panicked\n" + string(debug.Stack()))
		}
	}()

	if err := s.handler.Handle(ctx, ev); err != nil {
		s.bus.handlerErrors.Add(1)
		s.bus.log.WithFields(logrus.Fields{
			"subscription": s.id,
			"owner":        s.owner,
			"topic":        ev.Topic.String(),
		}).WithError(err).Warn("event handler error")
		return
	}
	s.bus.delivered.Add(1)
}
