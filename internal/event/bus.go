package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chive-pub/plugd/internal/event/topic"
)

// Defaults for bus configuration.
const (
	// DefaultQueueSize is the per-subscription delivery queue capacity.
	DefaultQueueSize = 256

	// DefaultHandlerTimeout bounds a single handler invocation.
	DefaultHandlerTimeout = 5 * time.Second
)

type busConfig struct {
	log            *logrus.Logger
	queueSize      int
	handlerTimeout time.Duration
	observer       func(Event)
}

// BusOption configures a Bus.
type BusOption func(*busConfig)

// WithLogger sets the logger used for handler failures and drops.
func WithLogger(log *logrus.Logger) BusOption {
	return func(c *busConfig) {
		c.log = log
	}
}

// WithDefaultQueueSize sets the default per-subscription queue capacity.
func WithDefaultQueueSize(n int) BusOption {
	return func(c *busConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithHandlerTimeout sets the per-invocation handler timeout.
// Zero disables the timeout.
func WithHandlerTimeout(d time.Duration) BusOption {
	return func(c *busConfig) {
		c.handlerTimeout = d
	}
}

// WithObserver installs a function called synchronously for every
// published event, before fan-out. Meant for counters; it runs under the
// publish lock and must not block or publish.
func WithObserver(fn func(Event)) BusOption {
	return func(c *busConfig) {
		c.observer = fn
	}
}

// Bus is the shared publish/subscribe bus. Each subscription owns a bounded
// FIFO queue drained by its own goroutine: publishing never blocks on
// handlers, delivery order per event name follows publish order for every
// subscriber, and one subscriber's slow handler cannot stall another's.
//
// A Bus must be started before use and cannot be restarted once stopped.
type Bus struct {
	registry *registry

	// pubMu serializes enqueues and queue closes. Holding it across the
	// match+enqueue of a publish keeps emission order consistent for all
	// subscribers of an event name, and no queue is ever closed mid-send.
	pubMu sync.Mutex

	running atomic.Bool
	stopped atomic.Bool

	wg      sync.WaitGroup
	pending atomic.Int64

	log            *logrus.Entry
	queueSize      int
	handlerTimeout time.Duration
	observer       func(Event)

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64
}

// New creates a bus with the given options.
func New(opts ...BusOption) *Bus {
	cfg := busConfig{
		queueSize:      DefaultQueueSize,
		handlerTimeout: DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.New()
	}

	return &Bus{
		registry:       newRegistry(),
		log:            cfg.log.WithField("component", "event.bus"),
		queueSize:      cfg.queueSize,
		handlerTimeout: cfg.handlerTimeout,
		observer:       cfg.observer,
	}
}

// Start makes the bus accept publishes and subscriptions.
func (b *Bus) Start() error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if b.running.Swap(true) {
		return ErrBusAlreadyRunning
	}
	return nil
}

// Stop cancels every subscription and waits for in-flight deliveries to
// finish, or for the context to expire. Buffered, undelivered events are
// discarded and counted as dropped.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return ErrBusNotRunning
	}
	b.stopped.Store(true)

	b.pubMu.Lock()
	for _, sub := range b.registry.all() {
		sub.cancel()
		close(sub.queue)
	}
	b.registry.clear()
	b.pubMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the bus accepts publishes.
func (b *Bus) IsRunning() bool {
	return b.running.Load()
}

// Publish enqueues the event for every matching subscription and returns
// without waiting for handlers. A subscription whose queue is full misses
// this event; the drop is counted and logged.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	if ev.Topic == "" || !ev.Topic.IsValid() {
		return ErrInvalidTopic
	}
	if ev.Topic.IsWildcard() {
		return ErrWildcardPublish
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.published.Add(1)
	if b.observer != nil {
		b.observer(ev)
	}
	for _, sub := range b.registry.match(ev.Topic) {
		if !sub.IsActive() {
			continue
		}
		select {
		case sub.queue <- ev:
			b.pending.Add(1)
		default:
			b.dropped.Add(1)
			b.log.WithFields(logrus.Fields{
				"topic":        ev.Topic.String(),
				"subscription": sub.id,
				"owner":        sub.owner,
			}).Warn("subscription queue full, event dropped")
		}
	}
	return nil
}

// Subscribe registers a handler for a topic pattern and starts its delivery
// goroutine. The returned subscription's ID is the handle for Unsubscribe.
func (b *Bus) Subscribe(pattern topic.Topic, h Handler, opts ...SubscriptionOption) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if pattern == "" || !pattern.IsValid() {
		return nil, ErrInvalidTopic
	}

	cfg := SubscriptionConfig{QueueSize: b.queueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = b.queueSize
	}

	sub := newSubscription(uuid.NewString(), pattern, h, cfg, b)

	b.pubMu.Lock()
	if !b.running.Load() {
		b.pubMu.Unlock()
		return nil, ErrBusNotRunning
	}
	b.registry.add(sub)
	b.wg.Add(1)
	b.pubMu.Unlock()

	go sub.run()
	return sub, nil
}

// SubscribeFunc registers a function handler.
func (b *Bus) SubscribeFunc(pattern topic.Topic, fn HandlerFunc, opts ...SubscriptionOption) (*Subscription, error) {
	return b.Subscribe(pattern, fn, opts...)
}

// Unsubscribe removes a subscription by id. Buffered events it has not yet
// handled are discarded.
func (b *Bus) Unsubscribe(subID string) error {
	b.pubMu.Lock()
	sub := b.registry.remove(subID)
	if sub != nil {
		sub.cancel()
		close(sub.queue)
	}
	b.pubMu.Unlock()

	if sub == nil {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Drain blocks until every enqueued event has been handled or discarded,
// or until the context expires.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	return b.registry.count()
}

// CountOwner returns the number of live subscriptions tagged with owner.
func (b *Bus) CountOwner(owner string) int {
	return b.registry.countOwner(owner)
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		HandlerPanics: b.panics.Load(),
		Subscriptions: b.registry.count(),
	}
}
