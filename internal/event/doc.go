// Package event provides the shared publish/subscribe bus plugins and host
// components communicate over.
//
// The bus decouples event producers (the indexing pipeline, the firehose
// consumer, the plugin manager) from consumers (plugins, host taps) without
// direct dependencies between them.
//
// # Topics
//
// Events use hierarchical dot-notation topics:
//
//	eprint.indexed       - an eprint finished indexing
//	review.created       - a review was posted
//	firehose.commit      - a raw firehose record arrived
//	system.startup       - host finished its initial plugin load
//	system.plugin.loaded - a plugin entered the registry
//
// Subscriptions are made against patterns, which may contain wildcards; see
// the topic subpackage for the grammar.
//
// # Delivery model
//
// Every subscription owns a bounded FIFO queue drained by a dedicated
// goroutine. Publish matches the topic against all patterns and enqueues the
// event on each matching subscription without waiting for handlers, so:
//
//   - publishing is non-blocking for the caller
//   - per event name, each subscriber sees events in publish order
//   - a slow or panicking handler delays only its own queue
//
// Handler errors and panics are recovered, logged, and counted; they never
// propagate to the publisher or to other subscribers. A full queue drops the
// event for that subscriber only.
//
// # Usage
//
//	bus := event.New(event.WithLogger(log))
//	if err := bus.Start(); err != nil { ... }
//
//	sub, err := bus.SubscribeFunc("eprint.indexed", func(ctx context.Context, ev event.Event) error {
//		return index.Enrich(ctx, ev.Payload)
//	}, event.WithOwner("host"))
//
//	bus.Publish(ctx, event.Event{Topic: "eprint.indexed", Payload: data, Source: "host"})
//
//	bus.Unsubscribe(sub.ID())
//	bus.Stop(ctx)
package event
