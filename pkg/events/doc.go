/*
Package events provides a generic, in-memory publish/subscribe broker
used for diagnostic event streams across the HierarchiDB core: today,
the Plugin Registry's registered/unregistered/error stream.

# Architecture

Broker[T] is a single internal channel fanned out to per-subscriber
buffered channels:

	Publish(event) -> eventCh -> run() -> broadcast to each Subscriber[T]

Broadcast is best-effort: a full subscriber buffer drops that event for
that subscriber only, never blocking the publisher or other
subscribers. This makes Broker suitable for diagnostics and metrics
fan-out, where an occasional dropped event is acceptable.

Broker is NOT used for the Subscription Service's change-event delivery
(pkg/subscription): change delivery needs causal ordering and
guaranteed, backpressure-isolated delivery per subscriber, which needs
an unbounded FIFO queue rather than a dropping buffered channel, so
pkg/subscription builds that on github.com/docker/go-events instead.

# Usage

	b := events.NewBroker[MyEvent]()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(MyEvent{...})
	ev := <-sub
*/
package events
