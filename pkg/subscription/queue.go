package subscription

import (
	"sync"

	devents "github.com/docker/go-events"

	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
)

// deliveryQueue is one subscription's single-consumer pipeline: an
// unbounded FIFO staging buffer drained by a dedicated goroutine into
// a go-events Channel the consumer reads. Writers never block (the
// buffer grows instead), so a slow consumer backpressures only its own
// queue, never the mutation path.
//
// Coalescing happens in the staging buffer: while the consumer lags,
// a node-updated event whose node and command group match the current
// buffer tail replaces that tail instead of appending, so the consumer
// sees one node-updated carrying the final state.
type deliveryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool

	sink *devents.Channel
	out  chan Event
}

func newDeliveryQueue(buffer int) *deliveryQueue {
	if buffer <= 0 {
		buffer = 16
	}
	q := &deliveryQueue{
		sink: devents.NewChannel(buffer),
		out:  make(chan Event),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	go q.adapt()
	return q
}

// Events is the consumer-facing stream. It is closed after Close.
func (q *deliveryQueue) Events() <-chan Event { return q.out }

// Enqueue appends ev, coalescing against the buffer tail. Safe to call
// from inside a mutation transaction; it never blocks.
func (q *deliveryQueue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if n := len(q.items); n > 0 {
		tail := q.items[n-1]
		if tail.Type == NodeUpdated && ev.Type == NodeUpdated &&
			tail.NodeId == ev.NodeId && tail.GroupId == ev.GroupId {
			// Keep the earlier event's PreviousNode so the collapsed
			// event spans the whole group-local edit.
			ev.PreviousNode = tail.PreviousNode
			q.items[n-1] = ev
			metrics.EventsCoalescedTotal.Inc()
			return
		}
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// Close stops delivery immediately: buffered events are dropped and
// the consumer channel closes. Idempotent.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Signal()
	q.sink.Close()
}

func (q *deliveryQueue) drain() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		// Blocks while the sink's buffer is full; the staging buffer
		// above keeps accumulating (and coalescing) meanwhile.
		if err := q.sink.Write(ev); err != nil {
			return
		}
	}
}

func (q *deliveryQueue) adapt() {
	defer close(q.out)
	for {
		select {
		case raw := <-q.sink.C:
			ev, ok := raw.(Event)
			if !ok {
				continue
			}
			select {
			case q.out <- ev:
			case <-q.sink.Done():
				return
			}
		case <-q.sink.Done():
			return
		}
	}
}
