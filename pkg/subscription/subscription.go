// Package subscription is the observer layer: registration for
// single nodes, child lists, and whole subtrees, diff detection
// against the mutation changefeed, and per-subscriber event delivery
// with causal ordering and within-group coalescing. Each subscriber
// owns an isolated delivery queue (see queue.go); the write path only
// ever enqueues, so publication from inside a mutation transaction
// never waits on a consumer.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubohiroya/hierarchidb-core/pkg/changefeed"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/query"
)

// EventType enumerates the delivery contract's event kinds.
type EventType string

const (
	NodeCreated     EventType = "node-created"
	NodeUpdated     EventType = "node-updated"
	NodeDeleted     EventType = "node-deleted"
	NodeMoved       EventType = "node-moved"
	ChildrenChanged EventType = "children-changed"
)

// Event is one change notification delivered to a subscriber.
type Event struct {
	Type             EventType       `json:"type"`
	NodeId           ids.NodeId      `json:"nodeId"`
	ParentId         ids.NodeId      `json:"parentId,omitempty"`
	PreviousParentId ids.NodeId      `json:"previousParentId,omitempty"`
	Node             *nodemodel.Node `json:"node,omitempty"`
	PreviousNode     *nodemodel.Node `json:"previousNode,omitempty"`
	AffectedChildren []ids.NodeId    `json:"affectedChildren,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Seq              ids.Seq         `json:"seq,omitempty"`
	GroupId          ids.CommandGroupId `json:"-"`
}

// Filter narrows which touched nodes produce events for one
// subscription. A nil Filter passes everything; a deleted node (nil
// post-state) is matched against its pre-image so a subscriber
// filtering on nodeType still sees the delete.
type Filter struct {
	NodeTypes []string
	Match     func(*nodemodel.Node) bool
}

func (f *Filter) pass(n *nodemodel.Node) bool {
	if f == nil || n == nil {
		return true
	}
	if len(f.NodeTypes) > 0 {
		ok := false
		for _, t := range f.NodeTypes {
			if t == n.NodeType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Match != nil {
		return f.Match(n)
	}
	return true
}

// Kind distinguishes the three observation shapes.
type Kind string

const (
	KindNode     Kind = "node"
	KindChildren Kind = "children"
	KindSubtree  Kind = "subtree"
)

// SubscriptionId identifies one active subscription.
type SubscriptionId string

// Options configures a subscription at registration time.
type Options struct {
	Filter *Filter
	// MaxDepth bounds subtree observation; 0 means unlimited. Ignored
	// for node and children subscriptions.
	MaxDepth int
	// IncludeInitialSnapshot emits the observed state once at
	// subscribe time, before any change events.
	IncludeInitialSnapshot bool
	// QueueBuffer sizes the consumer-facing channel (default 16).
	QueueBuffer int
}

type subscription struct {
	id       SubscriptionId
	kind     Kind
	target   ids.NodeId
	maxDepth int
	filter   *Filter
	queue    *deliveryQueue
}

// Handle is returned to the observer: the event stream plus the
// identity needed to unsubscribe.
type Handle struct {
	Id     SubscriptionId
	Kind   Kind
	Events <-chan Event
}

// Service fans mutation changes out to subscribers. It implements
// changefeed.Publisher, so the Mutation Service publishes into it
// without knowing delivery details.
type Service struct {
	mu    sync.RWMutex
	subs  map[SubscriptionId]*subscription
	query *query.Service
	clock func() time.Time
}

// New builds a Service over the given query service (used for subtree
// membership walks and initial snapshots).
func New(q *query.Service, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{subs: make(map[SubscriptionId]*subscription), query: q, clock: clock}
}

// ObserveNode subscribes to create/update/delete/move of one node.
func (s *Service) ObserveNode(nodeId ids.NodeId, opts Options) *Handle {
	return s.register(KindNode, nodeId, opts)
}

// ObserveChildren subscribes to membership and order changes of one
// parent's child list.
func (s *Service) ObserveChildren(parentId ids.NodeId, opts Options) *Handle {
	return s.register(KindChildren, parentId, opts)
}

// ObserveSubtree subscribes to any change below rootNodeId, optionally
// depth-bounded.
func (s *Service) ObserveSubtree(rootNodeId ids.NodeId, opts Options) *Handle {
	return s.register(KindSubtree, rootNodeId, opts)
}

func (s *Service) register(kind Kind, target ids.NodeId, opts Options) *Handle {
	sub := &subscription{
		id:       SubscriptionId(uuid.NewString()),
		kind:     kind,
		target:   target,
		maxDepth: opts.MaxDepth,
		filter:   opts.Filter,
		queue:    newDeliveryQueue(opts.QueueBuffer),
	}

	if opts.IncludeInitialSnapshot {
		s.enqueueSnapshot(sub)
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(string(kind)).Inc()

	return &Handle{Id: sub.id, Kind: kind, Events: sub.queue.Events()}
}

// Unsubscribe cancels one subscription. Idempotent and immediate: no
// events are delivered after it returns.
func (s *Service) Unsubscribe(id SubscriptionId) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		sub.queue.Close()
		metrics.ActiveSubscriptions.WithLabelValues(string(sub.kind)).Dec()
	}
}

// UnsubscribeAll cancels every active subscription, used by facade
// shutdown.
func (s *Service) UnsubscribeAll() {
	s.mu.Lock()
	doomed := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		doomed = append(doomed, sub)
	}
	s.subs = make(map[SubscriptionId]*subscription)
	s.mu.Unlock()
	for _, sub := range doomed {
		sub.queue.Close()
		metrics.ActiveSubscriptions.WithLabelValues(string(sub.kind)).Dec()
	}
}

// Count reports the number of active subscriptions, for system health.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish routes one committed change to every matching subscription.
// Called synchronously by the Mutation Service as part of command
// execution, so enqueue order across subscriptions follows Seq order
// and each subscriber observes causal order.
func (s *Service) Publish(change changefeed.Change) {
	ev := s.eventFor(change)

	s.mu.RLock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if !s.matches(sub, change) {
			continue
		}
		if !sub.filter.pass(filterSubject(change)) {
			continue
		}
		sub.queue.Enqueue(ev)
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (s *Service) eventFor(change changefeed.Change) Event {
	ev := Event{
		NodeId:       change.NodeId,
		Node:         change.Node,
		PreviousNode: change.Prev,
		Timestamp:    s.clock(),
		Seq:          change.Seq,
		GroupId:      change.GroupId,
	}
	switch change.Kind {
	case changefeed.KindCreated:
		ev.Type = NodeCreated
		ev.ParentId = change.Node.ParentId
	case changefeed.KindUpdated:
		ev.Type = NodeUpdated
		ev.ParentId = change.Node.ParentId
	case changefeed.KindMoved, changefeed.KindTrashed, changefeed.KindRecovered:
		ev.Type = NodeMoved
		ev.ParentId = change.Node.ParentId
		ev.PreviousParentId = change.OldParentId
	case changefeed.KindRemoved:
		ev.Type = NodeDeleted
		ev.ParentId = change.OldParentId
	}
	return ev
}

// filterSubject picks the node state a Filter judges: post-state when
// it exists, pre-image for deletes.
func filterSubject(change changefeed.Change) *nodemodel.Node {
	if change.Node != nil {
		return change.Node
	}
	return change.Prev
}

func (s *Service) matches(sub *subscription, change changefeed.Change) bool {
	switch sub.kind {
	case KindNode:
		return change.NodeId == sub.target
	case KindChildren:
		if change.Node != nil && change.Node.ParentId == sub.target {
			return true
		}
		return change.OldParentId == sub.target
	case KindSubtree:
		if change.NodeId == sub.target {
			return true
		}
		if s.underTarget(parentOf(change), sub.target, sub.maxDepth) {
			return true
		}
		// A node moved out of the observed subtree is still this
		// subtree's change.
		if change.OldParentId != "" && change.OldParentId != parentOf(change) {
			return s.underTarget(change.OldParentId, sub.target, sub.maxDepth)
		}
		return false
	}
	return false
}

func parentOf(change changefeed.Change) ids.NodeId {
	if change.Node != nil {
		return change.Node.ParentId
	}
	return change.OldParentId
}

// underTarget reports whether parentId is target or lies within
// maxDepth-1 levels below it (so a node whose parent passes sits
// within maxDepth levels itself). Walks CoreDB upward via the query
// service; the walk runs post-commit, inside the publishing command,
// so it sees the state the event describes.
func (s *Service) underTarget(parentId, target ids.NodeId, maxDepth int) bool {
	depth := 1
	cursor := parentId
	for cursor != "" {
		if cursor == target {
			return maxDepth <= 0 || depth <= maxDepth
		}
		n, err := s.query.GetNode(cursor)
		if err != nil || n.ParentId == cursor {
			return false
		}
		cursor = n.ParentId
		depth++
	}
	return false
}

// enqueueSnapshot seeds a new subscription with the current state of
// its observed scope, before any live events.
func (s *Service) enqueueSnapshot(sub *subscription) {
	now := s.clock()
	switch sub.kind {
	case KindNode:
		n, err := s.query.GetNode(sub.target)
		if err != nil || !sub.filter.pass(n) {
			return
		}
		sub.queue.Enqueue(Event{Type: NodeUpdated, NodeId: n.Id, ParentId: n.ParentId, Node: n, Timestamp: now})
	case KindChildren:
		children, err := s.query.GetChildren(sub.target, query.SortByName)
		if err != nil {
			return
		}
		ev := Event{Type: ChildrenChanged, NodeId: sub.target, ParentId: sub.target, Timestamp: now}
		for _, c := range children {
			if sub.filter.pass(c) {
				ev.AffectedChildren = append(ev.AffectedChildren, c.Id)
			}
		}
		sub.queue.Enqueue(ev)
	case KindSubtree:
		descendants, err := s.query.Descendants(sub.target, query.DescendantOptions{MaxDepth: sub.maxDepth})
		if err != nil {
			return
		}
		ev := Event{Type: ChildrenChanged, NodeId: sub.target, ParentId: sub.target, Timestamp: now}
		for _, d := range descendants {
			if sub.filter.pass(d) {
				ev.AffectedChildren = append(ev.AffectedChildren, d.Id)
			}
		}
		sub.queue.Enqueue(ev)
	}
}
