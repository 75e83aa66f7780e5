// Package changefeed defines the Change record the Mutation Service
// publishes and the Subscription Service consumes. It exists as its
// own small package so pkg/mutation (producer) and pkg/subscription
// (consumer) never need to import one another.
package changefeed

import (
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
)

// Kind enumerates the mutation outcomes a Change can carry.
type Kind string

const (
	KindCreated   Kind = "created"
	KindUpdated   Kind = "updated"
	KindMoved     Kind = "moved"
	KindTrashed   Kind = "trashed"
	KindRecovered Kind = "recovered"
	KindRemoved   Kind = "removed"
)

// Change is one node-level effect of a committed command, tagged with
// the facade-global Seq and the CommandGroupId it belongs to so
// subscribers can reconstruct causal order and coalesce within a
// group. Node is nil for KindRemoved; Prev is the pre-image captured
// in the same transaction, nil for KindCreated.
type Change struct {
	Seq         ids.Seq
	GroupId     ids.CommandGroupId
	Kind        Kind
	TreeId      ids.TreeId
	NodeId      ids.NodeId
	OldParentId ids.NodeId
	Node        *nodemodel.Node
	Prev        *nodemodel.Node
}

// Publisher is implemented by the Subscription Service; the Mutation
// Service depends only on this interface, never on the concrete
// delivery mechanism behind it.
type Publisher interface {
	Publish(Change)
}

// NopPublisher discards every change, useful for callers (tests,
// offline imports) that have no subscribers.
type NopPublisher struct{}

func (NopPublisher) Publish(Change) {}
