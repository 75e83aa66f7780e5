package subscription

import (
	"sync"
	"testing"
	"time"

	devents "github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubohiroya/hierarchidb-core/pkg/changefeed"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/query"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

func testFixture(t *testing.T) (*Service, *storage.Engine) {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), []storage.StoreSpec{
		{Name: nodemodel.StoreTrees},
		{Name: nodemodel.StoreNodes, Indices: []string{nodemodel.IndexParentName, nodemodel.IndexParentUpdatedAt}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	q := query.New(engine, 16)
	svc := New(q, func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	t.Cleanup(svc.UnsubscribeAll)
	return svc, engine
}

func putNode(t *testing.T, engine *storage.Engine, n *nodemodel.Node) {
	t.Helper()
	data, err := n.Encode()
	require.NoError(t, err)
	require.NoError(t, engine.Core().Update(func(tx *storage.Tx) error {
		if err := tx.Put(nodemodel.StoreNodes, []byte(n.Id), data); err != nil {
			return err
		}
		if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexParentName, nodemodel.ParentNameKey(n.ParentId, nodemodel.NormalizeName(n.Name)), []byte(n.Id), true); err != nil {
			return err
		}
		return tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, nodemodel.ParentUpdatedAtKey(n.ParentId, n.UpdatedAt, n.Id), []byte(n.Id), false)
	}))
}

func mustReceive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func node(id, parent ids.NodeId, name string, version uint64) *nodemodel.Node {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &nodemodel.Node{Id: id, TreeId: "t", ParentId: parent, NodeType: "folder", Name: name, CreatedAt: now, UpdatedAt: now, Version: version}
}

func TestService_ObserveNode(t *testing.T) {
	svc, _ := testFixture(t)

	h := svc.ObserveNode("n1", Options{})
	created := node("n1", "root", "One", 1)
	svc.Publish(changefeed.Change{Seq: 1, GroupId: "g1", Kind: changefeed.KindCreated, NodeId: "n1", Node: created})

	ev := mustReceive(t, h.Events)
	assert.Equal(t, NodeCreated, ev.Type)
	assert.Equal(t, ids.NodeId("n1"), ev.NodeId)
	assert.Equal(t, ids.NodeId("root"), ev.ParentId)
	require.NotNil(t, ev.Node)
	assert.Equal(t, "One", ev.Node.Name)

	// A change to an unrelated node is not delivered.
	svc.Publish(changefeed.Change{Seq: 2, GroupId: "g2", Kind: changefeed.KindCreated, NodeId: "n2", Node: node("n2", "root", "Two", 1)})
	svc.Publish(changefeed.Change{Seq: 3, GroupId: "g3", Kind: changefeed.KindRemoved, NodeId: "n1", OldParentId: "root", Prev: created})

	ev = mustReceive(t, h.Events)
	assert.Equal(t, NodeDeleted, ev.Type)
	assert.Equal(t, ids.NodeId("n1"), ev.NodeId)
	assert.Equal(t, "One", ev.PreviousNode.Name)
}

func TestService_ObserveChildrenMembership(t *testing.T) {
	svc, _ := testFixture(t)

	h := svc.ObserveChildren("root", Options{})

	svc.Publish(changefeed.Change{Seq: 1, GroupId: "g1", Kind: changefeed.KindCreated, NodeId: "a", Node: node("a", "root", "A", 1)})
	ev := mustReceive(t, h.Events)
	assert.Equal(t, NodeCreated, ev.Type)

	// Move out of root: old parent matches.
	moved := node("a", "elsewhere", "A", 2)
	svc.Publish(changefeed.Change{Seq: 2, GroupId: "g2", Kind: changefeed.KindMoved, NodeId: "a", Node: moved, OldParentId: "root"})
	ev = mustReceive(t, h.Events)
	assert.Equal(t, NodeMoved, ev.Type)
	assert.Equal(t, ids.NodeId("root"), ev.PreviousParentId)

	// A change under an unrelated parent is not delivered.
	svc.Publish(changefeed.Change{Seq: 3, GroupId: "g3", Kind: changefeed.KindCreated, NodeId: "b", Node: node("b", "elsewhere", "B", 1)})
	select {
	case ev := <-h.Events:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_ObserveSubtreeDepth(t *testing.T) {
	svc, engine := testFixture(t)
	putNode(t, engine, node("mid", "root", "Mid", 1))
	putNode(t, engine, node("deep", "mid", "Deep", 1))

	all := svc.ObserveSubtree("root", Options{})
	shallow := svc.ObserveSubtree("root", Options{MaxDepth: 1})

	leaf := node("leaf", "deep", "Leaf", 1)
	putNode(t, engine, leaf)
	svc.Publish(changefeed.Change{Seq: 1, GroupId: "g1", Kind: changefeed.KindCreated, NodeId: "leaf", Node: leaf})

	ev := mustReceive(t, all.Events)
	assert.Equal(t, NodeCreated, ev.Type)
	assert.Equal(t, ids.NodeId("leaf"), ev.NodeId)

	select {
	case ev := <-shallow.Events:
		t.Fatalf("depth-limited subscription saw %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	direct := node("direct", "root", "Direct", 1)
	putNode(t, engine, direct)
	svc.Publish(changefeed.Change{Seq: 2, GroupId: "g2", Kind: changefeed.KindCreated, NodeId: "direct", Node: direct})
	ev = mustReceive(t, shallow.Events)
	assert.Equal(t, ids.NodeId("direct"), ev.NodeId)
}

func TestService_FilterByNodeType(t *testing.T) {
	svc, _ := testFixture(t)

	h := svc.ObserveChildren("root", Options{Filter: &Filter{NodeTypes: []string{"document"}}})

	svc.Publish(changefeed.Change{Seq: 1, GroupId: "g1", Kind: changefeed.KindCreated, NodeId: "f", Node: node("f", "root", "Folder", 1)})
	doc := node("d", "root", "Doc", 1)
	doc.NodeType = "document"
	svc.Publish(changefeed.Change{Seq: 2, GroupId: "g2", Kind: changefeed.KindCreated, NodeId: "d", Node: doc})

	ev := mustReceive(t, h.Events)
	assert.Equal(t, ids.NodeId("d"), ev.NodeId)
}

func TestService_CausalOrderPerSubscription(t *testing.T) {
	svc, _ := testFixture(t)

	h := svc.ObserveChildren("root", Options{QueueBuffer: 1})

	const n = 50
	for i := 1; i <= n; i++ {
		name := string(rune('a' + i%26))
		svc.Publish(changefeed.Change{
			Seq: ids.Seq(i), GroupId: ids.CommandGroupId(name), Kind: changefeed.KindCreated,
			NodeId: ids.NodeId(name), Node: node(ids.NodeId(name), "root", name, 1),
		})
	}

	var last ids.Seq
	received := 0
	deadline := time.After(5 * time.Second)
	for received < n {
		select {
		case ev := <-h.Events:
			require.Greater(t, ev.Seq, last, "events must preserve seq order")
			last = ev.Seq
			received++
		case <-deadline:
			t.Fatalf("received only %d of %d events", received, n)
		}
	}
}

func TestService_InitialSnapshot(t *testing.T) {
	svc, engine := testFixture(t)
	putNode(t, engine, node("a", "root", "A", 1))
	putNode(t, engine, node("b", "root", "B", 1))

	h := svc.ObserveChildren("root", Options{IncludeInitialSnapshot: true})
	ev := mustReceive(t, h.Events)
	assert.Equal(t, ChildrenChanged, ev.Type)
	assert.ElementsMatch(t, []ids.NodeId{"a", "b"}, ev.AffectedChildren)

	nh := svc.ObserveNode("a", Options{IncludeInitialSnapshot: true})
	ev = mustReceive(t, nh.Events)
	assert.Equal(t, NodeUpdated, ev.Type)
	assert.Equal(t, "A", ev.Node.Name)
}

func TestService_UnsubscribeIsIdempotentAndImmediate(t *testing.T) {
	svc, _ := testFixture(t)

	h := svc.ObserveNode("n1", Options{})
	assert.Equal(t, 1, svc.Count())

	svc.Unsubscribe(h.Id)
	svc.Unsubscribe(h.Id)
	assert.Equal(t, 0, svc.Count())

	svc.Publish(changefeed.Change{Seq: 1, GroupId: "g1", Kind: changefeed.KindCreated, NodeId: "n1", Node: node("n1", "root", "One", 1)})

	select {
	case _, ok := <-h.Events:
		assert.False(t, ok, "stream must be closed, not delivering")
	case <-time.After(time.Second):
		t.Fatal("stream not closed after unsubscribe")
	}
}

// White-box: tail coalescing inside the staging buffer, exercised
// without the drain goroutines so the backlog is fully controlled.
func TestDeliveryQueue_CoalescesGroupLocalUpdates(t *testing.T) {
	q := &deliveryQueue{sink: devents.NewChannel(1), out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)

	v1 := node("n1", "root", "Draft 1", 2)
	v2 := node("n1", "root", "Draft 2", 3)
	prev := node("n1", "root", "Original", 1)

	q.Enqueue(Event{Type: NodeUpdated, NodeId: "n1", GroupId: "g1", Node: v1, PreviousNode: prev, Seq: 1})
	q.Enqueue(Event{Type: NodeUpdated, NodeId: "n1", GroupId: "g1", Node: v2, PreviousNode: v1, Seq: 2})

	require.Len(t, q.items, 1)
	assert.Equal(t, "Draft 2", q.items[0].Node.Name)
	assert.Equal(t, "Original", q.items[0].PreviousNode.Name, "collapsed event spans the whole edit")

	// A different group does not collapse.
	q.Enqueue(Event{Type: NodeUpdated, NodeId: "n1", GroupId: "g2", Node: v2, Seq: 3})
	assert.Len(t, q.items, 2)

	// Neither does a different event type.
	q.Enqueue(Event{Type: NodeMoved, NodeId: "n1", GroupId: "g2", Node: v2, Seq: 4})
	assert.Len(t, q.items, 3)
}
