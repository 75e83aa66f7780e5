package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

func testEngine(t *testing.T) *storage.Engine {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), []storage.StoreSpec{
		{Name: nodemodel.StoreTrees},
		{Name: nodemodel.StoreNodes, Indices: []string{nodemodel.IndexParentName, nodemodel.IndexParentUpdatedAt}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
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

func TestService_GetChildrenSortedByNameAndCached(t *testing.T) {
	engine := testEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putNode(t, engine, &nodemodel.Node{Id: "b", TreeId: "t", ParentId: "root", Name: "Banana", CreatedAt: now, UpdatedAt: now, Version: 1})
	putNode(t, engine, &nodemodel.Node{Id: "a", TreeId: "t", ParentId: "root", Name: "Apple", CreatedAt: now, UpdatedAt: now, Version: 1})

	s := New(engine, 16)
	children, err := s.GetChildren("root", SortByName)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "Apple", children[0].Name)
	assert.Equal(t, "Banana", children[1].Name)

	cached, err := s.GetChildren("root", SortByName)
	require.NoError(t, err)
	assert.Equal(t, children, cached)
}

func TestService_GetAncestors(t *testing.T) {
	engine := testEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putNode(t, engine, &nodemodel.Node{Id: "root", TreeId: "t", ParentId: "root", Name: "Root", CreatedAt: now, UpdatedAt: now})
	putNode(t, engine, &nodemodel.Node{Id: "mid", TreeId: "t", ParentId: "root", Name: "Mid", CreatedAt: now, UpdatedAt: now})
	putNode(t, engine, &nodemodel.Node{Id: "leaf", TreeId: "t", ParentId: "mid", Name: "Leaf", CreatedAt: now, UpdatedAt: now})

	s := New(engine, 16)
	ancestors, err := s.GetAncestors("leaf")
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, "mid", string(ancestors[0].Id))
	assert.Equal(t, "root", string(ancestors[1].Id))
}

func TestService_SearchNodes(t *testing.T) {
	engine := testEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putNode(t, engine, &nodemodel.Node{Id: "a", TreeId: "t", ParentId: "root", Name: "Quarterly Report", CreatedAt: now, UpdatedAt: now})
	putNode(t, engine, &nodemodel.Node{Id: "b", TreeId: "t", ParentId: "root", Name: "Budget", CreatedAt: now, UpdatedAt: now})

	s := New(engine, 16)
	found, err := s.SearchNodes("t", "report")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Quarterly Report", found[0].Name)
}

func TestService_InvalidateChildren(t *testing.T) {
	engine := testEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putNode(t, engine, &nodemodel.Node{Id: "a", TreeId: "t", ParentId: "root", Name: "Apple", CreatedAt: now, UpdatedAt: now})

	s := New(engine, 16)
	_, err := s.GetChildren("root", SortByName)
	require.NoError(t, err)

	putNode(t, engine, &nodemodel.Node{Id: "z", TreeId: "t", ParentId: "root", Name: "Zebra", CreatedAt: now, UpdatedAt: now})
	s.InvalidateChildren("root")

	children, err := s.GetChildren("root", SortByName)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}
