package query

import (
	"sync"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
)

// childEntry orders one child by (name, id) so the cached tree yields
// the same name-ascending order getChildren's default sort promises.
type childEntry struct {
	Name string
	Id   ids.NodeId
}

func lessChildEntry(a, b childEntry) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Id < b.Id
}

// childrenCache holds one ordered btree.BTreeG per parent, LRU-bounded
// across parents, so repeat getChildren calls for the same hot parent
// (the common case while a user browses one branch of the tree) avoid
// a fresh BoltDB index scan. Only the default name-ascending sort is
// served from cache; any other sort order or an explicit cache miss
// falls back to storage directly (see Service.GetChildren).
type childrenCache struct {
	mu    sync.Mutex
	trees *lru.Cache
}

func newChildrenCache(size int) *childrenCache {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only errors for size <= 0, already guarded above.
		panic(err)
	}
	return &childrenCache{trees: c}
}

func (c *childrenCache) get(parentId ids.NodeId) (*btree.BTreeG[childEntry], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.trees.Get(string(parentId))
	if !ok {
		return nil, false
	}
	return v.(*btree.BTreeG[childEntry]), true
}

func (c *childrenCache) set(parentId ids.NodeId, tree *btree.BTreeG[childEntry]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees.Add(string(parentId), tree)
}

// invalidate drops the cached ordering for parentId; the Mutation
// Service's changefeed.Change consumer (or a direct caller) invokes
// this whenever a child of parentId is created, renamed, moved, or
// removed.
func (c *childrenCache) invalidate(parentId ids.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees.Remove(string(parentId))
}
