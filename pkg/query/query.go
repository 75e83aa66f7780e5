// Package query is the read-only access path over CoreDB. It never
// observes EphemeralDB working-copy records; a node mid-edit still
// reads as its last committed state until the working copy commits.
// Reads are served straight off BoltDB indices, with a small bounded
// cache accelerating the common "children sorted by name" case.
package query

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/btree"
	"golang.org/x/sync/singleflight"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

// SortOrder selects how getChildren orders its result.
type SortOrder string

const (
	SortByName      SortOrder = "name"
	SortByUpdatedAt SortOrder = "updatedAt"
)

// Service is the Query Service.
type Service struct {
	engine *storage.Engine
	cache  *childrenCache
	// flight collapses concurrent cache-miss scans of the same parent
	// into one storage read.
	flight singleflight.Group
}

// New builds a Service. cacheSize bounds how many parents' child
// orderings are held at once (0 uses a sensible default).
func New(engine *storage.Engine, cacheSize int) *Service {
	return &Service{engine: engine, cache: newChildrenCache(cacheSize)}
}

// InvalidateChildren drops the cached ordering for parentId. The
// facade wires this to the changefeed so a create/move/remove/rename
// under parentId never serves a stale child list.
func (s *Service) InvalidateChildren(parentId ids.NodeId) {
	s.cache.invalidate(parentId)
}

// GetTree returns one tree's root metadata.
func (s *Service) GetTree(treeId ids.TreeId) (*nodemodel.Tree, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "getTree")

	var t *nodemodel.Tree
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		raw, err := tx.Get(nodemodel.StoreTrees, []byte(treeId))
		if err != nil {
			return err
		}
		var tree nodemodel.Tree
		if err := json.Unmarshal(raw, &tree); err != nil {
			return err
		}
		t = &tree
		return nil
	})
	if err == storage.ErrNotFound {
		return nil, command.NewCodedError(command.CodeNodeNotFound, fmt.Errorf("tree %s not found", treeId))
	}
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return t, nil
}

// ListTrees returns every tree registered in CoreDB.
func (s *Service) ListTrees() ([]*nodemodel.Tree, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "listTrees")

	var out []*nodemodel.Tree
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.ForEach(nodemodel.StoreTrees, func(_, value []byte) error {
			var tree nodemodel.Tree
			if err := json.Unmarshal(value, &tree); err != nil {
				return err
			}
			out = append(out, &tree)
			return nil
		})
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return out, nil
}

// GetNode returns one committed node by ID.
func (s *Service) GetNode(nodeId ids.NodeId) (*nodemodel.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "getNode")

	var n *nodemodel.Node
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		raw, err := tx.Get(nodemodel.StoreNodes, []byte(nodeId))
		if err != nil {
			return err
		}
		decoded, err := nodemodel.Decode(raw)
		if err != nil {
			return err
		}
		n = decoded
		return nil
	})
	if err == storage.ErrNotFound {
		return nil, command.NewCodedError(command.CodeNodeNotFound, fmt.Errorf("node %s not found", nodeId))
	}
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return n, nil
}

// GetChildren returns parentId's direct children. order defaults to
// SortByName, the only order the children cache serves;
// SortByUpdatedAt always scans the parentUpdatedAt index directly, and
// any other value is served as SortByName.
func (s *Service) GetChildren(parentId ids.NodeId, order SortOrder) ([]*nodemodel.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "getChildren")

	if order == "" {
		order = SortByName
	}

	if order == SortByName {
		if tree, ok := s.cache.get(parentId); ok {
			return s.hydrateOrdered(tree)
		}
	}

	switch order {
	case SortByUpdatedAt:
		return s.scanChildrenByUpdatedAt(parentId)
	default:
		v, err, _ := s.flight.Do(string(parentId), func() (any, error) {
			nodes, tree, err := s.scanChildrenByName(parentId)
			if err != nil {
				return nil, err
			}
			s.cache.set(parentId, tree)
			return nodes, nil
		})
		if err != nil {
			return nil, err
		}
		return v.([]*nodemodel.Node), nil
	}
}

// ChildrenPage narrows a GetChildren result to a window, for callers
// rendering one screenful of a huge directory. Descending reverses
// the chosen sort order; Limit 0 means no limit.
type ChildrenPage struct {
	SortBy     SortOrder
	Descending bool
	Limit      int
	Offset     int
}

// GetChildrenPage returns one window of parentId's children.
func (s *Service) GetChildrenPage(parentId ids.NodeId, page ChildrenPage) ([]*nodemodel.Node, error) {
	children, err := s.GetChildren(parentId, page.SortBy)
	if err != nil {
		return nil, err
	}
	if page.Descending {
		for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
			children[i], children[j] = children[j], children[i]
		}
	}
	if page.Offset > 0 {
		if page.Offset >= len(children) {
			return nil, nil
		}
		children = children[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(children) {
		children = children[:page.Limit]
	}
	return children, nil
}

func (s *Service) scanChildrenByName(parentId ids.NodeId) ([]*nodemodel.Node, *btree.BTreeG[childEntry], error) {
	var nodes []*nodemodel.Node
	tree := btree.NewG(32, lessChildEntry)
	prefix := nodemodel.ParentPrefix(parentId)
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexParentName, prefix, func(key, pk []byte) error {
			raw, err := tx.Get(nodemodel.StoreNodes, pk)
			if err != nil {
				return err
			}
			n, err := nodemodel.Decode(raw)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
			tree.ReplaceOrInsert(childEntry{Name: string(key[len(prefix):]), Id: n.Id})
			return nil
		})
	})
	if err != nil {
		return nil, nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodemodel.NormalizeName(nodes[i].Name) < nodemodel.NormalizeName(nodes[j].Name) })
	return nodes, tree, nil
}

func (s *Service) scanChildrenByUpdatedAt(parentId ids.NodeId) ([]*nodemodel.Node, error) {
	var nodes []*nodemodel.Node
	prefix := nodemodel.ParentPrefix(parentId)
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, prefix, func(_, pk []byte) error {
			raw, err := tx.Get(nodemodel.StoreNodes, pk)
			if err != nil {
				return err
			}
			n, err := nodemodel.Decode(raw)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return nodes, nil
}

func (s *Service) hydrateOrdered(tree *btree.BTreeG[childEntry]) ([]*nodemodel.Node, error) {
	var nodes []*nodemodel.Node
	var firstErr error
	tree.Ascend(func(e childEntry) bool {
		n, err := s.GetNode(e.Id)
		if err != nil {
			firstErr = err
			return false
		}
		nodes = append(nodes, n)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return nodes, nil
}

// DescendantOptions parameterizes Descendants. MaxDepth is inclusive;
// 0 means unlimited. IncludeTypes, when non-empty, keeps only the
// listed node types in the result (traversal still crosses excluded
// nodes so a filtered parent does not hide matching grandchildren).
type DescendantOptions struct {
	MaxDepth     int
	IncludeTypes []string
	ExcludeTypes []string
}

// Descendants returns every descendant of nodeId, depth-first in
// sibling name order, subject to opts.
func (s *Service) Descendants(nodeId ids.NodeId, opts DescendantOptions) ([]*nodemodel.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "getDescendants")

	include := typeSet(opts.IncludeTypes)
	exclude := typeSet(opts.ExcludeTypes)

	var out []*nodemodel.Node
	var walk func(parent ids.NodeId, depth int) error
	walk = func(parent ids.NodeId, depth int) error {
		if opts.MaxDepth > 0 && depth > opts.MaxDepth {
			return nil
		}
		children, err := s.GetChildren(parent, SortByName)
		if err != nil {
			return err
		}
		for _, c := range children {
			_, excluded := exclude[c.NodeType]
			_, included := include[c.NodeType]
			if !excluded && (len(include) == 0 || included) {
				out = append(out, c)
			}
			if err := walk(c.Id, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nodeId, 1); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDescendants returns every descendant of nodeId up to maxDepth
// levels (0 means unlimited), the common un-filtered case.
func (s *Service) GetDescendants(nodeId ids.NodeId, maxDepth int) ([]*nodemodel.Node, error) {
	return s.Descendants(nodeId, DescendantOptions{MaxDepth: maxDepth})
}

func typeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

// GetAncestors returns nodeId's ancestor chain, nearest first, ending
// with the first ancestor that is its own parent (a tree root), which
// is included.
func (s *Service) GetAncestors(nodeId ids.NodeId) ([]*nodemodel.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "getAncestors")

	var out []*nodemodel.Node
	cursor := nodeId
	seen := map[ids.NodeId]struct{}{}
	for {
		n, err := s.GetNode(cursor)
		if err != nil {
			return out, nil
		}
		if n.ParentId == "" || n.ParentId == cursor {
			return out, nil
		}
		if _, ok := seen[n.ParentId]; ok {
			return out, nil
		}
		seen[n.ParentId] = struct{}{}
		parent, err := s.GetNode(n.ParentId)
		if err != nil {
			return out, nil
		}
		out = append(out, parent)
		cursor = parent.Id
	}
}

// SearchNodes returns every node in treeId whose name contains query,
// case-insensitive. This is the default search the tree console
// offers; the
// full option surface (exact/prefix/suffix matching, regex, subtree
// scope) lives on Search.
func (s *Service) SearchNodes(treeId ids.TreeId, query string) ([]*nodemodel.Node, error) {
	return s.Search(treeId, SearchOptions{Query: query, Mode: MatchPartial})
}
