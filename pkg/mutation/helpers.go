package mutation

import (
	"encoding/json"
	"fmt"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

func (s *Service) readNode(nodeId ids.NodeId) (*nodemodel.Node, error) {
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

func (s *Service) readTree(treeId ids.TreeId) (*nodemodel.Tree, error) {
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

func (s *Service) ancestorLookup() nodemodel.AncestorLookup {
	return func(id ids.NodeId) (ids.NodeId, bool) {
		n, err := s.readNode(id)
		if err != nil {
			return "", false
		}
		return n.ParentId, true
	}
}

func (s *Service) countChildren(parentId ids.NodeId) (int, error) {
	count := 0
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexParentName, nodemodel.ParentPrefix(parentId), func(_, _ []byte) error {
			count++
			return nil
		})
	})
	if err != nil {
		return 0, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return count, nil
}

func (s *Service) siblingNames(parentId, excludeId ids.NodeId) (map[string]struct{}, error) {
	prefix := nodemodel.ParentPrefix(parentId)
	out := make(map[string]struct{})
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexParentName, prefix, func(key, pk []byte) error {
			if string(pk) == string(excludeId) {
				return nil
			}
			out[string(key[len(prefix):])] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return out, nil
}

func (s *Service) resolveNameForParent(name string, parentId, excludeId ids.NodeId, onConflict command.NameConflictPolicy) (string, error) {
	if err := nodemodel.IsValidName(name); err != nil {
		return "", command.NewCodedError(command.CodeValidationError, err)
	}
	normalized := nodemodel.NormalizeName(name)

	var conflict bool
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		pk, err := tx.IndexGet(nodemodel.StoreNodes, nodemodel.IndexParentName, nodemodel.ParentNameKey(parentId, normalized))
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		conflict = string(pk) != string(excludeId)
		return nil
	})
	if err != nil {
		return "", command.NewCodedError(command.CodeDatabaseError, err)
	}
	if !conflict {
		return name, nil
	}
	if onConflict != command.ConflictAutoRename {
		return "", command.NewCodedError(command.CodeNameNotUnique, fmt.Errorf("name %q already used under parent %s", name, parentId))
	}
	siblings, err := s.siblingNames(parentId, excludeId)
	if err != nil {
		return "", err
	}
	return nodemodel.GenerateUniqueName(name, siblings), nil
}

func (s *Service) validateChildPlacement(parentId ids.NodeId, nodeType string) error {
	if !s.registry.IsSupported(nodeType) {
		return command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("nodeType %q is not registered", nodeType))
	}
	parent, err := s.readNode(parentId)
	if err != nil {
		// No committed record for the parent, so there is no parent
		// node type whose plugin-declared constraints could apply.
		return nil
	}
	if allowed := s.registry.AllowedChildTypes(parent.NodeType); allowed != nil {
		ok := false
		for _, t := range allowed {
			if t == nodeType {
				ok = true
				break
			}
		}
		if !ok {
			return command.NewCodedError(command.CodeIllegalRelation, fmt.Errorf("nodeType %q is not an allowed child of %q", nodeType, parent.NodeType))
		}
	}
	if def, ok := s.registry.Get(parent.NodeType); ok && def.Validators.MaxChildren > 0 {
		count, err := s.countChildren(parentId)
		if err == nil && count >= def.Validators.MaxChildren {
			return command.NewCodedError(command.CodeIllegalRelation, fmt.Errorf("parent %s already has the maximum %d children", parentId, def.Validators.MaxChildren))
		}
	}
	return nil
}

// rejectTrashDestination fails a plain move whose destination is the
// tree's trash root or any node already in trash. Crossing from live
// to trash must go through MoveNodesToTrash so the trash stamps
// (originalParentId, originalName, removedAt) are recorded; without
// them the node would be unrecoverable and the live/trashed split
// would no longer hold.
func (s *Service) rejectTrashDestination(treeId ids.TreeId, newParentId ids.NodeId) error {
	tree, err := s.readTree(treeId)
	if err == nil && newParentId == tree.TrashRootNodeId {
		return command.NewCodedError(command.CodeIllegalRelation, fmt.Errorf("cannot move into trash root %s, use moveNodesToTrash", newParentId))
	}
	dest, err := s.readNode(newParentId)
	if err == nil && dest.InTrash() {
		return command.NewCodedError(command.CodeIllegalRelation, fmt.Errorf("destination %s is in trash, use moveNodesToTrash", newParentId))
	}
	return nil
}

// hasInboundRefsOutside reports whether any node outside the doomed
// set still references nodeId; references between two nodes of the
// same removed subtree do not block removal.
func (s *Service) hasInboundRefsOutside(nodeId ids.NodeId, doomed map[ids.NodeId]struct{}) (bool, error) {
	found := false
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexReferences, nodemodel.ReferencePrefix(nodeId), func(_, pk []byte) error {
			if _, internal := doomed[ids.NodeId(pk)]; !internal {
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return false, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return found, nil
}

// childIds returns the IDs of parentId's direct children in name
// order, straight off the parentName index.
func (s *Service) childIds(parentId ids.NodeId) ([]ids.NodeId, error) {
	var out []ids.NodeId
	err := s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexParentName, nodemodel.ParentPrefix(parentId), func(_, pk []byte) error {
			// A tree root records itself as its own parent; it is
			// nobody's child.
			if ids.NodeId(pk) != parentId {
				out = append(out, ids.NodeId(pk))
			}
			return nil
		})
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return out, nil
}

// collectSubtree returns rootId's subtree with every parent preceding
// its children; index 0 is the root itself.
func (s *Service) collectSubtree(rootId ids.NodeId) ([]*nodemodel.Node, error) {
	root, err := s.readNode(rootId)
	if err != nil {
		return nil, err
	}
	out := []*nodemodel.Node{root}
	for i := 0; i < len(out); i++ {
		children, err := s.childIds(out[i].Id)
		if err != nil {
			return nil, err
		}
		for _, childId := range children {
			child, err := s.readNode(childId)
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
	}
	return out, nil
}

// writeDirect persists new, replacing whatever old described in every
// index the two records participate in. old is nil for a brand-new
// key (used when redoing a create or undoing a remove).
func (s *Service) writeDirect(old, new *nodemodel.Node) error {
	err := s.engine.Core().Update(func(tx *storage.Tx) error {
		return putNodeWithIndices(tx, old, new)
	})
	if err != nil {
		return command.NewCodedError(command.CodeDatabaseError, err)
	}
	return nil
}

// deleteDirect removes pre and every index entry it owns.
func (s *Service) deleteDirect(pre *nodemodel.Node) error {
	err := s.engine.Core().Update(func(tx *storage.Tx) error {
		if err := tx.Delete(nodemodel.StoreNodes, []byte(pre.Id)); err != nil {
			return err
		}
		return removeNodeIndices(tx, pre)
	})
	if err != nil {
		return command.NewCodedError(command.CodeDatabaseError, err)
	}
	return nil
}

func putNodeWithIndices(tx *storage.Tx, old, new *nodemodel.Node) error {
	data, err := new.Encode()
	if err != nil {
		return err
	}
	if err := tx.Put(nodemodel.StoreNodes, []byte(new.Id), data); err != nil {
		return err
	}

	var oldNameKey []byte
	if old != nil {
		oldNameKey = nodemodel.ParentNameKey(old.ParentId, nodemodel.NormalizeName(old.Name))
	}
	newNameKey := nodemodel.ParentNameKey(new.ParentId, nodemodel.NormalizeName(new.Name))
	if err := storage.EnsureIndexEntry(tx, nodemodel.StoreNodes, nodemodel.IndexParentName, oldNameKey, newNameKey, []byte(new.Id), true); err != nil {
		return err
	}

	if old != nil {
		oldUpdated := nodemodel.ParentUpdatedAtKey(old.ParentId, old.UpdatedAt, old.Id)
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, oldUpdated); err != nil && err != storage.ErrNotFound {
			return err
		}
	}
	newUpdated := nodemodel.ParentUpdatedAtKey(new.ParentId, new.UpdatedAt, new.Id)
	if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, newUpdated, []byte(new.Id), false); err != nil {
		return err
	}

	oldTrashed := old != nil && old.RemovedAt != nil
	newTrashed := new.RemovedAt != nil
	switch {
	case newTrashed && !oldTrashed:
		if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexRemovedAt, nodemodel.RemovedAtKey(*new.RemovedAt, new.Id), []byte(new.Id), false); err != nil {
			return err
		}
	case oldTrashed && !newTrashed:
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexRemovedAt, nodemodel.RemovedAtKey(*old.RemovedAt, old.Id)); err != nil && err != storage.ErrNotFound {
			return err
		}
	case oldTrashed && newTrashed && !old.RemovedAt.Equal(*new.RemovedAt):
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexRemovedAt, nodemodel.RemovedAtKey(*old.RemovedAt, old.Id)); err != nil && err != storage.ErrNotFound {
			return err
		}
		if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexRemovedAt, nodemodel.RemovedAtKey(*new.RemovedAt, new.Id), []byte(new.Id), false); err != nil {
			return err
		}
	}

	oldHasOrig := old != nil && old.OriginalParentId != nil
	newHasOrig := new.OriginalParentId != nil
	switch {
	case newHasOrig && !oldHasOrig:
		if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexOriginalParent, nodemodel.OriginalParentKey(*new.OriginalParentId, new.Id), []byte(new.Id), false); err != nil {
			return err
		}
	case oldHasOrig && !newHasOrig:
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexOriginalParent, nodemodel.OriginalParentKey(*old.OriginalParentId, old.Id)); err != nil && err != storage.ErrNotFound {
			return err
		}
	case oldHasOrig && newHasOrig && *old.OriginalParentId != *new.OriginalParentId:
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexOriginalParent, nodemodel.OriginalParentKey(*old.OriginalParentId, old.Id)); err != nil && err != storage.ErrNotFound {
			return err
		}
		if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexOriginalParent, nodemodel.OriginalParentKey(*new.OriginalParentId, new.Id), []byte(new.Id), false); err != nil {
			return err
		}
	}

	return syncReferenceIndex(tx, old, new)
}

func removeNodeIndices(tx *storage.Tx, pre *nodemodel.Node) error {
	nameKey := nodemodel.ParentNameKey(pre.ParentId, nodemodel.NormalizeName(pre.Name))
	if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexParentName, nameKey); err != nil && err != storage.ErrNotFound {
		return err
	}
	updatedKey := nodemodel.ParentUpdatedAtKey(pre.ParentId, pre.UpdatedAt, pre.Id)
	if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, updatedKey); err != nil && err != storage.ErrNotFound {
		return err
	}
	if pre.RemovedAt != nil {
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexRemovedAt, nodemodel.RemovedAtKey(*pre.RemovedAt, pre.Id)); err != nil && err != storage.ErrNotFound {
			return err
		}
	}
	if pre.OriginalParentId != nil {
		if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexOriginalParent, nodemodel.OriginalParentKey(*pre.OriginalParentId, pre.Id)); err != nil && err != storage.ErrNotFound {
			return err
		}
	}
	return syncReferenceIndex(tx, pre, &nodemodel.Node{Id: pre.Id})
}

func syncReferenceIndex(tx *storage.Tx, old, new *nodemodel.Node) error {
	oldRefs := map[ids.NodeId]struct{}{}
	if old != nil {
		for _, r := range old.References {
			oldRefs[r] = struct{}{}
		}
	}
	newRefs := map[ids.NodeId]struct{}{}
	if new != nil {
		for _, r := range new.References {
			newRefs[r] = struct{}{}
		}
	}
	ownerId := pick(old, new)
	for r := range oldRefs {
		if _, ok := newRefs[r]; !ok {
			if err := tx.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexReferences, nodemodel.ReferenceKey(r, ownerId)); err != nil && err != storage.ErrNotFound {
				return err
			}
		}
	}
	for r := range newRefs {
		if _, ok := oldRefs[r]; !ok {
			if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexReferences, nodemodel.ReferenceKey(r, ownerId), []byte(ownerId), false); err != nil {
				return err
			}
		}
	}
	return nil
}

func pick(old, new *nodemodel.Node) ids.NodeId {
	if new != nil {
		return new.Id
	}
	if old != nil {
		return old.Id
	}
	return ""
}

func (s *Service) recordCreate(groupId ids.CommandGroupId, node *nodemodel.Node) ids.Seq {
	seq := s.processor.NextSeq()
	n := node
	s.processor.RecordGroup(groupId, command.Inverse{
		GroupId: groupId,
		Forward: func() error { return s.writeDirect(nil, n) },
		Undo:    func() error { return s.deleteDirect(n) },
	})
	metrics.CommandsTotal.WithLabelValues("createNode", "success").Inc()
	metrics.RingBufferDepth.Set(float64(s.processor.Depth()))
	return seq
}

func (s *Service) recordUpdate(groupId ids.CommandGroupId, pre, post *nodemodel.Node) ids.Seq {
	seq := s.processor.NextSeq()
	s.processor.RecordGroup(groupId, command.Inverse{
		GroupId: groupId,
		Forward: func() error { return s.writeDirect(pre, post) },
		Undo:    func() error { return s.writeDirect(post, pre) },
	})
	metrics.CommandsTotal.WithLabelValues("updateNode", "success").Inc()
	metrics.RingBufferDepth.Set(float64(s.processor.Depth()))
	return seq
}

func (s *Service) recordMove(groupId ids.CommandGroupId, pre, post *nodemodel.Node) ids.Seq {
	seq := s.processor.NextSeq()
	s.processor.RecordGroup(groupId, command.Inverse{
		GroupId: groupId,
		Forward: func() error { return s.writeDirect(pre, post) },
		Undo:    func() error { return s.writeDirect(post, pre) },
	})
	metrics.CommandsTotal.WithLabelValues("moveNodes", "success").Inc()
	metrics.RingBufferDepth.Set(float64(s.processor.Depth()))
	return seq
}

func (s *Service) recordTrash(groupId ids.CommandGroupId, pre, post *nodemodel.Node) ids.Seq {
	seq := s.processor.NextSeq()
	s.processor.RecordGroup(groupId, command.Inverse{
		GroupId: groupId,
		Forward: func() error { return s.writeDirect(pre, post) },
		Undo:    func() error { return s.writeDirect(post, pre) },
	})
	metrics.CommandsTotal.WithLabelValues("moveToTrash", "success").Inc()
	metrics.RingBufferDepth.Set(float64(s.processor.Depth()))
	return seq
}

func (s *Service) recordRecover(groupId ids.CommandGroupId, pre, post *nodemodel.Node) ids.Seq {
	seq := s.processor.NextSeq()
	s.processor.RecordGroup(groupId, command.Inverse{
		GroupId: groupId,
		Forward: func() error { return s.writeDirect(pre, post) },
		Undo:    func() error { return s.writeDirect(post, pre) },
	})
	metrics.CommandsTotal.WithLabelValues("recoverFromTrash", "success").Inc()
	metrics.RingBufferDepth.Set(float64(s.processor.Depth()))
	return seq
}

func (s *Service) recordRemove(groupId ids.CommandGroupId, pre *nodemodel.Node) ids.Seq {
	seq := s.processor.NextSeq()
	n := pre
	s.processor.RecordGroup(groupId, command.Inverse{
		GroupId: groupId,
		Forward: func() error { return s.deleteDirect(n) },
		Undo:    func() error { return s.writeDirect(nil, n) },
	})
	metrics.CommandsTotal.WithLabelValues("remove", "success").Inc()
	metrics.RingBufferDepth.Set(float64(s.processor.Depth()))
	return seq
}
