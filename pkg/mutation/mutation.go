// Package mutation is the Mutation Service, the
// single entry point for every write operation on committed nodes.
// createNode/updateNode, and the per-node creates of duplicateNodes/
// pasteNodes/importNodes, go through the Working Copy Manager's
// draft-then-commit protocol; moveNodes/moveNodesToTrash/
// recoverNodesFromTrash/removeNodes write CoreDB directly, since they
// operate on already-committed nodes rather than opening a working
// copy first. copyNodes/exportNodes only read. Every successful write
// records an undo/redo group with the Command Processor and publishes
// a changefeed.Change.
package mutation

import (
	"context"
	"fmt"
	"time"

	"github.com/kubohiroya/hierarchidb-core/pkg/changefeed"
	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/log"
	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
	"github.com/kubohiroya/hierarchidb-core/pkg/workingcopy"
)

// Service is the Mutation Service. It holds everything an operation
// needs: storage, ID minting, the plugin registry, the working-copy
// manager it delegates create/update to, the undo/redo processor, and
// the change publisher (normally the Subscription Service).
type Service struct {
	engine    *storage.Engine
	gen       ids.Generator
	registry  *plugin.Registry
	wc        *workingcopy.Manager
	processor *command.Processor
	publisher changefeed.Publisher
	clock     func() time.Time
}

// New builds a Service.
func New(engine *storage.Engine, gen ids.Generator, registry *plugin.Registry, wc *workingcopy.Manager, processor *command.Processor, publisher changefeed.Publisher, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &Service{engine: engine, gen: gen, registry: registry, wc: wc, processor: processor, publisher: publisher, clock: clock}
}

// CreateNodeInput seeds createNode. OnNameConflict defaults to
// auto-rename when unset.
type CreateNodeInput struct {
	TreeId         ids.TreeId
	ParentId       ids.NodeId
	NodeType       string
	Name           string
	Description    *string
	EntityData     any
	OnNameConflict command.NameConflictPolicy
}

// CreateNode validates the new node against its parent's type-level
// constraints, then stages and immediately commits a draft working
// copy. The resulting create is undoable as a single removeNodes.
func (s *Service) CreateNode(ctx context.Context, in CreateNodeInput) (*nodemodel.Node, ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationCreateDuration)

	if err := s.validateChildPlacement(in.ParentId, in.NodeType); err != nil {
		return nil, 0, err
	}

	draft, err := s.wc.CreateDraft(ctx, workingcopy.DraftInput{
		TreeId: in.TreeId, ParentId: in.ParentId, NodeType: in.NodeType,
		Name: in.Name, Description: in.Description, EntityData: in.EntityData,
	})
	if err != nil {
		return nil, 0, err
	}
	policy := in.OnNameConflict
	if policy == "" {
		policy = command.ConflictAutoRename
	}
	committed, err := s.wc.Commit(ctx, draft.Id, workingcopy.CommitOptions{OnNameConflict: policy})
	if err != nil {
		_ = s.wc.Discard(ctx, draft.Id)
		return nil, 0, err
	}

	groupId := s.gen.NewCommandGroupId()
	seq := s.recordCreate(groupId, committed)
	metrics.NodesTotal.WithLabelValues(string(committed.TreeId), "active").Inc()
	s.publish(seq, groupId, changefeed.KindCreated, committed, nil, "")
	nodeLog := log.Node(log.For("mutation"), string(committed.Id))
	nodeLog.Info().Str("parent_id", string(committed.ParentId)).Msg("createNode")
	return committed, seq, nil
}

// UpdateNodeInput seeds updateNode. ExpectedUpdatedAt, when set,
// makes the update conditional on the node not having changed since
// the caller last read it.
type UpdateNodeInput struct {
	Name              *string
	Description       *string
	ClearDescription  bool
	EntityData        any
	SetEntityData     bool
	ExpectedUpdatedAt *time.Time
}

// UpdateNode edits an existing node through the working-copy
// create-from-node/update/commit cycle, capturing the pre-image so the
// change can be undone with a single restore.
func (s *Service) UpdateNode(ctx context.Context, nodeId ids.NodeId, in UpdateNodeInput) (*nodemodel.Node, ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationUpdateDuration)

	pre, err := s.readNode(nodeId)
	if err != nil {
		return nil, 0, err
	}
	if in.ExpectedUpdatedAt != nil && !pre.UpdatedAt.Equal(*in.ExpectedUpdatedAt) {
		return nil, 0, command.NewCodedError(command.CodeStaleVersion, fmt.Errorf("node %s changed at %s, expected %s", nodeId, pre.UpdatedAt, in.ExpectedUpdatedAt))
	}

	edit, err := s.wc.CreateFromNode(ctx, nodeId)
	if err != nil {
		return nil, 0, err
	}
	_, err = s.wc.Update(ctx, edit.Id, workingcopy.Patch{
		Name: in.Name, Description: in.Description, ClearDescription: in.ClearDescription,
		EntityData: in.EntityData, SetEntityData: in.SetEntityData,
	})
	if err != nil {
		_ = s.wc.Discard(ctx, edit.Id)
		return nil, 0, err
	}
	committed, err := s.wc.Commit(ctx, edit.Id, workingcopy.CommitOptions{OnNameConflict: command.ConflictAutoRename})
	if err != nil {
		return nil, 0, err
	}

	groupId := s.gen.NewCommandGroupId()
	seq := s.recordUpdate(groupId, pre, committed)
	s.publish(seq, groupId, changefeed.KindUpdated, committed, pre, "")
	return committed, seq, nil
}

// MoveNodes reparents each of nodeIds under newParentId, rejecting any
// move that would create a cycle or cross into trash (trashing goes
// through MoveNodesToTrash, which records the stamps recovery needs).
// Nodes are processed one at a time: a later node's failure leaves
// earlier nodes in this call already moved, rather than holding a
// single giant transaction open across arbitrarily many nodes.
func (s *Service) MoveNodes(ctx context.Context, nodeIds []ids.NodeId, newParentId ids.NodeId, onConflict command.NameConflictPolicy) (ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationMoveDuration)

	groupId := s.gen.NewCommandGroupId()
	var seq ids.Seq
	for _, nodeId := range nodeIds {
		pre, err := s.readNode(nodeId)
		if err != nil {
			return 0, err
		}
		if err := s.rejectTrashDestination(pre.TreeId, newParentId); err != nil {
			return 0, err
		}
		if err := nodemodel.CanMove(nodeId, newParentId, s.ancestorLookup()); err != nil {
			return 0, command.NewCodedError(command.CodeIllegalRelation, err)
		}

		name, err := s.resolveNameForParent(pre.Name, newParentId, nodeId, onConflict)
		if err != nil {
			return 0, err
		}

		post := pre.Clone()
		post.ParentId = newParentId
		post.Name = name
		post.UpdatedAt = s.clock()
		post.Version++
		def, hasDef := s.registry.Get(pre.NodeType)
		if hasDef && def.Hooks.BeforeMove != nil {
			if err := def.Hooks.BeforeMove(ctx, pre, newParentId); err != nil {
				return 0, err
			}
		}
		if err := s.writeDirect(pre, post); err != nil {
			return 0, err
		}
		if hasDef && def.Hooks.AfterMove != nil {
			if err := def.Hooks.AfterMove(ctx, post, pre.ParentId); err != nil {
				return 0, err
			}
		}

		seq = s.recordMove(groupId, pre, post)
		s.publish(seq, groupId, changefeed.KindMoved, post, pre, pre.ParentId)
	}
	return seq, nil
}

// MoveNodesToTrash soft-deletes each node: it is reparented under its
// tree's trash root with trash stamps recorded, so
// recoverNodesFromTrash can restore it exactly.
func (s *Service) MoveNodesToTrash(ctx context.Context, nodeIds []ids.NodeId) (ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationTrashDuration)

	groupId := s.gen.NewCommandGroupId()
	var seq ids.Seq
	for _, nodeId := range nodeIds {
		pre, err := s.readNode(nodeId)
		if err != nil {
			return 0, err
		}
		tree, err := s.readTree(pre.TreeId)
		if err != nil {
			return 0, err
		}

		now := s.clock()
		originalParent := pre.ParentId
		originalName := pre.Name
		name, err := s.resolveNameForParent(pre.Name, tree.TrashRootNodeId, nodeId, command.ConflictAutoRename)
		if err != nil {
			return 0, err
		}

		post := pre.Clone()
		post.ParentId = tree.TrashRootNodeId
		post.Name = name
		post.OriginalParentId = &originalParent
		post.OriginalName = &originalName
		post.RemovedAt = &now
		post.UpdatedAt = now
		post.Version++
		if err := s.writeDirect(pre, post); err != nil {
			return 0, err
		}

		metrics.NodesTotal.WithLabelValues(string(pre.TreeId), "active").Dec()
		metrics.NodesTotal.WithLabelValues(string(pre.TreeId), "trashed").Inc()
		seq = s.recordTrash(groupId, pre, post)
		s.publish(seq, groupId, changefeed.KindTrashed, post, pre, originalParent)
	}
	return seq, nil
}

// RecoverNodesFromTrash restores each node to toParentId when given,
// otherwise its originalParentId, clearing the trash stamps
// moveNodesToTrash set.
func (s *Service) RecoverNodesFromTrash(ctx context.Context, nodeIds []ids.NodeId, toParentId ids.NodeId) (ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationRecoverDuration)

	groupId := s.gen.NewCommandGroupId()
	var seq ids.Seq
	for _, nodeId := range nodeIds {
		pre, err := s.readNode(nodeId)
		if err != nil {
			return 0, err
		}
		if pre.OriginalParentId == nil {
			return 0, command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("node %s is not in trash", nodeId))
		}

		restoreParent := *pre.OriginalParentId
		if toParentId != "" {
			restoreParent = toParentId
		}
		restoreName := pre.Name
		if pre.OriginalName != nil {
			restoreName = *pre.OriginalName
		}
		name, err := s.resolveNameForParent(restoreName, restoreParent, nodeId, command.ConflictAutoRename)
		if err != nil {
			return 0, err
		}

		post := pre.Clone()
		post.ParentId = restoreParent
		post.Name = name
		post.OriginalParentId = nil
		post.OriginalName = nil
		post.RemovedAt = nil
		post.UpdatedAt = s.clock()
		post.Version++
		if err := s.writeDirect(pre, post); err != nil {
			return 0, err
		}

		metrics.NodesTotal.WithLabelValues(string(pre.TreeId), "trashed").Dec()
		metrics.NodesTotal.WithLabelValues(string(pre.TreeId), "active").Inc()
		seq = s.recordRecover(groupId, pre, post)
		s.publish(seq, groupId, changefeed.KindRecovered, post, pre, pre.ParentId)
	}
	return seq, nil
}

// RemoveNodes permanently deletes each node and its entire subtree,
// bottom-up, invoking each node type's DeleteEntity and Cleanup along
// the way. A subtree still referenced from outside itself is rejected
// with HAS_INBOUND_REFS unless the subtree root's node type opted into
// Capabilities.CascadeRemove.
func (s *Service) RemoveNodes(ctx context.Context, nodeIds []ids.NodeId) (ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationRemoveDuration)

	groupId := s.gen.NewCommandGroupId()
	var seq ids.Seq
	for _, nodeId := range nodeIds {
		doomed, err := s.collectSubtree(nodeId)
		if err != nil {
			return 0, err
		}

		root := doomed[0]
		def, hasDef := s.registry.Get(root.NodeType)
		cascade := hasDef && def.Capabilities.CascadeRemove
		if !cascade {
			doomedSet := make(map[ids.NodeId]struct{}, len(doomed))
			for _, n := range doomed {
				doomedSet[n.Id] = struct{}{}
			}
			for _, n := range doomed {
				referenced, err := s.hasInboundRefsOutside(n.Id, doomedSet)
				if err != nil {
					return 0, err
				}
				if referenced {
					return 0, command.NewCodedError(command.CodeHasInboundRefs, fmt.Errorf("node %s is still referenced from outside the removed subtree", n.Id))
				}
			}
		}

		// Leaves first, so no node is ever deleted while a child
		// record still points at it.
		for i := len(doomed) - 1; i >= 0; i-- {
			pre := doomed[i]
			if nodeDef, ok := s.registry.Get(pre.NodeType); ok && nodeDef.Handler != nil {
				if nodeDef.Hooks.BeforeDelete != nil {
					if err := nodeDef.Hooks.BeforeDelete(ctx, pre); err != nil {
						return 0, err
					}
				}
				if err := nodeDef.Handler.DeleteEntity(ctx, pre.Id); err != nil {
					return 0, err
				}
				if cleaner, ok := nodeDef.Handler.(plugin.CleanupHandler); ok {
					if err := cleaner.Cleanup(ctx, pre.Id); err != nil {
						return 0, err
					}
				}
			}

			if err := s.deleteDirect(pre); err != nil {
				return 0, err
			}

			if nodeDef, ok := s.registry.Get(pre.NodeType); ok && nodeDef.Hooks.AfterDelete != nil {
				if err := nodeDef.Hooks.AfterDelete(ctx, pre); err != nil {
					return 0, err
				}
			}

			state := "active"
			if pre.RemovedAt != nil {
				state = "trashed"
			}
			metrics.NodesTotal.WithLabelValues(string(pre.TreeId), state).Dec()
			seq = s.recordRemove(groupId, pre)
			s.publisher.Publish(changefeed.Change{
				Seq: seq, GroupId: groupId, Kind: changefeed.KindRemoved,
				TreeId: pre.TreeId, NodeId: pre.Id, OldParentId: pre.ParentId, Prev: pre,
			})
		}
	}
	return seq, nil
}

// DuplicateNodes deep-copies each listed node and its entire subtree
// under newParentId with all-new NodeIds, auto-renaming the subtree
// root on collision. Entity payloads travel via GetEntity/CreateEntity
// through the draft protocol; a plugin.DuplicatingHandler additionally
// gets a per-node Duplicate call, since a plain payload round trip may
// not deep-copy handler-owned sub-records (Chunk stores, shared
// RelationalEntity).
func (s *Service) DuplicateNodes(ctx context.Context, nodeIds []ids.NodeId, newParentId ids.NodeId) ([]ids.NodeId, ids.Seq, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutationDuplicateDuration)

	groupId := s.gen.NewCommandGroupId()
	var seq ids.Seq
	newIds := make([]ids.NodeId, 0, len(nodeIds))
	for _, nodeId := range nodeIds {
		newId, newSeq, err := s.duplicateSubtree(ctx, groupId, nodeId, newParentId)
		if err != nil {
			return newIds, seq, err
		}
		newIds = append(newIds, newId)
		seq = newSeq
	}
	return newIds, seq, nil
}

func (s *Service) duplicateSubtree(ctx context.Context, groupId ids.CommandGroupId, nodeId, newParentId ids.NodeId) (ids.NodeId, ids.Seq, error) {
	source, err := s.readNode(nodeId)
	if err != nil {
		return "", 0, err
	}

	def, hasDef := s.registry.Get(source.NodeType)
	if hasDef && def.Hooks.BeforeDuplicate != nil {
		if err := def.Hooks.BeforeDuplicate(ctx, source); err != nil {
			return "", 0, err
		}
	}

	var entityData any
	if hasDef && def.Handler != nil {
		if data, err := def.Handler.GetEntity(ctx, nodeId); err == nil {
			entityData = data
		}
	}

	draft, err := s.wc.CreateDraft(ctx, workingcopy.DraftInput{
		TreeId: source.TreeId, ParentId: newParentId, NodeType: source.NodeType,
		Name: source.Name, Description: source.Description, EntityData: entityData,
	})
	if err != nil {
		return "", 0, err
	}
	committed, err := s.wc.Commit(ctx, draft.Id, workingcopy.CommitOptions{OnNameConflict: command.ConflictAutoRename})
	if err != nil {
		return "", 0, err
	}

	if hasDef {
		if dup, ok := def.Handler.(plugin.DuplicatingHandler); ok {
			if err := dup.Duplicate(ctx, nodeId, committed.Id); err != nil {
				return "", 0, err
			}
		}
		if def.Hooks.AfterDuplicate != nil {
			if err := def.Hooks.AfterDuplicate(ctx, source, committed); err != nil {
				return "", 0, err
			}
		}
	}

	metrics.NodesTotal.WithLabelValues(string(source.TreeId), "active").Inc()
	seq := s.recordCreate(groupId, committed)
	s.publish(seq, groupId, changefeed.KindCreated, committed, nil, "")

	children, err := s.childIds(nodeId)
	if err != nil {
		return "", 0, err
	}
	for _, childId := range children {
		_, childSeq, err := s.duplicateSubtree(ctx, groupId, childId, committed.Id)
		if err != nil {
			return "", 0, err
		}
		seq = childSeq
	}
	return committed.Id, seq, nil
}

// Undo reverses every command recorded in groupId, newest first.
func (s *Service) Undo(groupId ids.CommandGroupId) command.Result {
	seq := s.processor.NextSeq()
	if err := s.processor.Undo(groupId); err != nil {
		metrics.UndoRedoTotal.WithLabelValues("undo", "failure").Inc()
		return command.Fail(command.CodeOf(err), err, 0)
	}
	metrics.UndoRedoTotal.WithLabelValues("undo", "success").Inc()
	return command.Ok(seq)
}

// Redo re-applies every command recorded in groupId, in original
// order.
func (s *Service) Redo(groupId ids.CommandGroupId) command.Result {
	seq := s.processor.NextSeq()
	if err := s.processor.Redo(groupId); err != nil {
		metrics.UndoRedoTotal.WithLabelValues("redo", "failure").Inc()
		return command.Fail(command.CodeOf(err), err, 0)
	}
	metrics.UndoRedoTotal.WithLabelValues("redo", "success").Inc()
	return command.Ok(seq)
}

func (s *Service) publish(seq ids.Seq, groupId ids.CommandGroupId, kind changefeed.Kind, node, prev *nodemodel.Node, oldParent ids.NodeId) {
	s.publisher.Publish(changefeed.Change{
		Seq: seq, GroupId: groupId, Kind: kind, TreeId: node.TreeId, NodeId: node.Id,
		OldParentId: oldParent, Node: node, Prev: prev,
	})
}
