// Package workingcopy is the Working Copy Manager: optimistic
// draft/edit records held in EphemeralDB until explicitly committed
// or discarded. It is the sole writer of EphemeralDB node records;
// everything above it either commits through here or reads CoreDB.
package workingcopy

import (
	"context"
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

// Manager owns the create/edit/discard/commit lifecycle of working
// copies. It never reaches into the Mutation or Query services; those
// sit above it and call Commit as the last step of their own
// transactions.
type Manager struct {
	engine   *storage.Engine
	gen      ids.Generator
	registry *plugin.Registry
	clock    func() time.Time
}

// New builds a Manager. clock defaults to time.Now when nil, but tests
// typically inject a fixed clock to assert exact timestamps.
func New(engine *storage.Engine, gen ids.Generator, registry *plugin.Registry, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{engine: engine, gen: gen, registry: registry, clock: clock}
}

// DraftInput is the caller-supplied seed for createDraft.
type DraftInput struct {
	TreeId      ids.TreeId
	ParentId    ids.NodeId
	NodeType    string
	Name        string
	Description *string
	EntityData  any
}

// CreateDraft stages a brand-new, never-committed node as a working
// copy. No CoreDB record exists until Commit.
func (m *Manager) CreateDraft(ctx context.Context, in DraftInput) (*nodemodel.Node, error) {
	now := m.clock()
	draft := true
	wc := &nodemodel.Node{
		Id:          ids.NodeId(m.gen.NewNodeId()),
		TreeId:      in.TreeId,
		ParentId:    in.ParentId,
		NodeType:    in.NodeType,
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     0,
		IsDraft:     &draft,
		EntityData:  in.EntityData,
	}

	if err := m.putWorkingCopy(wc); err != nil {
		return nil, err
	}
	if err := m.notifyCreated(ctx, wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// CreateFromNode stages an edit of an existing committed node. The
// working copy shares the original node's NodeId; Commit distinguishes
// edit-from-draft by OriginalVersion being set.
func (m *Manager) CreateFromNode(ctx context.Context, nodeId ids.NodeId) (*nodemodel.Node, error) {
	var original *nodemodel.Node
	err := m.engine.Core().View(func(tx *storage.Tx) error {
		raw, err := tx.Get(nodemodel.StoreNodes, []byte(nodeId))
		if err != nil {
			return err
		}
		n, err := nodemodel.Decode(raw)
		if err != nil {
			return err
		}
		original = n
		return nil
	})
	if err == storage.ErrNotFound {
		return nil, command.NewCodedError(command.CodeNodeNotFound, fmt.Errorf("node %s not found", nodeId))
	}
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}

	var wc nodemodel.Node
	if err := copier.CopyWithOption(&wc, original, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy node for edit: %w", err)
	}
	now := m.clock()
	version := original.Version
	wc.OriginalVersion = &version
	wc.CopiedAt = &now
	wc.UpdatedAt = now
	wc.IsDraft = nil

	if err := m.putWorkingCopy(&wc); err != nil {
		return nil, err
	}
	if err := m.notifyCreated(ctx, &wc); err != nil {
		return nil, err
	}
	return &wc, nil
}

// Patch describes a field-level edit to an open working copy. A nil
// field leaves the corresponding Node field untouched; ClearDescription
// explicitly blanks Description since a nil *string can't distinguish
// "leave alone" from "set to empty".
type Patch struct {
	Name             *string
	Description      *string
	ClearDescription bool
	EntityData       any
	SetEntityData    bool
}

// Update applies patch to the open working copy for nodeId.
func (m *Manager) Update(ctx context.Context, nodeId ids.NodeId, patch Patch) (*nodemodel.Node, error) {
	wc, err := m.Get(nodeId)
	if err != nil {
		return nil, err
	}
	if wc == nil {
		return nil, command.NewCodedError(command.CodeWorkingCopyNotFound, fmt.Errorf("no working copy for %s", nodeId))
	}

	if patch.Name != nil {
		wc.Name = *patch.Name
	}
	switch {
	case patch.ClearDescription:
		wc.Description = nil
	case patch.Description != nil:
		wc.Description = patch.Description
	}
	if patch.SetEntityData {
		wc.EntityData = patch.EntityData
	}
	wc.UpdatedAt = m.clock()

	if err := m.putWorkingCopy(wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// Discard drops the working copy for nodeId without committing it.
// Discarding an absent working copy is a no-op, mirroring the
// idempotent delete semantics storage.Tx.Delete already provides.
func (m *Manager) Discard(ctx context.Context, nodeId ids.NodeId) error {
	wc, err := m.Get(nodeId)
	if err != nil {
		return err
	}
	if wc == nil {
		return nil
	}

	err = m.engine.Ephemeral().Update(func(tx *storage.Tx) error {
		return tx.Delete(nodemodel.StoreWorkingCopies, []byte(nodeId))
	})
	if err != nil {
		return command.NewCodedError(command.CodeDatabaseError, err)
	}

	if def, ok := m.registry.Get(wc.NodeType); ok {
		if def.Handler != nil {
			if err := def.Handler.DiscardWorkingCopy(ctx, nodeId); err != nil {
				return err
			}
		}
		if def.Hooks.OnWorkingCopyDiscarded != nil {
			if err := def.Hooks.OnWorkingCopyDiscarded(ctx, nodeId); err != nil {
				return err
			}
		}
	}
	return nil
}

// DiscardAll discards every open working copy, used when a view
// detaches without saving.
func (m *Manager) DiscardAll(ctx context.Context) error {
	ids, err := m.List()
	if err != nil {
		return err
	}
	for _, wc := range ids {
		if err := m.Discard(ctx, wc.Id); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the open working copy for nodeId, or (nil, nil) if none
// is open.
func (m *Manager) Get(nodeId ids.NodeId) (*nodemodel.Node, error) {
	var wc *nodemodel.Node
	err := m.engine.Ephemeral().View(func(tx *storage.Tx) error {
		raw, err := tx.Get(nodemodel.StoreWorkingCopies, []byte(nodeId))
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := nodemodel.Decode(raw)
		if err != nil {
			return err
		}
		wc = n
		return nil
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return wc, nil
}

// List returns every currently open working copy.
func (m *Manager) List() ([]*nodemodel.Node, error) {
	var out []*nodemodel.Node
	err := m.engine.Ephemeral().View(func(tx *storage.Tx) error {
		return tx.ForEach(nodemodel.StoreWorkingCopies, func(_, value []byte) error {
			n, err := nodemodel.Decode(value)
			if err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return out, nil
}

// HasOpen reports whether nodeId currently has an uncommitted working
// copy.
func (m *Manager) HasOpen(nodeId ids.NodeId) (bool, error) {
	wc, err := m.Get(nodeId)
	if err != nil {
		return false, err
	}
	return wc != nil, nil
}

// CommitOptions configures one Commit call.
type CommitOptions struct {
	OnNameConflict command.NameConflictPolicy
}

// Commit validates and persists the working copy for nodeId as a
// CoreDB node, in one CoreDB+EphemeralDB transaction:
// version check (edits only), name validation and uniqueness (with
// optional auto-rename), plugin beforeCreate/beforeUpdate hooks, the
// CoreDB write plus entity-handler write, deletion of the working
// copy, then afterCreate/afterUpdate and OnWorkingCopyCommitted hooks.
// A failure at any step aborts the whole transaction: the working copy
// survives untouched and the caller may retry or discard it.
func (m *Manager) Commit(ctx context.Context, nodeId ids.NodeId, opts CommitOptions) (*nodemodel.Node, error) {
	wc, err := m.Get(nodeId)
	if err != nil {
		return nil, err
	}
	if wc == nil {
		return nil, command.NewCodedError(command.CodeWorkingCopyNotFound, fmt.Errorf("no working copy for %s", nodeId))
	}

	isEdit := wc.OriginalVersion != nil
	def, hasDef := m.registry.Get(wc.NodeType)

	var committed *nodemodel.Node
	err = m.engine.TwoPhase(func(core, eph *storage.Tx) error {
		// Handlers and hooks invoked below must write inside this
		// transaction, never a nested one.
		ctx := storage.WithEphemeralTx(storage.WithCoreTx(ctx, core), eph)

		var current *nodemodel.Node
		if isEdit {
			raw, err := core.Get(nodemodel.StoreNodes, []byte(nodeId))
			if err == storage.ErrNotFound {
				return command.NewCodedError(command.CodeNodeNotFound, fmt.Errorf("node %s no longer exists", nodeId))
			}
			if err != nil {
				return command.NewCodedError(command.CodeDatabaseError, err)
			}
			current, err = nodemodel.Decode(raw)
			if err != nil {
				return command.NewCodedError(command.CodeDatabaseError, err)
			}
			if current.Version != *wc.OriginalVersion {
				return command.NewCodedError(command.CodeCommitConflict, fmt.Errorf("node %s changed since working copy was opened", nodeId))
			}
		}

		if err := nodemodel.IsValidName(wc.Name); err != nil {
			return command.NewCodedError(command.CodeValidationError, err)
		}
		normalized := nodemodel.NormalizeName(wc.Name)

		existingPK, err := core.IndexGet(nodemodel.StoreNodes, nodemodel.IndexParentName, nodemodel.ParentNameKey(wc.ParentId, normalized))
		conflict := err == nil && string(existingPK) != string(nodeId)
		if conflict {
			policy := opts.OnNameConflict
			if policy == "" {
				policy = command.ConflictError
			}
			if policy != command.ConflictAutoRename {
				return command.NewCodedError(command.CodeNameNotUnique, fmt.Errorf("name %q already used under parent %s", wc.Name, wc.ParentId))
			}
			siblings, err := m.siblingNames(core, wc.ParentId, nodeId)
			if err != nil {
				return command.NewCodedError(command.CodeDatabaseError, err)
			}
			wc.Name = nodemodel.GenerateUniqueName(wc.Name, siblings)
			normalized = nodemodel.NormalizeName(wc.Name)
		}

		if hasDef {
			if isEdit {
				if def.Hooks.BeforeUpdate != nil {
					if err := def.Hooks.BeforeUpdate(ctx, wc); err != nil {
						return err
					}
				}
			} else if def.Hooks.BeforeCreate != nil {
				if err := def.Hooks.BeforeCreate(ctx, wc); err != nil {
					return err
				}
			}
		}

		final := wc.Clone()
		final.UpdatedAt = m.clock()
		if isEdit {
			final.Version = current.Version + 1
		} else {
			final.Version = 1
		}
		final.IsDraft = nil
		final.OriginalNodeId = nil
		final.CopiedAt = nil
		final.OriginalVersion = nil
		entityData := final.EntityData
		final.EntityData = nil

		data, err := final.Encode()
		if err != nil {
			return command.NewCodedError(command.CodeDatabaseError, err)
		}
		if err := core.Put(nodemodel.StoreNodes, []byte(nodeId), data); err != nil {
			return command.NewCodedError(command.CodeDatabaseError, err)
		}

		var oldKey []byte
		if isEdit {
			oldKey = nodemodel.ParentNameKey(current.ParentId, nodemodel.NormalizeName(current.Name))
		}
		newKey := nodemodel.ParentNameKey(final.ParentId, normalized)
		if err := storage.EnsureIndexEntry(core, nodemodel.StoreNodes, nodemodel.IndexParentName, oldKey, newKey, []byte(nodeId), true); err != nil {
			return err
		}
		if isEdit {
			oldUpdated := nodemodel.ParentUpdatedAtKey(current.ParentId, current.UpdatedAt, nodeId)
			if err := core.IndexDelete(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, oldUpdated); err != nil && err != storage.ErrNotFound {
				return command.NewCodedError(command.CodeDatabaseError, err)
			}
		}
		newUpdated := nodemodel.ParentUpdatedAtKey(final.ParentId, final.UpdatedAt, nodeId)
		if err := core.IndexPut(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, newUpdated, []byte(nodeId), false); err != nil {
			return command.NewCodedError(command.CodeDatabaseError, err)
		}

		if hasDef && def.Handler != nil {
			if isEdit {
				if err := def.Handler.UpdateEntity(ctx, nodeId, entityData); err != nil {
					return err
				}
			} else if entityData != nil {
				if err := def.Handler.CreateEntity(ctx, nodeId, entityData); err != nil {
					return err
				}
			}
			if err := def.Handler.CommitWorkingCopy(ctx, nodeId); err != nil {
				return err
			}
		}

		if err := eph.Delete(nodemodel.StoreWorkingCopies, []byte(nodeId)); err != nil {
			return command.NewCodedError(command.CodeDatabaseError, err)
		}

		if hasDef {
			if isEdit {
				if def.Hooks.AfterUpdate != nil {
					if err := def.Hooks.AfterUpdate(ctx, final); err != nil {
						return err
					}
				}
			} else if def.Hooks.AfterCreate != nil {
				if err := def.Hooks.AfterCreate(ctx, final); err != nil {
					return err
				}
			}
			if def.Hooks.OnWorkingCopyCommitted != nil {
				if err := def.Hooks.OnWorkingCopyCommitted(ctx, nodeId); err != nil {
					return err
				}
			}
		}

		committed = final
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (m *Manager) putWorkingCopy(wc *nodemodel.Node) error {
	data, err := wc.Encode()
	if err != nil {
		return fmt.Errorf("encode working copy: %w", err)
	}
	err = m.engine.Ephemeral().Update(func(tx *storage.Tx) error {
		return tx.Put(nodemodel.StoreWorkingCopies, []byte(wc.Id), data)
	})
	if err != nil {
		return command.NewCodedError(command.CodeDatabaseError, err)
	}
	return nil
}

// notifyCreated runs the node type's entity handler and lifecycle hook
// for a freshly staged working copy. A failure rolls the just-written
// EphemeralDB record back out so no half-created session dangles, and
// surfaces as the caller's error.
func (m *Manager) notifyCreated(ctx context.Context, wc *nodemodel.Node) error {
	def, ok := m.registry.Get(wc.NodeType)
	if !ok {
		return nil
	}
	fail := func(err error) error {
		rollbackErr := m.engine.Ephemeral().Update(func(tx *storage.Tx) error {
			return tx.Delete(nodemodel.StoreWorkingCopies, []byte(wc.Id))
		})
		if rollbackErr != nil {
			return command.NewCodedError(command.CodeDatabaseError, fmt.Errorf("%v (rollback also failed: %v)", err, rollbackErr))
		}
		return err
	}
	if def.Handler != nil {
		if err := def.Handler.CreateWorkingCopy(ctx, wc.Id); err != nil {
			return fail(err)
		}
	}
	if def.Hooks.OnWorkingCopyCreated != nil {
		if err := def.Hooks.OnWorkingCopyCreated(ctx, wc.Id); err != nil {
			return fail(err)
		}
	}
	return nil
}

// siblingNames collects every normalized sibling name under parentId,
// excluding nodeId's own entry, for the auto-rename path.
func (m *Manager) siblingNames(core *storage.Tx, parentId ids.NodeId, nodeId ids.NodeId) (map[string]struct{}, error) {
	prefix := nodemodel.ParentPrefix(parentId)
	out := make(map[string]struct{})
	err := core.IndexScanPrefix(nodemodel.StoreNodes, nodemodel.IndexParentName, prefix, func(key, pk []byte) error {
		if string(pk) == string(nodeId) {
			return nil
		}
		name := string(key[len(prefix):])
		out[name] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
