package worker

import (
	"context"
	"fmt"
	"regexp"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/mutation"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
	"github.com/kubohiroya/hierarchidb-core/pkg/query"
	"github.com/kubohiroya/hierarchidb-core/pkg/subscription"
	"github.com/kubohiroya/hierarchidb-core/pkg/workingcopy"
)

// The facade partitions its surface into five API views, each a thin
// struct over the facade so callers hold only the capability slice
// they need. Query, mutation, subscribe, working-copy and plugin
// register/unregister/reload methods check the ready state first;
// Unsubscribe, UnsubscribeAll and the read-only registry methods do not.

// QueryAPI is the read-only surface.
type QueryAPI struct{ f *Facade }

// MutationAPI is the write surface. Methods return command.Result, the
// tagged union callers switch on instead of Go errors; ExportNodesCSV,
// which returns raw CSV bytes and an error, is the one exception.
type MutationAPI struct{ f *Facade }

// SubscriptionAPI registers and cancels observers.
type SubscriptionAPI struct{ f *Facade }

// WorkingCopyAPI drives edit sessions directly, for callers that stage
// edits across user interactions instead of one-shot mutations.
type WorkingCopyAPI struct{ f *Facade }

// PluginRegistryAPI inspects and manages node-type definitions.
type PluginRegistryAPI struct{ f *Facade }

func (f *Facade) GetQueryAPI() *QueryAPI                   { return &QueryAPI{f} }
func (f *Facade) GetMutationAPI() *MutationAPI             { return &MutationAPI{f} }
func (f *Facade) GetSubscriptionAPI() *SubscriptionAPI     { return &SubscriptionAPI{f} }
func (f *Facade) GetWorkingCopyAPI() *WorkingCopyAPI       { return &WorkingCopyAPI{f} }
func (f *Facade) GetPluginRegistryAPI() *PluginRegistryAPI { return &PluginRegistryAPI{f} }

// ---- Query ----

func (a *QueryAPI) GetTree(treeId ids.TreeId) (*nodemodel.Tree, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.query.GetTree(treeId)
}

func (a *QueryAPI) ListTrees() ([]*nodemodel.Tree, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.query.ListTrees()
}

// GetNode returns nil (no error) for an absent node, matching the
// query contract.
func (a *QueryAPI) GetNode(nodeId ids.NodeId) (*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	n, err := a.f.query.GetNode(nodeId)
	if command.CodeOf(err) == command.CodeNodeNotFound {
		return nil, nil
	}
	return n, err
}

func (a *QueryAPI) GetChildren(parentId ids.NodeId, page query.ChildrenPage) ([]*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.query.GetChildrenPage(parentId, page)
}

func (a *QueryAPI) GetDescendants(rootNodeId ids.NodeId, opts query.DescendantOptions) ([]*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.query.Descendants(rootNodeId, opts)
}

// GetAncestors returns the chain ordered root first, node's parent
// last, per the external contract.
func (a *QueryAPI) GetAncestors(nodeId ids.NodeId) ([]*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	nearestFirst, err := a.f.query.GetAncestors(nodeId)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(nearestFirst)-1; i < j; i, j = i+1, j-1 {
		nearestFirst[i], nearestFirst[j] = nearestFirst[j], nearestFirst[i]
	}
	return nearestFirst, nil
}

func (a *QueryAPI) SearchNodes(treeId ids.TreeId, opts query.SearchOptions) ([]*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.query.Search(treeId, opts)
}

// ---- Mutation ----

func failResult(err error) command.Result {
	return command.Fail(command.CodeOf(err), err, 0)
}

func (a *MutationAPI) CreateNode(ctx context.Context, in mutation.CreateNodeInput) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	node, seq, err := a.f.mutation.CreateNode(ctx, in)
	if err != nil {
		return failResult(err)
	}
	r := command.Ok(seq)
	r.NodeId = node.Id
	return r
}

func (a *MutationAPI) UpdateNode(ctx context.Context, nodeId ids.NodeId, in mutation.UpdateNodeInput) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	node, seq, err := a.f.mutation.UpdateNode(ctx, nodeId, in)
	if err != nil {
		return failResult(err)
	}
	r := command.Ok(seq)
	r.NodeId = node.Id
	return r
}

func (a *MutationAPI) MoveNodes(ctx context.Context, nodeIds []ids.NodeId, toParentId ids.NodeId, onConflict command.NameConflictPolicy) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	if err := a.f.guardRoots(nodeIds); err != nil {
		return failResult(err)
	}
	seq, err := a.f.mutation.MoveNodes(ctx, nodeIds, toParentId, onConflict)
	if err != nil {
		return failResult(err)
	}
	return command.Ok(seq)
}

func (a *MutationAPI) MoveNodesToTrash(ctx context.Context, nodeIds []ids.NodeId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	if err := a.f.guardRoots(nodeIds); err != nil {
		return failResult(err)
	}
	seq, err := a.f.mutation.MoveNodesToTrash(ctx, nodeIds)
	if err != nil {
		return failResult(err)
	}
	return command.Ok(seq)
}

// RecoverNodesFromTrash restores nodes to toParentId, or each node's
// pre-trash parent when toParentId is empty.
func (a *MutationAPI) RecoverNodesFromTrash(ctx context.Context, nodeIds []ids.NodeId, toParentId ids.NodeId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	seq, err := a.f.mutation.RecoverNodesFromTrash(ctx, nodeIds, toParentId)
	if err != nil {
		return failResult(err)
	}
	return command.Ok(seq)
}

func (a *MutationAPI) RemoveNodes(ctx context.Context, nodeIds []ids.NodeId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	if err := a.f.guardRoots(nodeIds); err != nil {
		return failResult(err)
	}
	seq, err := a.f.mutation.RemoveNodes(ctx, nodeIds)
	if err != nil {
		return failResult(err)
	}
	return command.Ok(seq)
}

func (a *MutationAPI) DuplicateNodes(ctx context.Context, nodeIds []ids.NodeId, toParentId ids.NodeId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	if err := a.f.guardRoots(nodeIds); err != nil {
		return failResult(err)
	}
	newIds, seq, err := a.f.mutation.DuplicateNodes(ctx, nodeIds, toParentId)
	if err != nil {
		return failResult(err)
	}
	r := command.Ok(seq)
	r.NewNodeIds = newIds
	return r
}

func (a *MutationAPI) CopyNodes(ctx context.Context, nodeIds []ids.NodeId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	env, err := a.f.mutation.CopyNodes(ctx, nodeIds)
	if err != nil {
		return failResult(err)
	}
	data, err := env.Encode()
	if err != nil {
		return failResult(command.NewCodedError(command.CodeUnknownError, err))
	}
	var r command.Result
	r.Success = true
	r.ClipboardData = data
	return r
}

func (a *MutationAPI) ExportNodes(ctx context.Context, nodeIds []ids.NodeId) command.Result {
	return a.CopyNodes(ctx, nodeIds)
}

// ExportNodesCSV returns the CSV projection instead of the JSON
// envelope.
func (a *MutationAPI) ExportNodesCSV(ctx context.Context, nodeIds []ids.NodeId) ([]byte, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.mutation.ExportCSV(ctx, nodeIds)
}

func (a *MutationAPI) PasteNodes(ctx context.Context, clipboard []byte, toParentId ids.NodeId, treeId ids.TreeId, onConflict command.NameConflictPolicy) command.Result {
	return a.importClipboard(ctx, clipboard, toParentId, treeId, onConflict)
}

func (a *MutationAPI) ImportNodes(ctx context.Context, clipboard []byte, toParentId ids.NodeId, treeId ids.TreeId, onConflict command.NameConflictPolicy) command.Result {
	return a.importClipboard(ctx, clipboard, toParentId, treeId, onConflict)
}

func (a *MutationAPI) importClipboard(ctx context.Context, clipboard []byte, toParentId ids.NodeId, treeId ids.TreeId, onConflict command.NameConflictPolicy) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	env, err := mutation.DecodeEnvelope(clipboard)
	if err != nil {
		return failResult(err)
	}
	newIds, seq, err := a.f.mutation.ImportNodes(ctx, env, toParentId, treeId, onConflict)
	if err != nil {
		return failResult(err)
	}
	r := command.Ok(seq)
	r.NewNodeIds = newIds
	return r
}

func (a *MutationAPI) Undo(groupId ids.CommandGroupId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	return a.f.mutation.Undo(groupId)
}

func (a *MutationAPI) Redo(groupId ids.CommandGroupId) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	return a.f.mutation.Redo(groupId)
}

// ---- Subscription ----

func (a *SubscriptionAPI) SubscribeNode(nodeId ids.NodeId, opts subscription.Options) (*subscription.Handle, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.subs.ObserveNode(nodeId, opts), nil
}

func (a *SubscriptionAPI) SubscribeChildren(parentId ids.NodeId, opts subscription.Options) (*subscription.Handle, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.subs.ObserveChildren(parentId, opts), nil
}

func (a *SubscriptionAPI) SubscribeSubtree(rootNodeId ids.NodeId, opts subscription.Options) (*subscription.Handle, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.subs.ObserveSubtree(rootNodeId, opts), nil
}

// Unsubscribe is valid in any state so shutdown paths can always
// release observers.
func (a *SubscriptionAPI) Unsubscribe(id subscription.SubscriptionId) {
	if a.f.subs != nil {
		a.f.subs.Unsubscribe(id)
	}
}

func (a *SubscriptionAPI) UnsubscribeAll() {
	if a.f.subs != nil {
		a.f.subs.UnsubscribeAll()
	}
}

// ---- Working Copy ----

func (a *WorkingCopyAPI) CreateDraftWorkingCopy(ctx context.Context, in workingcopy.DraftInput) (*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.wc.CreateDraft(ctx, in)
}

func (a *WorkingCopyAPI) CreateWorkingCopyFromNode(ctx context.Context, nodeId ids.NodeId) (*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.wc.CreateFromNode(ctx, nodeId)
}

func (a *WorkingCopyAPI) UpdateWorkingCopy(ctx context.Context, nodeId ids.NodeId, patch workingcopy.Patch) (*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.wc.Update(ctx, nodeId, patch)
}

func (a *WorkingCopyAPI) GetWorkingCopy(nodeId ids.NodeId) (*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.wc.Get(nodeId)
}

func (a *WorkingCopyAPI) ListWorkingCopies() ([]*nodemodel.Node, error) {
	if err := a.f.requireReady(); err != nil {
		return nil, err
	}
	return a.f.wc.List()
}

func (a *WorkingCopyAPI) CommitWorkingCopy(ctx context.Context, nodeId ids.NodeId, opts workingcopy.CommitOptions) command.Result {
	if err := a.f.requireReady(); err != nil {
		return failResult(err)
	}
	node, err := a.f.wc.Commit(ctx, nodeId, opts)
	if err != nil {
		return failResult(err)
	}
	seq := a.f.processor.NextSeq()
	r := command.Ok(seq)
	r.NodeId = node.Id
	return r
}

func (a *WorkingCopyAPI) DiscardWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	if err := a.f.requireReady(); err != nil {
		return err
	}
	return a.f.wc.Discard(ctx, nodeId)
}

func (a *WorkingCopyAPI) DiscardAllWorkingCopies(ctx context.Context) error {
	if err := a.f.requireReady(); err != nil {
		return err
	}
	return a.f.wc.DiscardAll(ctx)
}

// ValidateWorkingCopy runs the generic name rules plus the node
// type's NameRegex and Async validators against the staged state,
// without committing anything. The child-placement rules
// (AllowedChildren, MaxChildren) are not checked here.
func (a *WorkingCopyAPI) ValidateWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	if err := a.f.requireReady(); err != nil {
		return err
	}
	wc, err := a.f.wc.Get(nodeId)
	if err != nil {
		return err
	}
	if wc == nil {
		return command.NewCodedError(command.CodeWorkingCopyNotFound, fmt.Errorf("no working copy for %s", nodeId))
	}
	if err := nodemodel.IsValidName(wc.Name); err != nil {
		return command.NewCodedError(command.CodeValidationError, err)
	}
	def, ok := a.f.registry.Get(wc.NodeType)
	if !ok {
		return nil
	}
	if def.Validators.NameRegex != "" {
		re, err := regexp.Compile(def.Validators.NameRegex)
		if err != nil {
			return command.NewCodedError(command.CodeValidationError, fmt.Errorf("node type %s declares an invalid name pattern: %w", wc.NodeType, err))
		}
		if !re.MatchString(wc.Name) {
			return command.NewCodedError(command.CodeValidationError, fmt.Errorf("name %q does not match the %s name pattern", wc.Name, wc.NodeType))
		}
	}
	if def.Validators.Async != nil {
		if err := def.Validators.Async(ctx, wc); err != nil {
			return command.NewCodedError(command.CodeValidationError, err)
		}
	}
	return nil
}

// HasUnsavedChanges reports whether nodeId's working copy diverges
// from its committed state. A draft always counts as unsaved.
func (a *WorkingCopyAPI) HasUnsavedChanges(nodeId ids.NodeId) (bool, error) {
	if err := a.f.requireReady(); err != nil {
		return false, err
	}
	wc, err := a.f.wc.Get(nodeId)
	if err != nil {
		return false, err
	}
	if wc == nil {
		return false, nil
	}
	if wc.OriginalVersion == nil {
		return true, nil
	}
	committed, err := a.f.query.GetNode(nodeId)
	if command.CodeOf(err) == command.CodeNodeNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if wc.Name != committed.Name || wc.EntityData != nil {
		return true, nil
	}
	if (wc.Description == nil) != (committed.Description == nil) {
		return true, nil
	}
	if wc.Description != nil && committed.Description != nil && *wc.Description != *committed.Description {
		return true, nil
	}
	return false, nil
}

// ---- Plugin Registry ----

func (a *PluginRegistryAPI) ListSupportedNodeTypes() []string {
	if a.f.registry == nil {
		return nil
	}
	return a.f.registry.List()
}

func (a *PluginRegistryAPI) IsSupportedNodeType(nodeType string) bool {
	return a.f.registry != nil && a.f.registry.IsSupported(nodeType)
}

func (a *PluginRegistryAPI) GetNodeTypeDefinition(nodeType string) (*plugin.NodeTypeDefinition, bool) {
	if a.f.registry == nil {
		return nil, false
	}
	return a.f.registry.Get(nodeType)
}

// RegisterPlugin ensures the plugin's stores exist and registers it.
// Allowed while ready: registration is additive and read-locked
// against in-flight lookups.
func (a *PluginRegistryAPI) RegisterPlugin(def *plugin.NodeTypeDefinition) error {
	if err := a.f.requireReady(); err != nil {
		return err
	}
	return a.f.registerDefinition(def)
}

func (a *PluginRegistryAPI) UnregisterPlugin(nodeType string) error {
	if err := a.f.requireReady(); err != nil {
		return err
	}
	return a.f.registry.Unregister(nodeType)
}

func (a *PluginRegistryAPI) ReloadPlugin(def *plugin.NodeTypeDefinition) error {
	if err := a.f.requireReady(); err != nil {
		return err
	}
	return a.f.registry.Reload(def)
}

// GetSupportedOperations reports which optional handler capabilities a
// node type implements beyond the base contract.
func (a *PluginRegistryAPI) GetSupportedOperations(nodeType string) []string {
	def, ok := a.GetNodeTypeDefinition(nodeType)
	if !ok {
		return nil
	}
	ops := []string{"create", "update", "delete", "move", "trash", "recover", "copy"}
	if def.Handler != nil {
		if _, yes := def.Handler.(plugin.DuplicatingHandler); yes {
			ops = append(ops, "duplicate")
		}
		if _, yes := def.Handler.(plugin.BackupRestoreHandler); yes {
			ops = append(ops, "backup", "restore")
		}
		if _, yes := def.Handler.(plugin.SubEntityHandler); yes {
			ops = append(ops, "subEntities")
		}
	}
	return ops
}

func (a *PluginRegistryAPI) GetAllowedChildTypes(parentType string) []string {
	if a.f.registry == nil {
		return nil
	}
	return a.f.registry.AllowedChildTypes(parentType)
}

// ValidateNodeTypeOperation checks whether childType may be created
// under a parent of parentType, without touching storage.
func (a *PluginRegistryAPI) ValidateNodeTypeOperation(parentType, childType string) error {
	if !a.IsSupportedNodeType(childType) {
		return command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("nodeType %q is not registered", childType))
	}
	allowed := a.GetAllowedChildTypes(parentType)
	if allowed == nil {
		return nil
	}
	for _, t := range allowed {
		if t == childType {
			return nil
		}
	}
	return command.NewCodedError(command.CodeIllegalRelation, fmt.Errorf("nodeType %q is not an allowed child of %q", childType, parentType))
}
