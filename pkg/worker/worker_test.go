package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/config"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/mutation"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/query"
	"github.com/kubohiroya/hierarchidb-core/pkg/subscription"
	"github.com/kubohiroya/hierarchidb-core/pkg/workingcopy"
)

func testFacade(t *testing.T) (*Facade, *nodemodel.Tree) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	f := New(Options{Config: cfg})
	require.NoError(t, f.Initialize(context.Background()))
	t.Cleanup(func() {
		if f.State() == StateReady {
			_ = f.Shutdown(context.Background())
		}
	})

	tree, err := f.CreateTree("Main")
	require.NoError(t, err)
	return f, tree
}

func mustReceive(t *testing.T, events <-chan subscription.Event) subscription.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return subscription.Event{}
	}
}

func TestFacade_StateMachine(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	f := New(Options{Config: cfg})
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, f.State())

	// Operations outside ready are rejected with INVALID_OPERATION.
	_, err := f.GetQueryAPI().ListTrees()
	require.Error(t, err)
	assert.Equal(t, command.CodeInvalidOperation, command.CodeOf(err))

	require.NoError(t, f.Initialize(ctx))
	assert.Equal(t, StateReady, f.State())

	// Double initialize fails.
	err = f.Initialize(ctx)
	require.Error(t, err)
	assert.Equal(t, command.CodeInvalidOperation, command.CodeOf(err))

	health := f.GetSystemHealth()
	assert.Equal(t, StateReady, health.State)
	assert.True(t, health.CoreDBOpen)
	assert.True(t, health.EphemeralDBOpen)
	assert.Equal(t, 2, health.RegisteredNodeTypes)

	require.NoError(t, f.Shutdown(ctx))
	assert.Equal(t, StateClosed, f.State())

	_, err = f.GetQueryAPI().ListTrees()
	require.Error(t, err)

	// Closed facades can be re-initialized (restart).
	require.NoError(t, f.Initialize(ctx))
	require.NoError(t, f.Shutdown(ctx))
}

func TestFacade_CreateTreeBootstrapsRoots(t *testing.T) {
	f, tree := testFacade(t)
	q := f.GetQueryAPI()

	got, err := q.GetTree(tree.TreeId)
	require.NoError(t, err)
	assert.Equal(t, tree.RootNodeId, got.RootNodeId)

	for _, rootId := range []ids.NodeId{tree.SuperRootNodeId, tree.RootNodeId, tree.TrashRootNodeId} {
		n, err := q.GetNode(rootId)
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Equal(t, uint64(1), n.Version)
	}

	// Roots are un-moveable and indestructible.
	res := f.GetMutationAPI().RemoveNodes(context.Background(), []ids.NodeId{tree.RootNodeId})
	require.False(t, res.Success)
	assert.Equal(t, command.CodeInvalidOperation, res.Code)

	res = f.GetMutationAPI().MoveNodes(context.Background(), []ids.NodeId{tree.TrashRootNodeId}, tree.RootNodeId, command.ConflictError)
	require.False(t, res.Success)
	assert.Equal(t, command.CodeInvalidOperation, res.Code)
}

// S1: create a folder, read it back through getChildren.
func TestScenario_CreateFolder(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()

	res := f.GetMutationAPI().CreateNode(ctx, mutation.CreateNodeInput{
		TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Docs",
	})
	require.True(t, res.Success, res.Error)

	children, err := f.GetQueryAPI().GetChildren(tree.RootNodeId, query.ChildrenPage{})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Docs", children[0].Name)
	assert.Equal(t, uint64(1), children[0].Version)
}

// S2: name collision resolves to "Docs (2)".
func TestScenario_NameCollisionAutoRename(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()

	res := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Docs"})
	require.True(t, res.Success)
	res = m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Docs"})
	require.True(t, res.Success)

	n, err := f.GetQueryAPI().GetNode(res.NodeId)
	require.NoError(t, err)
	assert.Equal(t, "Docs (2)", n.Name)
}

// S3: a working copy opened before a concurrent edit fails its commit
// with COMMIT_CONFLICT and survives for retry.
func TestScenario_ConcurrentEditConflict(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()

	res := f.GetMutationAPI().CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Shared"})
	require.True(t, res.Success)
	nodeId := res.NodeId

	wcAPI := f.GetWorkingCopyAPI()
	_, err := wcAPI.CreateWorkingCopyFromNode(ctx, nodeId)
	require.NoError(t, err)

	// A competing writer bumps the node's version first.
	moveRes := f.GetMutationAPI().MoveNodes(ctx, []ids.NodeId{nodeId}, tree.RootNodeId, command.ConflictAutoRename)
	require.True(t, moveRes.Success, moveRes.Error)

	commitRes := wcAPI.CommitWorkingCopy(ctx, nodeId, workingcopy.CommitOptions{})
	require.False(t, commitRes.Success)
	assert.Equal(t, command.CodeCommitConflict, commitRes.Code)

	// The working copy is still present.
	open, err := wcAPI.GetWorkingCopy(nodeId)
	require.NoError(t, err)
	assert.NotNil(t, open)
}

// S4: trash then recover restores the original parent and clears the
// trash stamps.
func TestScenario_TrashAndRecover(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()
	q := f.GetQueryAPI()

	res := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Victim"})
	require.True(t, res.Success)
	nodeId := res.NodeId

	require.True(t, m.MoveNodesToTrash(ctx, []ids.NodeId{nodeId}).Success)
	trashed, err := q.GetNode(nodeId)
	require.NoError(t, err)
	assert.Equal(t, tree.TrashRootNodeId, trashed.ParentId)
	assert.NotNil(t, trashed.RemovedAt)
	require.NotNil(t, trashed.OriginalParentId)
	assert.Equal(t, tree.RootNodeId, *trashed.OriginalParentId)

	require.True(t, m.RecoverNodesFromTrash(ctx, []ids.NodeId{nodeId}, "").Success)
	recovered, err := q.GetNode(nodeId)
	require.NoError(t, err)
	assert.Equal(t, tree.RootNodeId, recovered.ParentId)
	assert.Nil(t, recovered.RemovedAt)
	assert.Nil(t, recovered.OriginalParentId)
	assert.Nil(t, recovered.OriginalName)
}

// S5: duplicating A{B,C{D}} yields A (2) with the same shape and
// all-new IDs.
func TestScenario_SubtreeDuplicate(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()
	q := f.GetQueryAPI()

	mk := func(parent ids.NodeId, name string) ids.NodeId {
		res := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: parent, NodeType: "folder", Name: name})
		require.True(t, res.Success, res.Error)
		return res.NodeId
	}
	a := mk(tree.RootNodeId, "A")
	mk(a, "B")
	c := mk(a, "C")
	mk(c, "D")

	res := m.DuplicateNodes(ctx, []ids.NodeId{a}, tree.RootNodeId)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.NewNodeIds, 1)
	newA := res.NewNodeIds[0]
	assert.NotEqual(t, a, newA)

	root, err := q.GetNode(newA)
	require.NoError(t, err)
	assert.Equal(t, "A (2)", root.Name)

	original, err := q.GetDescendants(a, query.DescendantOptions{})
	require.NoError(t, err)
	copied, err := q.GetDescendants(newA, query.DescendantOptions{})
	require.NoError(t, err)
	require.Len(t, copied, len(original))

	originalIds := map[ids.NodeId]struct{}{}
	for _, n := range original {
		originalIds[n.Id] = struct{}{}
	}
	var names []string
	for _, n := range copied {
		names = append(names, n.Name)
		_, clash := originalIds[n.Id]
		assert.False(t, clash, "copied node reused an original ID")
	}
	assert.ElementsMatch(t, []string{"B", "C", "D"}, names)
}

// S6: a subtree subscription sees creations anywhere below its root
// and deletions of whole subtrees.
func TestScenario_SubscribeSubtree(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()

	res := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "X"})
	require.True(t, res.Success)
	x := res.NodeId

	h, err := f.GetSubscriptionAPI().SubscribeSubtree(tree.RootNodeId, subscription.Options{})
	require.NoError(t, err)

	res = m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: x, NodeType: "document", Name: "Inside"})
	require.True(t, res.Success, res.Error)
	inside := res.NodeId

	ev := mustReceive(t, h.Events)
	assert.Equal(t, subscription.NodeCreated, ev.Type)
	assert.Equal(t, inside, ev.NodeId)
	assert.Equal(t, x, ev.ParentId)

	require.True(t, m.RemoveNodes(ctx, []ids.NodeId{x}).Success)

	deleted := map[ids.NodeId]bool{}
	for len(deleted) < 2 {
		ev := mustReceive(t, h.Events)
		require.Equal(t, subscription.NodeDeleted, ev.Type)
		deleted[ev.NodeId] = true
	}
	assert.True(t, deleted[x])
	assert.True(t, deleted[inside])
}

func TestFacade_UndoRedoThroughAPI(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()
	q := f.GetQueryAPI()

	sub, err := f.GetSubscriptionAPI().SubscribeChildren(tree.RootNodeId, subscription.Options{})
	require.NoError(t, err)

	res := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Undone"})
	require.True(t, res.Success)
	ev := mustReceive(t, sub.Events)
	groupId := ev.GroupId

	require.True(t, m.Undo(groupId).Success)
	n, err := q.GetNode(res.NodeId)
	require.NoError(t, err)
	assert.Nil(t, n)

	require.True(t, m.Redo(groupId).Success)
	n, err = q.GetNode(res.NodeId)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "Undone", n.Name)
}

func TestFacade_DocumentPluginEndToEnd(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()

	res := m.CreateNode(ctx, mutation.CreateNodeInput{
		TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "document",
		Name: "Readme", EntityData: map[string]any{"text": "hello"},
	})
	require.True(t, res.Success, res.Error)

	// Documents are leaves: nothing may be created under one.
	child := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: res.NodeId, NodeType: "folder", Name: "Nope"})
	require.False(t, child.Success)
	assert.Equal(t, command.CodeIllegalRelation, child.Code)

	// The body travels with a duplicate.
	dup := m.DuplicateNodes(ctx, []ids.NodeId{res.NodeId}, tree.RootNodeId)
	require.True(t, dup.Success, dup.Error)
}

func TestFacade_WorkingCopyValidationAndUnsavedChanges(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	wcAPI := f.GetWorkingCopyAPI()

	draft, err := wcAPI.CreateDraftWorkingCopy(ctx, workingcopy.DraftInput{
		TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Draft",
	})
	require.NoError(t, err)

	require.NoError(t, wcAPI.ValidateWorkingCopy(ctx, draft.Id))

	bad := "bad/name"
	_, err = wcAPI.UpdateWorkingCopy(ctx, draft.Id, workingcopy.Patch{Name: &bad})
	require.NoError(t, err)
	err = wcAPI.ValidateWorkingCopy(ctx, draft.Id)
	require.Error(t, err)
	assert.Equal(t, command.CodeValidationError, command.CodeOf(err))

	unsaved, err := wcAPI.HasUnsavedChanges(draft.Id)
	require.NoError(t, err)
	assert.True(t, unsaved, "a draft is always unsaved")

	require.NoError(t, wcAPI.DiscardWorkingCopy(ctx, draft.Id))
	unsaved, err = wcAPI.HasUnsavedChanges(draft.Id)
	require.NoError(t, err)
	assert.False(t, unsaved)
}

func TestFacade_ClipboardRoundTrip(t *testing.T) {
	f, tree := testFacade(t)
	ctx := context.Background()
	m := f.GetMutationAPI()

	res := m.CreateNode(ctx, mutation.CreateNodeInput{TreeId: tree.TreeId, ParentId: tree.RootNodeId, NodeType: "folder", Name: "Pack"})
	require.True(t, res.Success)

	copyRes := m.CopyNodes(ctx, []ids.NodeId{res.NodeId})
	require.True(t, copyRes.Success)
	require.NotEmpty(t, copyRes.ClipboardData)

	pasteRes := m.PasteNodes(ctx, copyRes.ClipboardData, tree.RootNodeId, tree.TreeId, command.ConflictAutoRename)
	require.True(t, pasteRes.Success, pasteRes.Error)
	require.Len(t, pasteRes.NewNodeIds, 1)

	n, err := f.GetQueryAPI().GetNode(pasteRes.NewNodeIds[0])
	require.NoError(t, err)
	assert.Equal(t, "Pack (2)", n.Name)

	csv, err := m.ExportNodesCSV(ctx, []ids.NodeId{res.NodeId})
	require.NoError(t, err)
	assert.Contains(t, string(csv), "id,name,nodeType,parentId,createdAt,updatedAt")
}

func TestFacade_PluginRegistryAPI(t *testing.T) {
	f, _ := testFacade(t)
	reg := f.GetPluginRegistryAPI()

	assert.ElementsMatch(t, []string{"folder", "document"}, reg.ListSupportedNodeTypes())
	assert.True(t, reg.IsSupportedNodeType("document"))
	assert.False(t, reg.IsSupportedNodeType("spreadsheet"))

	ops := reg.GetSupportedOperations("document")
	assert.Contains(t, ops, "duplicate")

	require.NoError(t, reg.ValidateNodeTypeOperation("folder", "document"))
	err := reg.ValidateNodeTypeOperation("document", "folder")
	require.Error(t, err)
	assert.Equal(t, command.CodeIllegalRelation, command.CodeOf(err))
}

func TestDefaultInstanceReset(t *testing.T) {
	ResetInstance()
	first := Default()
	assert.Same(t, first, Default())
	ResetInstance()
	assert.NotSame(t, first, Default())
	ResetInstance()
}
