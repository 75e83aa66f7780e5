package workingcopy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

type fixedGen struct{ n int }

func (g *fixedGen) next() string {
	g.n++
	return "id-" + itoa(g.n)
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func (g *fixedGen) NewTreeId() ids.TreeId               { return ids.TreeId(g.next()) }
func (g *fixedGen) NewNodeId() ids.NodeId               { return ids.NodeId(g.next()) }
func (g *fixedGen) NewEntityId() ids.EntityId           { return ids.EntityId(g.next()) }
func (g *fixedGen) NewCommandId() ids.CommandId         { return ids.CommandId(g.next()) }
func (g *fixedGen) NewCommandGroupId() ids.CommandGroupId { return ids.CommandGroupId(g.next()) }

func testManager(t *testing.T) (*Manager, *storage.Engine) {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), []storage.StoreSpec{
		{Name: nodemodel.StoreNodes, Indices: []string{nodemodel.IndexParentName, nodemodel.IndexParentUpdatedAt}},
	}, []storage.StoreSpec{
		{Name: nodemodel.StoreWorkingCopies},
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	registry := plugin.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	return New(engine, &fixedGen{}, registry, clock), engine
}

func TestManager_CreateDraftAndCommit(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	wc, err := m.CreateDraft(ctx, DraftInput{
		TreeId:   "tree-1",
		ParentId: "root-1",
		NodeType: "folder",
		Name:     "Documents",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, wc.Id)

	committed, err := m.Commit(ctx, wc.Id, CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), committed.Version)
	assert.Nil(t, committed.IsDraft)

	open, err := m.Get(wc.Id)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestManager_CommitNameConflictError(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Same"})
	require.NoError(t, err)
	_, err = m.Commit(ctx, first.Id, CommitOptions{})
	require.NoError(t, err)

	second, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Same"})
	require.NoError(t, err)
	_, err = m.Commit(ctx, second.Id, CommitOptions{})
	require.Error(t, err)
	assert.Equal(t, command.CodeNameNotUnique, command.CodeOf(err))
}

func TestManager_CommitNameConflictAutoRename(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Same"})
	require.NoError(t, err)
	_, err = m.Commit(ctx, first.Id, CommitOptions{})
	require.NoError(t, err)

	second, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Same"})
	require.NoError(t, err)
	committed, err := m.Commit(ctx, second.Id, CommitOptions{OnNameConflict: command.ConflictAutoRename})
	require.NoError(t, err)
	assert.Equal(t, "Same (2)", committed.Name)
}

func TestManager_CommitConflictOnConcurrentEdit(t *testing.T) {
	m, engine := testManager(t)
	ctx := context.Background()

	draft, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Original"})
	require.NoError(t, err)
	committed, err := m.Commit(ctx, draft.Id, CommitOptions{})
	require.NoError(t, err)

	edit, err := m.CreateFromNode(ctx, committed.Id)
	require.NoError(t, err)

	// Another writer bumps the node under the open working copy.
	bumped := committed.Clone()
	bumped.Version++
	data, err := bumped.Encode()
	require.NoError(t, err)
	require.NoError(t, engine.Core().Update(func(tx *storage.Tx) error {
		return tx.Put(nodemodel.StoreNodes, []byte(committed.Id), data)
	}))

	name := "Renamed behind the times"
	_, err = m.Update(ctx, edit.Id, Patch{Name: &name})
	require.NoError(t, err)
	_, err = m.Commit(ctx, edit.Id, CommitOptions{})
	require.Error(t, err)
	assert.Equal(t, command.CodeCommitConflict, command.CodeOf(err))

	// The working copy survives the failed commit so the user can
	// retry or discard.
	open, err := m.Get(edit.Id)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, name, open.Name)
}

func TestManager_DiscardIsIdempotent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.Discard(ctx, "never-opened"))

	draft, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Temp"})
	require.NoError(t, err)
	require.NoError(t, m.Discard(ctx, draft.Id))
	require.NoError(t, m.Discard(ctx, draft.Id))

	open, err := m.Get(draft.Id)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestManager_CreateDraftHookFailureRollsBack(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	hookErr := errors.New("entity store unavailable")
	require.NoError(t, m.registry.Register(&plugin.NodeTypeDefinition{
		NodeType: "fragile",
		Hooks: plugin.Hooks{
			OnWorkingCopyCreated: func(ctx context.Context, nodeId ids.NodeId) error {
				return hookErr
			},
		},
	}))

	_, err := m.CreateDraft(ctx, DraftInput{TreeId: "t", ParentId: "root", NodeType: "fragile", Name: "Doomed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, hookErr)

	// The half-created working copy must not survive the failed hook.
	open, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestManager_CommitMissingWorkingCopy(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Commit(context.Background(), "nope", CommitOptions{})
	require.Error(t, err)
	assert.Equal(t, command.CodeWorkingCopyNotFound, command.CodeOf(err))
}
