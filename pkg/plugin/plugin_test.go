package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

func TestRegistry_RegisterAndDuplicate(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(&NodeTypeDefinition{NodeType: "folder"}))
	assert.True(t, r.IsSupported("folder"))

	err := r.Register(&NodeTypeDefinition{NodeType: "folder"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_RejectsEmptyNodeType(t *testing.T) {
	r := New()
	require.Error(t, r.Register(&NodeTypeDefinition{}))
}

func TestRegistry_RejectsOverlappingStores(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&NodeTypeDefinition{
		NodeType: "document",
		Schema:   SchemaSpec{Version: 1, Stores: []StoreDecl{{Name: "bodies"}}},
	}))

	err := r.Register(&NodeTypeDefinition{
		NodeType: "note",
		Schema:   SchemaSpec{Version: 1, Stores: []StoreDecl{{Name: "bodies"}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already owned")
}

func TestRegistry_UnregisterAndEvents(t *testing.T) {
	r := New()
	sub := r.Events().Subscribe()
	defer r.Events().Unsubscribe(sub)

	require.NoError(t, r.Register(&NodeTypeDefinition{NodeType: "folder"}))
	ev := <-sub
	assert.Equal(t, EventRegistered, ev.Kind)
	assert.Equal(t, "folder", ev.NodeType)

	require.NoError(t, r.Unregister("folder"))
	ev = <-sub
	assert.Equal(t, EventUnregistered, ev.Kind)
	assert.False(t, r.IsSupported("folder"))

	require.Error(t, r.Unregister("folder"))
}

func TestRegistry_AllowedChildTypes(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&NodeTypeDefinition{
		NodeType:   "album",
		Validators: Validators{AllowedChildren: []string{"photo"}},
	}))

	assert.Equal(t, []string{"photo"}, r.AllowedChildTypes("album"))
	assert.Nil(t, r.AllowedChildTypes("unknown"))
}

func refCountEngine(t *testing.T) *storage.Engine {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), []storage.StoreSpec{
		{Name: "peers"},
		{Name: "shared"},
		{Name: "chunks"},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestRefCountingHandler_DeletesSharedEntityWithLastPeer(t *testing.T) {
	engine := refCountEngine(t)
	ctx := context.Background()
	h := &RefCountingHandler{
		Engine:      engine,
		PeerStore:   "peers",
		RelStore:    "shared",
		ChunkStores: []string{"chunks"},
		RelRefField: "styleId",
	}

	require.NoError(t, engine.Core().Update(func(tx *storage.Tx) error {
		if err := tx.Put("shared", []byte("style-1"), []byte(`{"palette":"dark"}`)); err != nil {
			return err
		}
		if err := tx.Put("chunks", []byte("style-1\x000"), []byte("blob")); err != nil {
			return err
		}
		return tx.Put("chunks", []byte("style-2\x000"), []byte("other"))
	}))

	require.NoError(t, h.CreateEntity(ctx, "n1", map[string]any{"styleId": "style-1"}))
	require.NoError(t, h.CreateEntity(ctx, "n2", map[string]any{"styleId": "style-1"}))

	count, err := h.RefCount(ids.EntityId("style-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// First peer goes: the shared entity must survive.
	require.NoError(t, h.DeleteEntity(ctx, "n1"))
	require.NoError(t, engine.Core().View(func(tx *storage.Tx) error {
		_, err := tx.Get("shared", []byte("style-1"))
		return err
	}))

	// Last peer goes: shared entity and its chunks go with it.
	require.NoError(t, h.DeleteEntity(ctx, "n2"))
	err = engine.Core().View(func(tx *storage.Tx) error {
		_, err := tx.Get("shared", []byte("style-1"))
		return err
	})
	assert.Equal(t, storage.ErrNotFound, err)

	require.NoError(t, engine.Core().View(func(tx *storage.Tx) error {
		if _, err := tx.Get("chunks", []byte("style-1\x000")); err != storage.ErrNotFound {
			t.Errorf("chunk for deleted entity still present, err=%v", err)
		}
		_, err := tx.Get("chunks", []byte("style-2\x000"))
		return err
	}))
}

func TestRefCountingHandler_UpdateMerges(t *testing.T) {
	engine := refCountEngine(t)
	ctx := context.Background()
	h := &RefCountingHandler{Engine: engine, PeerStore: "peers", RelRefField: "relId"}

	require.NoError(t, h.CreateEntity(ctx, "n1", map[string]any{"relId": "r1", "title": "old"}))
	require.NoError(t, h.UpdateEntity(ctx, "n1", map[string]any{"title": "new"}))

	got, err := h.GetEntity(ctx, "n1")
	require.NoError(t, err)
	obj := got.(map[string]any)
	assert.Equal(t, "new", obj["title"])
	assert.Equal(t, "r1", obj["relId"])
}

func TestRefCountingHandler_DeleteAbsentPeerIsNoop(t *testing.T) {
	engine := refCountEngine(t)
	h := &RefCountingHandler{Engine: engine, PeerStore: "peers", RelStore: "shared", RelRefField: "relId"}
	require.NoError(t, h.DeleteEntity(context.Background(), "ghost"))
}
