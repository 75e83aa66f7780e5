package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

// BaseEntityHandler is a no-op EntityHandler plugins embed to pick up
// default implementations for the methods they don't care about. A
// node type with no ancillary storage at all can use it directly.
type BaseEntityHandler struct{}

func (BaseEntityHandler) CreateEntity(ctx context.Context, nodeId ids.NodeId, data any) error {
	return nil
}

func (BaseEntityHandler) GetEntity(ctx context.Context, nodeId ids.NodeId) (any, error) {
	return nil, nil
}

func (BaseEntityHandler) UpdateEntity(ctx context.Context, nodeId ids.NodeId, patch any) error {
	return nil
}

func (BaseEntityHandler) DeleteEntity(ctx context.Context, nodeId ids.NodeId) error {
	return nil
}

func (BaseEntityHandler) CreateWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	return nil
}

func (BaseEntityHandler) CommitWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	return nil
}

func (BaseEntityHandler) DiscardWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	return nil
}

// RefCountingHandler is a base handler for plugins whose nodes share
// a RelationalEntity: each node owns a peer
// record in PeerStore, the peer record names the shared entity via
// RelRefField, and the shared entity (plus its chunk stores) is
// deleted when the last peer referencing it goes away.
//
// Records are stored as JSON objects; RefCountingHandler never
// interprets fields beyond RelRefField, so plugins can shape their
// entities freely as long as the reference field is a string.
type RefCountingHandler struct {
	BaseEntityHandler

	Engine      *storage.Engine
	PeerStore   string
	RelStore    string
	ChunkStores []string
	RelRefField string
}

// CreateEntity stores data as nodeId's peer record. data must be a
// JSON object (map or struct); scalar payloads have no field to carry
// RelRefField and are rejected.
func (h *RefCountingHandler) CreateEntity(ctx context.Context, nodeId ids.NodeId, data any) error {
	obj, err := toObject(data)
	if err != nil {
		return fmt.Errorf("create peer entity for %s: %w", nodeId, err)
	}
	return h.putPeer(ctx, nodeId, obj)
}

// GetEntity returns nodeId's peer record, or nil if none exists.
func (h *RefCountingHandler) GetEntity(ctx context.Context, nodeId ids.NodeId) (any, error) {
	var out map[string]any
	read := func(tx *storage.Tx) error {
		raw, err := tx.Get(h.PeerStore, []byte(nodeId))
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &out)
	}
	var err error
	if tx, ok := storage.CoreTxOf(ctx); ok {
		err = read(tx)
	} else {
		err = h.Engine.Core().View(read)
	}
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntity merges patch's fields over the existing peer record,
// creating it if absent.
func (h *RefCountingHandler) UpdateEntity(ctx context.Context, nodeId ids.NodeId, patch any) error {
	if patch == nil {
		return nil
	}
	obj, err := toObject(patch)
	if err != nil {
		return fmt.Errorf("update peer entity for %s: %w", nodeId, err)
	}
	current, err := h.GetEntity(ctx, nodeId)
	if err != nil {
		return err
	}
	merged, _ := current.(map[string]any)
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, v := range obj {
		merged[k] = v
	}
	return h.putPeer(ctx, nodeId, merged)
}

// DeleteEntity removes nodeId's peer record and, if it was the last
// peer referencing the shared relational entity, the relational entity
// and every chunk record keyed under it.
func (h *RefCountingHandler) DeleteEntity(ctx context.Context, nodeId ids.NodeId) error {
	return storage.InTx(ctx, storage.CoreDB, h.Engine.Core(), func(tx *storage.Tx) error {
		raw, err := tx.Get(h.PeerStore, []byte(nodeId))
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var peer map[string]any
		if err := json.Unmarshal(raw, &peer); err != nil {
			return fmt.Errorf("decode peer entity %s: %w", nodeId, err)
		}

		if err := tx.Delete(h.PeerStore, []byte(nodeId)); err != nil {
			return err
		}

		relId, _ := peer[h.RelRefField].(string)
		if relId == "" || h.RelStore == "" {
			return nil
		}

		remaining, err := h.countPeers(tx, relId, nodeId)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		if err := tx.Delete(h.RelStore, []byte(relId)); err != nil {
			return err
		}
		for _, chunkStore := range h.ChunkStores {
			if err := deleteByPrefix(tx, chunkStore, []byte(relId)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RefCount returns how many peers currently reference relId, used by
// plugins to report sharing in their own diagnostics.
func (h *RefCountingHandler) RefCount(relId ids.EntityId) (int, error) {
	count := 0
	err := h.Engine.Core().View(func(tx *storage.Tx) error {
		n, err := h.countPeers(tx, string(relId), "")
		count = n
		return err
	})
	return count, err
}

func (h *RefCountingHandler) countPeers(tx *storage.Tx, relId string, exclude ids.NodeId) (int, error) {
	count := 0
	err := tx.ForEach(h.PeerStore, func(key, value []byte) error {
		if string(key) == string(exclude) {
			return nil
		}
		var peer map[string]any
		if err := json.Unmarshal(value, &peer); err != nil {
			return err
		}
		if ref, _ := peer[h.RelRefField].(string); ref == relId {
			count++
		}
		return nil
	})
	return count, err
}

func (h *RefCountingHandler) putPeer(ctx context.Context, nodeId ids.NodeId, obj map[string]any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return storage.InTx(ctx, storage.CoreDB, h.Engine.Core(), func(tx *storage.Tx) error {
		return tx.Put(h.PeerStore, []byte(nodeId), data)
	})
}

// toObject normalizes any JSON-object-shaped value (map, struct,
// json.RawMessage) into a map.
func toObject(data any) (map[string]any, error) {
	if m, ok := data.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("entity payload is not a JSON object: %w", err)
	}
	return out, nil
}

// deleteByPrefix removes every record in store whose key begins with
// prefix. Chunk stores key their records "<entityId>\x00<chunkNo>".
func deleteByPrefix(tx *storage.Tx, store string, prefix []byte) error {
	var doomed [][]byte
	err := tx.ForEach(store, func(key, _ []byte) error {
		if len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix) {
			k := make([]byte, len(key))
			copy(k, key)
			doomed = append(doomed, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := tx.Delete(store, k); err != nil {
			return err
		}
	}
	return nil
}
