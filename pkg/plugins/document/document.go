// Package document registers the built-in leaf node type carrying a
// text body as its PeerEntity. It exercises the full EntityHandler
// surface: a CoreDB store for committed bodies, an EphemeralDB store
// for staged drafts, and deep duplication.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

// NodeType is the registry key for documents.
const NodeType = "document"

// Store names. Bodies are durable; drafts are per-session staging for
// open working copies.
const (
	StoreBodies = "documentBodies"
	StoreDrafts = "documentDrafts"
)

// Body is the document PeerEntity, keyed by NodeId.
type Body struct {
	Text        string    `json:"text"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Handler persists document bodies.
type Handler struct {
	Engine *storage.Engine
	Clock  func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// Definition returns the document NodeTypeDefinition bound to engine.
func Definition(engine *storage.Engine) *plugin.NodeTypeDefinition {
	return &plugin.NodeTypeDefinition{
		NodeType:    NodeType,
		DisplayName: "Document",
		Description: "A leaf node holding a text body",
		Schema: plugin.SchemaSpec{
			Version: 1,
			Stores: []plugin.StoreDecl{
				{Name: StoreBodies},
				{Name: StoreDrafts, Ephemeral: true},
			},
		},
		Handler: &Handler{Engine: engine},
		Validators: plugin.Validators{
			// Documents are leaves.
			AllowedChildren: []string{},
		},
		UIComponents: map[string]string{
			"icon":   "description",
			"dialog": "DocumentDialog",
			"panel":  "DocumentPreview",
		},
	}
}

// CreateEntity stores the initial body. data may be a Body, *Body, or
// a JSON object with a "text" field; a nil payload creates an empty
// body so every committed document has one.
func (h *Handler) CreateEntity(ctx context.Context, nodeId ids.NodeId, data any) error {
	body, err := toBody(data)
	if err != nil {
		return fmt.Errorf("document %s: %w", nodeId, err)
	}
	body.UpdatedAt = h.now()
	return h.putBody(ctx, nodeId, body)
}

// GetEntity returns the committed body, or nil if the document has
// none yet.
func (h *Handler) GetEntity(ctx context.Context, nodeId ids.NodeId) (any, error) {
	var body *Body
	read := func(tx *storage.Tx) error {
		raw, err := tx.Get(StoreBodies, []byte(nodeId))
		if err != nil {
			return err
		}
		var b Body
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		body = &b
		return nil
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
	return body, nil
}

// UpdateEntity replaces the body with patch (documents have a single
// text payload; field-wise merging buys nothing here).
func (h *Handler) UpdateEntity(ctx context.Context, nodeId ids.NodeId, patch any) error {
	if patch == nil {
		return nil
	}
	body, err := toBody(patch)
	if err != nil {
		return fmt.Errorf("document %s: %w", nodeId, err)
	}
	body.UpdatedAt = h.now()
	return h.putBody(ctx, nodeId, body)
}

// DeleteEntity removes the committed body; absent is a no-op.
func (h *Handler) DeleteEntity(ctx context.Context, nodeId ids.NodeId) error {
	return storage.InTx(ctx, storage.CoreDB, h.Engine.Core(), func(tx *storage.Tx) error {
		return tx.Delete(StoreBodies, []byte(nodeId))
	})
}

// CreateWorkingCopy stages a draft body snapshot so edits can be
// abandoned without touching the committed text.
func (h *Handler) CreateWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	committed, err := h.GetEntity(ctx, nodeId)
	if err != nil {
		return err
	}
	draft := &Body{}
	if committed != nil {
		if err := copier.Copy(draft, committed); err != nil {
			return fmt.Errorf("stage document draft %s: %w", nodeId, err)
		}
	}
	data, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	return storage.InTx(ctx, storage.EphemeralDB, h.Engine.Ephemeral(), func(tx *storage.Tx) error {
		return tx.Put(StoreDrafts, []byte(nodeId), data)
	})
}

// CommitWorkingCopy drops the staged draft; the final body has already
// been written through UpdateEntity/CreateEntity by the commit
// protocol.
func (h *Handler) CommitWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	return h.discardDraft(ctx, nodeId)
}

// DiscardWorkingCopy drops the staged draft.
func (h *Handler) DiscardWorkingCopy(ctx context.Context, nodeId ids.NodeId) error {
	return h.discardDraft(ctx, nodeId)
}

// Duplicate copies the committed body of sourceNodeId to newNodeId.
func (h *Handler) Duplicate(ctx context.Context, sourceNodeId, newNodeId ids.NodeId) error {
	source, err := h.GetEntity(ctx, sourceNodeId)
	if err != nil {
		return err
	}
	if source == nil {
		return nil
	}
	var body Body
	if err := copier.Copy(&body, source); err != nil {
		return fmt.Errorf("duplicate document %s: %w", sourceNodeId, err)
	}
	return h.putBody(ctx, newNodeId, &body)
}

func (h *Handler) discardDraft(ctx context.Context, nodeId ids.NodeId) error {
	return storage.InTx(ctx, storage.EphemeralDB, h.Engine.Ephemeral(), func(tx *storage.Tx) error {
		return tx.Delete(StoreDrafts, []byte(nodeId))
	})
}

func (h *Handler) putBody(ctx context.Context, nodeId ids.NodeId, body *Body) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return storage.InTx(ctx, storage.CoreDB, h.Engine.Core(), func(tx *storage.Tx) error {
		return tx.Put(StoreBodies, []byte(nodeId), data)
	})
}

func toBody(data any) (*Body, error) {
	switch v := data.(type) {
	case nil:
		return &Body{}, nil
	case *Body:
		return v, nil
	case Body:
		return &v, nil
	case string:
		return &Body{Text: v}, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var b Body
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("payload is not a document body: %w", err)
		}
		return &b, nil
	}
}
