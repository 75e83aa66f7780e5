// Package plugin is the node-type registry and lifecycle layer:
// NodeTypeDefinition declarations, the EntityHandler contract plugin
// authors implement, lifecycle hooks the Mutation Service awaits in
// declared order, and a process-wide Registry with an explicit
// New/Register/Unregister API instead of init()-time globals.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/kubohiroya/hierarchidb-core/pkg/events"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
)

// EntityHandler is the async contract a plugin implements for its
// node type's ancillary storage (PeerEntity, RelationalEntity, Chunk).
// All methods run inside a transaction opened by the Mutation Service;
// handlers must not open their own top-level transactions.
type EntityHandler interface {
	CreateEntity(ctx context.Context, nodeId ids.NodeId, data any) error
	GetEntity(ctx context.Context, nodeId ids.NodeId) (any, error)
	UpdateEntity(ctx context.Context, nodeId ids.NodeId, patch any) error
	DeleteEntity(ctx context.Context, nodeId ids.NodeId) error

	// Working-copy hooks are required; the others are optional and
	// may be left nil / unimplemented by embedding BaseEntityHandler.
	CreateWorkingCopy(ctx context.Context, nodeId ids.NodeId) error
	CommitWorkingCopy(ctx context.Context, nodeId ids.NodeId) error
	DiscardWorkingCopy(ctx context.Context, nodeId ids.NodeId) error
}

// SubEntityHandler is an optional extension for plugins that also own
// Chunk-style sub-records under a node.
type SubEntityHandler interface {
	CreateSubEntity(ctx context.Context, nodeId ids.NodeId, data any) error
	GetSubEntities(ctx context.Context, nodeId ids.NodeId) ([]any, error)
	DeleteSubEntities(ctx context.Context, nodeId ids.NodeId) error
}

// DuplicatingHandler is implemented by plugins whose entity must be
// deep-copied (not just re-created empty) during duplicateNodes.
type DuplicatingHandler interface {
	Duplicate(ctx context.Context, sourceNodeId, newNodeId ids.NodeId) error
}

// BackupRestoreHandler is an optional extension for entities that need
// a dedicated export/import representation distinct from CreateEntity.
type BackupRestoreHandler interface {
	Backup(ctx context.Context, nodeId ids.NodeId) (any, error)
	Restore(ctx context.Context, nodeId ids.NodeId, data any) error
}

// CleanupHandler is called during permanent removal after
// DeleteEntity, for plugins with extra teardown (e.g. releasing a
// shared relational entity, see RefCountingHandler).
type CleanupHandler interface {
	Cleanup(ctx context.Context, nodeId ids.NodeId) error
}

// Hooks are the per-node-type lifecycle callbacks. Every field is
// optional; the Mutation Service awaits whichever are non-nil, in the
// declared order, and aborts the enclosing transaction on the first
// error.
type Hooks struct {
	BeforeCreate func(ctx context.Context, node *nodemodel.Node) error
	AfterCreate  func(ctx context.Context, node *nodemodel.Node) error
	BeforeUpdate func(ctx context.Context, node *nodemodel.Node) error
	AfterUpdate  func(ctx context.Context, node *nodemodel.Node) error
	BeforeDelete func(ctx context.Context, node *nodemodel.Node) error
	AfterDelete  func(ctx context.Context, node *nodemodel.Node) error
	BeforeMove   func(ctx context.Context, node *nodemodel.Node, newParentId ids.NodeId) error
	AfterMove    func(ctx context.Context, node *nodemodel.Node, oldParentId ids.NodeId) error
	BeforeDuplicate func(ctx context.Context, source *nodemodel.Node) error
	AfterDuplicate  func(ctx context.Context, source, copy_ *nodemodel.Node) error

	OnWorkingCopyCreated   func(ctx context.Context, nodeId ids.NodeId) error
	OnWorkingCopyCommitted func(ctx context.Context, nodeId ids.NodeId) error
	OnWorkingCopyDiscarded func(ctx context.Context, nodeId ids.NodeId) error
}

// Validators are optional plugin-declared validation rules beyond the
// generic name rules in pkg/nodemodel.
type Validators struct {
	NameRegex       string
	AllowedChildren []string
	MaxChildren     int
	// Async is a custom validator, e.g. checking a plugin-specific
	// field format. WorkingCopyAPI.ValidateWorkingCopy runs it (with
	// NameRegex) against a staged working copy; createNode and
	// updateNode do not run it.
	Async func(ctx context.Context, node *nodemodel.Node) error
}

// Capabilities are optional opt-in flags a node type declares to
// loosen default policies.
type Capabilities struct {
	// CascadeRemove allows removeNodes to delete this node type even
	// when cross-tree references still point into it, instead of
	// failing HAS_INBOUND_REFS.
	CascadeRemove bool
}

// SchemaSpec declares the stores (and their indices) a plugin needs,
// passed straight through to storage.Open as additional StoreSpecs.
type SchemaSpec struct {
	Version int
	Stores  []StoreDecl
}

// StoreDecl names one store and its indices, and which database it
// belongs in (CoreDB for durable PeerEntity/RelationalEntity/Chunk
// data, EphemeralDB only for plugin-owned transient view state).
type StoreDecl struct {
	Name      string
	Indices   []string
	Ephemeral bool
}

// NodeTypeDefinition is everything a plugin declares about one node
// type. UI component references are opaque strings;
// the core never interprets them.
type NodeTypeDefinition struct {
	NodeType      string
	DisplayName   string
	Description   string
	Schema        SchemaSpec
	Handler       EntityHandler
	Hooks         Hooks
	Validators    Validators
	Capabilities  Capabilities
	UIComponents  map[string]string
	// RelRefField, if set, names the field on this node type's entity
	// that stores the shared RelationalEntityId, enabling the base
	// reference-counting handler in refcount.go.
	RelRefField string
}

// EventKind enumerates registry diagnostic events.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventUnregistered EventKind = "unregistered"
	EventError        EventKind = "error"
)

// RegistryEvent is published on the registry's diagnostic stream.
type RegistryEvent struct {
	Kind     EventKind
	NodeType string
	Err      error
}

// Registry is the process-wide nodeType -> definition map. It is read
// mostly; registration is only expected during facade initialization
// or via an explicit reload that quiesces mutations.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*NodeTypeDefinition
	broker *events.Broker[RegistryEvent]
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{
		defs:   make(map[string]*NodeTypeDefinition),
		broker: events.NewBroker[RegistryEvent](),
	}
	r.broker.Start()
	return r
}

// Events returns the registry's diagnostic event broker so callers can
// Subscribe to registered/unregistered/error notifications.
func (r *Registry) Events() *events.Broker[RegistryEvent] { return r.broker }

// Register validates and adds a NodeTypeDefinition. Duplicate
// registration of an already-registered nodeType fails loudly.
func (r *Registry) Register(def *NodeTypeDefinition) error {
	if def.NodeType == "" {
		err := fmt.Errorf("nodeType must not be empty")
		r.broker.Publish(RegistryEvent{Kind: EventError, Err: err})
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.NodeType]; exists {
		err := fmt.Errorf("nodeType %q is already registered", def.NodeType)
		r.broker.Publish(RegistryEvent{Kind: EventError, NodeType: def.NodeType, Err: err})
		return err
	}

	for other, existing := range r.defs {
		if storesOverlap(existing.Schema, def.Schema) {
			err := fmt.Errorf("nodeType %q declares a store already owned by %q", def.NodeType, other)
			r.broker.Publish(RegistryEvent{Kind: EventError, NodeType: def.NodeType, Err: err})
			return err
		}
	}

	r.defs[def.NodeType] = def
	r.broker.Publish(RegistryEvent{Kind: EventRegistered, NodeType: def.NodeType})
	return nil
}

// Unregister removes a nodeType from the registry.
func (r *Registry) Unregister(nodeType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[nodeType]; !exists {
		return fmt.Errorf("nodeType %q is not registered", nodeType)
	}
	delete(r.defs, nodeType)
	r.broker.Publish(RegistryEvent{Kind: EventUnregistered, NodeType: nodeType})
	return nil
}

// Reload unregisters (if present) and re-registers def, used for
// additive schema-version bumps during facade `initializing`.
func (r *Registry) Reload(def *NodeTypeDefinition) error {
	r.mu.Lock()
	_, existed := r.defs[def.NodeType]
	if existed {
		delete(r.defs, def.NodeType)
	}
	r.mu.Unlock()

	if err := r.Register(def); err != nil {
		if existed {
			// best-effort: nothing else to roll back to, the failed
			// definition never replaced the map entry.
		}
		return err
	}
	return nil
}

// Get returns the definition for nodeType, or false if unregistered.
func (r *Registry) Get(nodeType string) (*NodeTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[nodeType]
	return def, ok
}

// IsSupported reports whether nodeType is registered.
func (r *Registry) IsSupported(nodeType string) bool {
	_, ok := r.Get(nodeType)
	return ok
}

// List returns every registered node type string, sorted is not
// guaranteed; callers needing stable order should sort themselves.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for nt := range r.defs {
		out = append(out, nt)
	}
	return out
}

// AllowedChildTypes returns the child-type whitelist declared for
// parentType, or nil if the plugin places no restriction.
func (r *Registry) AllowedChildTypes(parentType string) []string {
	def, ok := r.Get(parentType)
	if !ok {
		return nil
	}
	return def.Validators.AllowedChildren
}

func storesOverlap(a, b SchemaSpec) bool {
	names := make(map[string]struct{}, len(a.Stores))
	for _, s := range a.Stores {
		names[s.Name] = struct{}{}
	}
	for _, s := range b.Stores {
		if _, ok := names[s.Name]; ok {
			return true
		}
	}
	return false
}
