// Package worker is the Worker API Facade: it composes the storage
// engine, plugin registry, working-copy manager, command processor,
// mutation, query and subscription services behind one
// lifecycle-managed entry point, and owns the process-wide instance
// lifecycle (initialize, ready, shutdown).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kubohiroya/hierarchidb-core/pkg/changefeed"
	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/config"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/log"
	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
	"github.com/kubohiroya/hierarchidb-core/pkg/mutation"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugins/document"
	"github.com/kubohiroya/hierarchidb-core/pkg/plugins/folder"
	"github.com/kubohiroya/hierarchidb-core/pkg/query"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
	"github.com/kubohiroya/hierarchidb-core/pkg/subscription"
	"github.com/kubohiroya/hierarchidb-core/pkg/workingcopy"
)

// State is the facade lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateShuttingDown  State = "shuttingDown"
	StateClosed        State = "closed"
	StateError         State = "error"
)

// Options configures a Facade.
type Options struct {
	Config config.Config
	// Generator defaults to the UUID generator.
	Generator ids.Generator
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Definitions are extra node-type plugins registered alongside the
	// built-ins named in Config.Plugins.
	Definitions []*plugin.NodeTypeDefinition
}

// Facade owns the whole core. All state below engine is rebuilt by
// Initialize and torn down by Shutdown.
type Facade struct {
	mu    sync.RWMutex
	state State

	cfg   config.Config
	gen   ids.Generator
	clock func() time.Time
	extra []*plugin.NodeTypeDefinition

	engine    *storage.Engine
	registry  *plugin.Registry
	wc        *workingcopy.Manager
	processor *command.Processor
	query     *query.Service
	subs      *subscription.Service
	mutation  *mutation.Service

	startedAt time.Time
}

// New builds an uninitialized Facade.
func New(opts Options) *Facade {
	gen := opts.Generator
	if gen == nil {
		gen = ids.NewUUIDGenerator()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Facade{
		state: StateUninitialized,
		cfg:   opts.Config,
		gen:   gen,
		clock: clock,
		extra: opts.Definitions,
	}
}

var (
	defaultMu     sync.Mutex
	defaultFacade *Facade
)

// Default returns the process-wide facade, creating an uninitialized
// one with default configuration on first use.
func Default() *Facade {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultFacade == nil {
		defaultFacade = New(Options{Config: config.Default()})
	}
	return defaultFacade
}

// ResetInstance discards the process-wide facade so tests start clean.
// The previous instance, if initialized, should be Shutdown first.
func ResetInstance() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFacade = nil
}

// baseCoreStores declares CoreDB's fixed stores and indices.
func baseCoreStores() []storage.StoreSpec {
	return []storage.StoreSpec{
		{Name: nodemodel.StoreTrees},
		{Name: nodemodel.StoreNodes, Indices: []string{
			nodemodel.IndexParentName,
			nodemodel.IndexParentUpdatedAt,
			nodemodel.IndexRemovedAt,
			nodemodel.IndexOriginalParent,
			nodemodel.IndexReferences,
		}},
		{Name: nodemodel.StoreRootStates, Indices: []string{nodemodel.IndexTreeRootKind}},
	}
}

// baseEphemeralStores declares EphemeralDB's fixed stores.
func baseEphemeralStores() []storage.StoreSpec {
	return []storage.StoreSpec{
		{Name: nodemodel.StoreWorkingCopies, Indices: []string{nodemodel.IndexOriginalNodeId}},
		{Name: nodemodel.StoreViewStates},
	}
}

// Initialize opens both databases, registers plugins, and wires the
// services. Valid only from uninitialized (or closed, for restart).
func (f *Facade) Initialize(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateUninitialized && f.state != StateClosed {
		state := f.state
		f.mu.Unlock()
		return command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("initialize from state %s", state))
	}
	f.state = StateInitializing
	f.mu.Unlock()

	engine, err := storage.Open(f.cfg.DataDir, baseCoreStores(), baseEphemeralStores())
	if err != nil {
		f.setState(StateError)
		metrics.RegisterComponent(metrics.ComponentCoreDB, false, err.Error())
		metrics.RegisterComponent(metrics.ComponentEphemeralDB, false, err.Error())
		return err
	}

	registry := plugin.New()
	queryService := query.New(engine, f.cfg.ChildrenCacheSize)
	subs := subscription.New(queryService, f.clock)
	wcManager := workingcopy.New(engine, f.gen, registry, f.clock)
	processor := command.NewProcessor(f.cfg.RingBufferSize)
	mutationService := mutation.New(engine, f.gen, registry, wcManager, processor, feed{q: queryService, subs: subs}, f.clock)

	f.mu.Lock()
	f.engine = engine
	f.registry = registry
	f.query = queryService
	f.subs = subs
	f.wc = wcManager
	f.processor = processor
	f.mutation = mutationService
	f.startedAt = f.clock()
	f.mu.Unlock()

	for _, def := range f.pluginDefinitions() {
		if err := f.registerDefinition(def); err != nil {
			_ = engine.Close()
			f.setState(StateError)
			return err
		}
	}

	f.setState(StateReady)
	metrics.RegisterComponent(metrics.ComponentCoreDB, true, "")
	metrics.RegisterComponent(metrics.ComponentEphemeralDB, true, "")
	workerLog := log.For("worker")
	workerLog.Info().Msg("facade initialized")
	return nil
}

// pluginDefinitions resolves Config.Plugins names plus the extra
// definitions supplied at construction.
func (f *Facade) pluginDefinitions() []*plugin.NodeTypeDefinition {
	var defs []*plugin.NodeTypeDefinition
	for _, name := range f.cfg.Plugins {
		switch name {
		case folder.NodeType:
			defs = append(defs, folder.Definition())
		case document.NodeType:
			defs = append(defs, document.Definition(f.engine))
		default:
			workerLog := log.For("worker")
			workerLog.Warn().Str("plugin", name).Msg("unknown built-in plugin skipped")
		}
	}
	return append(defs, f.extra...)
}

// registerDefinition ensures the plugin's declared stores exist, then
// registers it.
func (f *Facade) registerDefinition(def *plugin.NodeTypeDefinition) error {
	var core, ephemeral []storage.StoreSpec
	for _, s := range def.Schema.Stores {
		spec := storage.StoreSpec{Name: s.Name, Indices: s.Indices}
		if s.Ephemeral {
			ephemeral = append(ephemeral, spec)
		} else {
			core = append(core, spec)
		}
	}
	if err := f.engine.EnsureStores(core, ephemeral); err != nil {
		return err
	}
	if err := f.registry.Register(def); err != nil {
		return err
	}
	metrics.RegisteredNodeTypes.Set(float64(len(f.registry.List())))
	return nil
}

// Shutdown cancels all subscriptions, discards nothing (working copies
// survive in EphemeralDB until its file is reopened or discarded
// explicitly), and closes both databases.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateReady && f.state != StateError {
		state := f.state
		f.mu.Unlock()
		return command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("shutdown from state %s", state))
	}
	f.state = StateShuttingDown
	engine := f.engine
	subs := f.subs
	f.mu.Unlock()

	if subs != nil {
		subs.UnsubscribeAll()
	}
	var err error
	if engine != nil {
		err = engine.Close()
	}
	f.setState(StateClosed)
	metrics.RegisterComponent(metrics.ComponentCoreDB, false, "closed")
	metrics.RegisterComponent(metrics.ComponentEphemeralDB, false, "closed")
	workerLog := log.For("worker")
	workerLog.Info().Msg("facade shut down")
	return err
}

// State returns the current lifecycle state.
func (f *Facade) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Facade) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// requireReady gates every API call on the ready state, per the facade
// state machine.
func (f *Facade) requireReady() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state != StateReady {
		return command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("facade is %s, not ready", f.state))
	}
	return nil
}

// SystemHealth is the getSystemHealth report.
type SystemHealth struct {
	State               State  `json:"state"`
	CoreDBOpen          bool   `json:"coreDbOpen"`
	EphemeralDBOpen     bool   `json:"ephemeralDbOpen"`
	RingBufferDepth     int    `json:"ringBufferDepth"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	RegisteredNodeTypes int    `json:"registeredNodeTypes"`
	Uptime              string `json:"uptime"`
}

// GetSystemHealth reports per-component status. Available in every
// state.
func (f *Facade) GetSystemHealth() SystemHealth {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h := SystemHealth{State: f.state}
	if f.state == StateReady {
		h.CoreDBOpen = true
		h.EphemeralDBOpen = true
		h.RingBufferDepth = f.processor.Depth()
		h.ActiveSubscriptions = f.subs.Count()
		h.RegisteredNodeTypes = len(f.registry.List())
		h.Uptime = f.clock().Sub(f.startedAt).String()
	}
	return h
}

// CreateTree mints a new tree with its three well-known roots and
// persists all four records plus rootStates entries in one CoreDB
// transaction.
func (f *Facade) CreateTree(name string) (*nodemodel.Tree, error) {
	if err := f.requireReady(); err != nil {
		return nil, err
	}

	now := f.clock()
	tree := &nodemodel.Tree{
		TreeId:          f.gen.NewTreeId(),
		Name:            name,
		SuperRootNodeId: f.gen.NewNodeId(),
		RootNodeId:      f.gen.NewNodeId(),
		TrashRootNodeId: f.gen.NewNodeId(),
	}

	roots := []struct {
		id       ids.NodeId
		parentId ids.NodeId
		kind     ids.RootKind
		name     string
	}{
		{tree.SuperRootNodeId, tree.SuperRootNodeId, ids.RootKindSuper, "SuperRoot"},
		{tree.RootNodeId, tree.SuperRootNodeId, ids.RootKindRoot, "Root"},
		{tree.TrashRootNodeId, tree.SuperRootNodeId, ids.RootKindTrash, "Trash"},
	}

	err := f.engine.Core().Update(func(tx *storage.Tx) error {
		treeData, err := json.Marshal(tree)
		if err != nil {
			return err
		}
		if err := tx.Put(nodemodel.StoreTrees, []byte(tree.TreeId), treeData); err != nil {
			return err
		}
		for _, r := range roots {
			n := &nodemodel.Node{
				Id: r.id, TreeId: tree.TreeId, ParentId: r.parentId,
				NodeType: rootNodeType(r.kind), Name: r.name,
				CreatedAt: now, UpdatedAt: now, Version: 1,
			}
			data, err := n.Encode()
			if err != nil {
				return err
			}
			if err := tx.Put(nodemodel.StoreNodes, []byte(r.id), data); err != nil {
				return err
			}
			if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexParentName, nodemodel.ParentNameKey(r.parentId, nodemodel.NormalizeName(r.name)), []byte(r.id), true); err != nil {
				return err
			}
			if err := tx.IndexPut(nodemodel.StoreNodes, nodemodel.IndexParentUpdatedAt, nodemodel.ParentUpdatedAtKey(r.parentId, now, r.id), []byte(r.id), false); err != nil {
				return err
			}

			state := map[string]any{"treeId": tree.TreeId, "rootKind": r.kind, "nodeId": r.id}
			stateData, err := json.Marshal(state)
			if err != nil {
				return err
			}
			stateKey := nodemodel.TreeRootKindKey(tree.TreeId, r.kind)
			if err := tx.Put(nodemodel.StoreRootStates, stateKey, stateData); err != nil {
				return err
			}
			if err := tx.IndexPut(nodemodel.StoreRootStates, nodemodel.IndexTreeRootKind, stateKey, []byte(r.id), true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	treeLog := log.Tree(log.For("worker"), string(tree.TreeId))
	treeLog.Info().Msg("tree created")
	return tree, nil
}

func rootNodeType(kind ids.RootKind) string {
	switch kind {
	case ids.RootKindSuper:
		return "superRoot"
	case ids.RootKindTrash:
		return "trashRoot"
	default:
		return "root"
	}
}

// guardRoots rejects operations that would move or destroy one of a
// tree's three well-known roots; they are permanent fixtures.
func (f *Facade) guardRoots(nodeIds []ids.NodeId) error {
	for _, nodeId := range nodeIds {
		n, err := f.query.GetNode(nodeId)
		if err != nil {
			// Let the mutation path produce its own NODE_NOT_FOUND.
			continue
		}
		tree, err := f.query.GetTree(n.TreeId)
		if err != nil {
			continue
		}
		if tree.IsRoot(nodeId) {
			return command.NewCodedError(command.CodeInvalidOperation, fmt.Errorf("node %s is a tree root and cannot be moved or removed", nodeId))
		}
	}
	return nil
}

// feed is the changefeed.Publisher the mutation service writes to: it
// keeps the query service's children cache honest, then hands the
// change to the subscription service for delivery.
type feed struct {
	q    *query.Service
	subs *subscription.Service
}

func (p feed) Publish(c changefeed.Change) {
	if c.Node != nil {
		p.q.InvalidateChildren(c.Node.ParentId)
	}
	if c.OldParentId != "" {
		p.q.InvalidateChildren(c.OldParentId)
	}
	p.subs.Publish(c)
}
