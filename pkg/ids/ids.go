// Package ids defines the branded identifier types used throughout the
// core and the generator capability that mints them.
//
// The core never mints an ID from user input; every identifier enters
// the system through a Generator implementation injected at facade
// construction time.
package ids

import "github.com/google/uuid"

// TreeId identifies a tree.
type TreeId string

// NodeId identifies a node, live or working-copy.
type NodeId string

// EntityId identifies a plugin-owned RelationalEntity.
type EntityId string

// WorkingCopyId identifies a working copy. In practice it is equal to
// the NodeId it shadows (draft or edit), but it is kept as a distinct
// type so call sites cannot accidentally pass a raw node ID where a
// working-copy identity is expected.
type WorkingCopyId string

// CommandId identifies a single command envelope.
type CommandId string

// CommandGroupId clusters commands that undo/redo atomically.
type CommandGroupId string

// Seq is the monotonically increasing, facade-global mutation counter.
type Seq uint64

// Generator mints new branded identifiers. The core is never
// responsible for uniqueness guarantees beyond what the generator
// provides; a UUID-backed implementation is supplied by default.
type Generator interface {
	NewTreeId() TreeId
	NewNodeId() NodeId
	NewEntityId() EntityId
	NewCommandId() CommandId
	NewCommandGroupId() CommandGroupId
}

// UUIDGenerator implements Generator using RFC 4122 v4 UUIDs.
type UUIDGenerator struct{}

// NewUUIDGenerator returns the default Generator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

func (UUIDGenerator) NewTreeId() TreeId { return TreeId(uuid.NewString()) }
func (UUIDGenerator) NewNodeId() NodeId { return NodeId(uuid.NewString()) }
func (UUIDGenerator) NewEntityId() EntityId { return EntityId(uuid.NewString()) }
func (UUIDGenerator) NewCommandId() CommandId { return CommandId(uuid.NewString()) }
func (UUIDGenerator) NewCommandGroupId() CommandGroupId { return CommandGroupId(uuid.NewString()) }

// Well-known root kinds, used as the second component of the
// rootStates unique compound index [treeId+rootKind].
type RootKind string

const (
	RootKindSuper RootKind = "super"
	RootKindRoot  RootKind = "root"
	RootKindTrash RootKind = "trash"
)
