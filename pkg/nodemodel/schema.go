package nodemodel

import (
	"time"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
)

// Store and index names shared by pkg/workingcopy, pkg/mutation and
// pkg/query, so the packages that read and write CoreDB/EphemeralDB
// node records agree on one schema without importing each other.
const (
	StoreTrees         = "trees"
	StoreNodes         = "nodes"
	StoreRootStates    = "rootStates"
	StoreWorkingCopies = "workingCopies"
	StoreViewStates    = "viewStates"

	IndexParentName      = "parentName"
	IndexParentUpdatedAt = "parentUpdatedAt"
	IndexRemovedAt       = "removedAt"
	IndexOriginalParent  = "originalParentId"
	IndexReferences      = "references"
	IndexTreeRootKind    = "treeRootKind"
	IndexOriginalNodeId  = "originalNodeId"
)

const keySep = "\x00"

// ParentNameKey builds the `[parentId+name]` unique compound index
// key on `nodes`. name must already be normalized.
func ParentNameKey(parentId ids.NodeId, normalizedName string) []byte {
	return []byte(string(parentId) + keySep + normalizedName)
}

// ParentUpdatedAtKey builds the `[parentId+updatedAt]` non-unique
// index key; the nodeId suffix keeps entries for two nodes updated in
// the same instant distinct within the bucket.
func ParentUpdatedAtKey(parentId ids.NodeId, updatedAt time.Time, id ids.NodeId) []byte {
	return []byte(string(parentId) + keySep + updatedAt.UTC().Format(time.RFC3339Nano) + keySep + string(id))
}

// ParentPrefix returns the scan prefix for every index keyed by
// parentId first (IndexParentName, IndexParentUpdatedAt).
func ParentPrefix(parentId ids.NodeId) []byte {
	return []byte(string(parentId) + keySep)
}

// RemovedAtKey builds the `removedAt` index key used to enumerate
// trashed nodes in removal order.
func RemovedAtKey(removedAt time.Time, id ids.NodeId) []byte {
	return []byte(removedAt.UTC().Format(time.RFC3339Nano) + keySep + string(id))
}

// OriginalParentKey builds the `originalParentId` index key used to
// look up where a trashed node came from.
func OriginalParentKey(originalParentId ids.NodeId, id ids.NodeId) []byte {
	return []byte(string(originalParentId) + keySep + string(id))
}

// OriginalParentPrefix scans every trashed node whose originalParentId
// matches parentId.
func OriginalParentPrefix(parentId ids.NodeId) []byte {
	return []byte(string(parentId) + keySep)
}

// ReferenceKey builds one entry of the `references` multi-entry index:
// referenced node -> referencing (owner) node.
func ReferenceKey(referencedId, ownerId ids.NodeId) []byte {
	return []byte(string(referencedId) + keySep + string(ownerId))
}

// ReferencePrefix scans every owner that references referencedId.
func ReferencePrefix(referencedId ids.NodeId) []byte {
	return []byte(string(referencedId) + keySep)
}

// TreeRootKindKey builds the `[treeId+rootKind]` unique compound index
// key on `rootStates`.
func TreeRootKindKey(treeId ids.TreeId, kind ids.RootKind) []byte {
	return []byte(string(treeId) + keySep + string(kind))
}
