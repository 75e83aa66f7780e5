// Package nodemodel defines the Tree/Node entities and the pure
// invariant predicates the rest of the core relies on: name validation,
// normalization, uniqueness, and move legality. Nothing here touches
// storage; callers feed in whatever state they already hold.
package nodemodel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
)

// Tree is the top-level container. Every tree owns three well-known
// root nodes that are indestructible and un-moveable.
type Tree struct {
	TreeId          ids.TreeId `json:"treeId"`
	Name            string     `json:"name"`
	RootNodeId      ids.NodeId `json:"rootNodeId"`
	TrashRootNodeId ids.NodeId `json:"trashRootNodeId"`
	SuperRootNodeId ids.NodeId `json:"superRootNodeId"`
}

// IsRoot reports whether nodeId is one of the tree's three well-known roots.
func (t Tree) IsRoot(nodeId ids.NodeId) bool {
	return nodeId == t.RootNodeId || nodeId == t.TrashRootNodeId || nodeId == t.SuperRootNodeId
}

// Node is the base record plus its optional property bags, as one
// flat struct: Go has no sum types, so every optional group is a
// pointer/omitempty field rather than a variant.
type Node struct {
	Id        ids.NodeId `json:"id"`
	TreeId    ids.TreeId `json:"treeId"`
	ParentId  ids.NodeId `json:"parentId"`
	NodeType  string     `json:"nodeType"`
	Name      string     `json:"name"`

	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Version     uint64    `json:"version"`

	// Draft properties: set on nodes that have never been committed.
	IsDraft *bool `json:"isDraft,omitempty"`

	// Working-copy properties: present only on EphemeralDB records.
	OriginalNodeId  *ids.NodeId `json:"originalNodeId,omitempty"`
	CopiedAt        *time.Time  `json:"copiedAt,omitempty"`
	OriginalVersion *uint64     `json:"originalVersion,omitempty"`

	// Descendant summary, maintained best-effort by the query/mutation
	// layers; IsEstimated is set when recomputing the exact count would
	// require a full subtree scan the caller chose to skip.
	HasChildren     *bool `json:"hasChildren,omitempty"`
	DescendantCount *int  `json:"descendantCount,omitempty"`
	IsEstimated     *bool `json:"isEstimated,omitempty"`

	// Trash properties: present iff the node lives under trashRootNodeId.
	OriginalName     *string     `json:"originalName,omitempty"`
	OriginalParentId *ids.NodeId `json:"originalParentId,omitempty"`
	RemovedAt        *time.Time  `json:"removedAt,omitempty"`

	// References are opaque cross-tree pointers; the core treats this
	// purely as set membership, never dereferencing into another tree.
	References []ids.NodeId `json:"references,omitempty"`

	// EntityData is the plugin-owned payload staged on a working copy
	// between createDraft/createFromNode and commit (e.g. a document's
	// body text). It is opaque to the core; only the node type's
	// EntityHandler interprets it, via CreateEntity/UpdateEntity at
	// commit time. It never appears on a committed CoreDB node.
	EntityData any `json:"entityData,omitempty"`
}

// Encode serializes the node as the JSON value stored under its
// primary key in CoreDB or EphemeralDB.
func (n *Node) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses a node record previously written by Encode.
func Decode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &n, nil
}

// InTrash reports whether the node currently carries trash stamps.
func (n *Node) InTrash() bool {
	return n.RemovedAt != nil
}

// Clone returns a deep copy sufficient for working-copy snapshots and
// undo pre-images (slices and pointer fields are duplicated).
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Description != nil {
		d := *n.Description
		c.Description = &d
	}
	if n.IsDraft != nil {
		v := *n.IsDraft
		c.IsDraft = &v
	}
	if n.OriginalNodeId != nil {
		v := *n.OriginalNodeId
		c.OriginalNodeId = &v
	}
	if n.CopiedAt != nil {
		v := *n.CopiedAt
		c.CopiedAt = &v
	}
	if n.OriginalVersion != nil {
		v := *n.OriginalVersion
		c.OriginalVersion = &v
	}
	if n.HasChildren != nil {
		v := *n.HasChildren
		c.HasChildren = &v
	}
	if n.DescendantCount != nil {
		v := *n.DescendantCount
		c.DescendantCount = &v
	}
	if n.IsEstimated != nil {
		v := *n.IsEstimated
		c.IsEstimated = &v
	}
	if n.OriginalName != nil {
		v := *n.OriginalName
		c.OriginalName = &v
	}
	if n.OriginalParentId != nil {
		v := *n.OriginalParentId
		c.OriginalParentId = &v
	}
	if n.RemovedAt != nil {
		v := *n.RemovedAt
		c.RemovedAt = &v
	}
	if n.References != nil {
		c.References = append([]ids.NodeId(nil), n.References...)
	}
	return &c
}

// forbiddenNameChars are never allowed in a committed name.
const forbiddenNameChars = `\/:*?"<>|`

// IsValidName reports whether name is acceptable as committed after
// normalization: non-empty after trim, <=255 chars after NFC, and
// free of the forbidden characters.
func IsValidName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name must not be empty")
	}
	normalized := norm.NFC.String(trimmed)
	if len([]rune(normalized)) > 255 {
		return fmt.Errorf("name exceeds 255 characters after normalization")
	}
	if strings.ContainsAny(normalized, forbiddenNameChars) {
		return fmt.Errorf("name contains a forbidden character (%s)", forbiddenNameChars)
	}
	return nil
}

// NormalizeName applies the NFC + trim rule used for uniqueness
// comparisons. It does not validate; call IsValidName first.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// GenerateUniqueName mints "base (2)", "base (3)", … against an
// existing set of already-normalized sibling names. base itself is
// tried unmodified first.
func GenerateUniqueName(base string, existing map[string]struct{}) string {
	normalizedBase := NormalizeName(base)
	if _, taken := existing[normalizedBase]; !taken {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if _, taken := existing[NormalizeName(candidate)]; !taken {
			return candidate
		}
	}
}

// AncestorLookup resolves a node's parent, used by CanMove to walk the
// ancestor chain without requiring a full storage dependency here.
type AncestorLookup func(id ids.NodeId) (parentId ids.NodeId, ok bool)

// CanMove forbids moving a node to itself or into one of its own
// descendants (a cycle).
func CanMove(nodeId, newParentId ids.NodeId, ancestorsOf AncestorLookup) error {
	if nodeId == newParentId {
		return fmt.Errorf("cannot move a node into itself")
	}
	cursor := newParentId
	for {
		parent, ok := ancestorsOf(cursor)
		if !ok {
			return nil
		}
		if parent == nodeId {
			return fmt.Errorf("cannot move a node into its own descendant")
		}
		if parent == cursor {
			return nil
		}
		cursor = parent
	}
}
