package mutation

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubohiroya/hierarchidb-core/pkg/changefeed"
	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/workingcopy"
)

// EnvelopeType tags a clipboard/export payload.
const EnvelopeType = "nodes-copy"

// Envelope is the clipboard/export wire format: a
// self-contained subtree snapshot whose Nodes map carries every copied
// node (parents before children is not required; ParentId links inside
// the map express the hierarchy) and whose RootNodeIds name the
// subtree roots the copy started from.
type Envelope struct {
	Type        string                         `json:"type"`
	Timestamp   int64                          `json:"timestamp"`
	Nodes       map[ids.NodeId]*nodemodel.Node `json:"nodes"`
	RootNodeIds []ids.NodeId                   `json:"rootNodeIds"`
	NodeCount   int                            `json:"nodeCount"`
}

// Encode serializes the envelope as the bit-stable JSON callers put on
// the clipboard.
func (e *Envelope) Encode() (json.RawMessage, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a clipboard payload, rejecting anything that
// is not a nodes-copy envelope.
func DecodeEnvelope(data json.RawMessage) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, command.NewCodedError(command.CodeValidationError, fmt.Errorf("invalid clipboard payload: %w", err))
	}
	if env.Type != EnvelopeType {
		return nil, command.NewCodedError(command.CodeValidationError, fmt.Errorf("unexpected clipboard payload type %q", env.Type))
	}
	return &env, nil
}

// CopyNodes packages each listed node and its entire subtree into a
// clipboard envelope. Plugin entity payloads are captured through each
// node type's GetEntity so a later paste can recreate them.
func (s *Service) CopyNodes(ctx context.Context, nodeIds []ids.NodeId) (*Envelope, error) {
	env := &Envelope{
		Type:      EnvelopeType,
		Timestamp: s.clock().UnixMilli(),
		Nodes:     make(map[ids.NodeId]*nodemodel.Node),
	}
	for _, nodeId := range nodeIds {
		if err := s.captureSubtree(ctx, nodeId, env); err != nil {
			return nil, err
		}
		env.RootNodeIds = append(env.RootNodeIds, nodeId)
	}
	env.NodeCount = len(env.Nodes)
	return env, nil
}

// ExportNodes produces the same envelope as CopyNodes; the two are
// distinct commands at the facade (copy feeds the in-app clipboard,
// export hands the payload to the host) but share one representation.
func (s *Service) ExportNodes(ctx context.Context, nodeIds []ids.NodeId) (*Envelope, error) {
	return s.CopyNodes(ctx, nodeIds)
}

// ExportCSV renders each listed subtree as a flat CSV projection:
// id,name,nodeType,parentId,createdAt,updatedAt with
// RFC 3339 timestamps, quote-escaped by encoding/csv.
func (s *Service) ExportCSV(ctx context.Context, nodeIds []ids.NodeId) ([]byte, error) {
	env, err := s.CopyNodes(ctx, nodeIds)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "name", "nodeType", "parentId", "createdAt", "updatedAt"}); err != nil {
		return nil, err
	}

	var writeRow func(n *nodemodel.Node) error
	writeRow = func(n *nodemodel.Node) error {
		if err := w.Write([]string{
			string(n.Id), n.Name, n.NodeType, string(n.ParentId),
			n.CreatedAt.UTC().Format(time.RFC3339), n.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		for _, child := range childrenOf(env, n.Id) {
			if err := writeRow(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, rootId := range env.RootNodeIds {
		if root, ok := env.Nodes[rootId]; ok {
			if err := writeRow(root); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PasteNodes materializes a clipboard envelope under newParentId.
// Identical to ImportNodes; the two remain distinct command kinds.
func (s *Service) PasteNodes(ctx context.Context, env *Envelope, newParentId ids.NodeId, treeId ids.TreeId, onConflict command.NameConflictPolicy) ([]ids.NodeId, ids.Seq, error) {
	return s.ImportNodes(ctx, env, newParentId, treeId, onConflict)
}

// ImportNodes recreates every subtree in env under newParentId with
// all-new NodeIds, remapping internal parent links as it goes. The
// name-conflict policy applies to the subtree roots; children land
// under freshly created parents and cannot collide with pre-existing
// siblings.
func (s *Service) ImportNodes(ctx context.Context, env *Envelope, newParentId ids.NodeId, treeId ids.TreeId, onConflict command.NameConflictPolicy) ([]ids.NodeId, ids.Seq, error) {
	if env == nil || env.Type != EnvelopeType {
		return nil, 0, command.NewCodedError(command.CodeValidationError, fmt.Errorf("missing or mistyped clipboard envelope"))
	}

	groupId := s.gen.NewCommandGroupId()
	var seq ids.Seq
	var newRootIds []ids.NodeId

	var materialize func(sourceId, targetParent ids.NodeId, policy command.NameConflictPolicy) (ids.NodeId, error)
	materialize = func(sourceId, targetParent ids.NodeId, policy command.NameConflictPolicy) (ids.NodeId, error) {
		source, ok := env.Nodes[sourceId]
		if !ok {
			return "", command.NewCodedError(command.CodeValidationError, fmt.Errorf("envelope references node %s it does not carry", sourceId))
		}
		if err := s.validateChildPlacement(targetParent, source.NodeType); err != nil {
			return "", err
		}
		committed, newSeq, err := s.createFromSnapshot(ctx, groupId, source, targetParent, treeId, policy)
		if err != nil {
			return "", err
		}
		seq = newSeq
		for _, child := range childrenOf(env, sourceId) {
			if _, err := materialize(child.Id, committed.Id, command.ConflictError); err != nil {
				return "", err
			}
		}
		return committed.Id, nil
	}

	for _, rootId := range env.RootNodeIds {
		newId, err := materialize(rootId, newParentId, onConflict)
		if err != nil {
			return newRootIds, seq, err
		}
		newRootIds = append(newRootIds, newId)
	}
	return newRootIds, seq, nil
}

// captureSubtree records nodeId and every descendant into env,
// fetching entity payloads along the way.
func (s *Service) captureSubtree(ctx context.Context, nodeId ids.NodeId, env *Envelope) error {
	n, err := s.readNode(nodeId)
	if err != nil {
		return err
	}
	snapshot := n.Clone()
	if def, ok := s.registry.Get(n.NodeType); ok && def.Handler != nil {
		if data, err := def.Handler.GetEntity(ctx, nodeId); err == nil && data != nil {
			snapshot.EntityData = data
		}
	}
	env.Nodes[nodeId] = snapshot

	children, err := s.childIds(nodeId)
	if err != nil {
		return err
	}
	for _, childId := range children {
		if err := s.captureSubtree(ctx, childId, env); err != nil {
			return err
		}
	}
	return nil
}

// createFromSnapshot stages and commits one imported node through the
// regular draft protocol so hooks, validation and undo recording all
// apply exactly as they would for a hand-typed createNode.
func (s *Service) createFromSnapshot(ctx context.Context, groupId ids.CommandGroupId, source *nodemodel.Node, targetParent ids.NodeId, treeId ids.TreeId, policy command.NameConflictPolicy) (*nodemodel.Node, ids.Seq, error) {
	name := source.Name
	if source.OriginalName != nil {
		// Trashed sources paste under their pre-trash name.
		name = *source.OriginalName
	}
	draft, err := s.wc.CreateDraft(ctx, workingcopy.DraftInput{
		TreeId: treeId, ParentId: targetParent, NodeType: source.NodeType,
		Name: name, Description: source.Description, EntityData: source.EntityData,
	})
	if err != nil {
		return nil, 0, err
	}
	committed, err := s.wc.Commit(ctx, draft.Id, workingcopy.CommitOptions{OnNameConflict: policy})
	if err != nil {
		return nil, 0, err
	}
	seq := s.recordCreate(groupId, committed)
	s.publish(seq, groupId, changefeed.KindCreated, committed, nil, "")
	return committed, seq, nil
}

func childrenOf(env *Envelope, parentId ids.NodeId) []*nodemodel.Node {
	var out []*nodemodel.Node
	for _, n := range env.Nodes {
		if n.ParentId == parentId && n.Id != parentId {
			out = append(out, n)
		}
	}
	// Deterministic order keeps imports and CSV rows stable run to run.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Name > out[j].Name; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
