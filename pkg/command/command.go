// Package command defines command envelopes, typed results, and a
// ring-buffered undo/redo history grouped by CommandGroupId. There is
// exactly one writer per process, so commands apply in-process with
// no replication log.
package command

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
)

// Kind enumerates the supported command kinds.
type Kind string

const (
	KindCreateWorkingCopy Kind = "createWorkingCopy"
	KindCommitWorkingCopy Kind = "commitWorkingCopy"
	KindDiscardWorkingCopy Kind = "discardWorkingCopy"
	KindMoveNodes          Kind = "moveNodes"
	KindDuplicateNodes     Kind = "duplicateNodes"
	KindPasteNodes         Kind = "pasteNodes"
	KindMoveToTrash        Kind = "moveToTrash"
	KindRemove             Kind = "remove"
	KindRecoverFromTrash   Kind = "recoverFromTrash"
	KindImportNodes        Kind = "importNodes"
	KindCopyNodes          Kind = "copyNodes"
	KindExportNodes        Kind = "exportNodes"
	KindUndo               Kind = "undo"
	KindRedo               Kind = "redo"
)

// NameConflictPolicy governs createNode/moveNodes/etc. name collisions.
type NameConflictPolicy string

const (
	ConflictError      NameConflictPolicy = "error"
	ConflictAutoRename NameConflictPolicy = "auto-rename"
)

// Code is the closed set of failure codes surfaced to callers.
type Code string

const (
	CodeNameNotUnique      Code = "NAME_NOT_UNIQUE"
	CodeStaleVersion       Code = "STALE_VERSION"
	CodeHasInboundRefs     Code = "HAS_INBOUND_REFS"
	CodeIllegalRelation    Code = "ILLEGAL_RELATION"
	CodeNodeNotFound       Code = "NODE_NOT_FOUND"
	CodeInvalidOperation   Code = "INVALID_OPERATION"
	CodeWorkingCopyNotFound Code = "WORKING_COPY_NOT_FOUND"
	CodeCommitConflict     Code = "COMMIT_CONFLICT"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeDatabaseError      Code = "DATABASE_ERROR"
	CodeUnknownError       Code = "UNKNOWN_ERROR"
)

// Envelope describes one mutation, the unit of undo/redo when grouped.
//
// Older envelope producers carry both `kind` and `type` fields as
// aliases of each other; this is accepted on decode via UnmarshalJSON
// but only `kind` is ever (re-)emitted.
type Envelope struct {
	CommandId      ids.CommandId          `json:"commandId"`
	GroupId        ids.CommandGroupId     `json:"groupId"`
	Kind           Kind                   `json:"kind"`
	Payload        json.RawMessage        `json:"payload"`
	IssuedAt       time.Time              `json:"issuedAt"`
	SourceViewId   string                 `json:"sourceViewId,omitempty"`
	OnNameConflict NameConflictPolicy     `json:"onNameConflict,omitempty"`
}

type envelopeAlias Envelope

type envelopeWire struct {
	envelopeAlias
	Type Kind `json:"type,omitempty"`
}

// UnmarshalJSON accepts `type` as an alias for `kind` when `kind` is
// absent, then normalizes Kind so every downstream consumer only ever
// sees the canonical field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope(w.envelopeAlias)
	if e.Kind == "" {
		e.Kind = w.Type
	}
	return nil
}

// MarshalJSON always emits `kind`, never `type`.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeAlias(e))
}

// Result is the tagged success/failure union every command returns.
type Result struct {
	Success       bool           `json:"success"`
	Seq           ids.Seq        `json:"seq,omitempty"`
	NodeId        ids.NodeId     `json:"nodeId,omitempty"`
	NewNodeIds    []ids.NodeId   `json:"newNodeIds,omitempty"`
	ClipboardData json.RawMessage `json:"clipboardData,omitempty"`
	Error         string         `json:"error,omitempty"`
	Code          Code           `json:"code,omitempty"`
}

// Ok builds a successful Result.
func Ok(seq ids.Seq) Result { return Result{Success: true, Seq: seq} }

// Fail builds a failed Result carrying a typed Code. seq is zero
// unless one was already allocated for this attempt. The processor's
// history holds only successful groups; failed attempts are not
// recorded there.
func Fail(code Code, err error, seq ids.Seq) Result {
	r := Result{Success: false, Code: code, Seq: seq}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// CodedError carries one of the Code constants alongside the
// underlying error, so collaborators below the Command Processor
// (pkg/workingcopy, pkg/mutation, pkg/query) can return a normal `error`
// that the processor then reports as a typed CommandResult without
// each layer re-declaring the taxonomy.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

// CommandCode exposes the code as a plain string so layers below the
// command taxonomy (notably storage transaction wrappers) can
// recognize an already-typed error without importing this package.
func (e *CodedError) CommandCode() string { return string(e.Code) }

// NewCodedError wraps err with code.
func NewCodedError(code Code, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *CodedError, otherwise returns CodeUnknownError.
func CodeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknownError
}
