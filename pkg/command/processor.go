package command

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
)

// Inverse is a pre-computed undo operation captured at execution time
// from the pre-image the mutation layer gathered in the same
// transaction; inverses are never inferred by diffing after the
// fact. Undo
// performs the inverse; Forward re-performs the operation (for redo);
// both are opaque closures supplied by the Mutation Service so the
// processor itself never needs to know about nodes or trees.
type Inverse struct {
	GroupId ids.CommandGroupId
	Forward func() error
	Undo    func() error
}

type group struct {
	id       ids.CommandGroupId
	inverses []Inverse
	redone   bool
}

// Processor serializes command execution, allocates Seq, and keeps a
// ring buffer of the last N command groups for undo/redo. Commands
// are applied in-process; the processor owns only sequencing and
// history, not storage semantics.
type Processor struct {
	mu      sync.Mutex
	seq     ids.Seq
	maxSize int
	history *list.List // of *group, oldest at Front
	byGroup map[ids.CommandGroupId]*list.Element
}

// DefaultRingBufferSize bounds undo history when the caller does not
// choose a size.
const DefaultRingBufferSize = 100

// NewProcessor creates a Processor with the given ring buffer size (0
// means DefaultRingBufferSize).
func NewProcessor(ringBufferSize int) *Processor {
	if ringBufferSize <= 0 {
		ringBufferSize = DefaultRingBufferSize
	}
	return &Processor{
		maxSize: ringBufferSize,
		history: list.New(),
		byGroup: make(map[ids.CommandGroupId]*list.Element),
	}
}

// NextSeq allocates and returns the next global sequence number. Seq
// is allocated even for attempts that go on to fail; callers decide
// whether to record history based on whether Seq was allocated.
func (p *Processor) NextSeq() ids.Seq {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// RecordGroup appends one group's inverses to the history ring
// buffer, evicting the oldest group if the buffer is full. Calling it
// again for an existing groupId appends more inverses to that group
// (multi-command groups accumulate their pre-images as each command in
// the group executes).
func (p *Processor) RecordGroup(groupId ids.CommandGroupId, inv Inverse) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.byGroup[groupId]; ok {
		g := el.Value.(*group)
		g.inverses = append(g.inverses, inv)
		return
	}

	g := &group{id: groupId, inverses: []Inverse{inv}}
	el := p.history.PushBack(g)
	p.byGroup[groupId] = el

	if p.history.Len() > p.maxSize {
		oldest := p.history.Front()
		p.history.Remove(oldest)
		delete(p.byGroup, oldest.Value.(*group).id)
	}
}

// Undo re-applies the recorded inverse operations for groupId in
// reverse order, marking the group as "redone=false" so a subsequent
// Redo call replays the forward operations. Returns an error (callers
// surface it as CodeInvalidOperation) if the group is not found:
// either it was never recorded or it aged out of the ring buffer.
func (p *Processor) Undo(groupId ids.CommandGroupId) error {
	p.mu.Lock()
	el, ok := p.byGroup[groupId]
	p.mu.Unlock()
	if !ok {
		return NewCodedError(CodeInvalidOperation, fmt.Errorf("command group %s not found in undo history", groupId))
	}
	g := el.Value.(*group)
	for i := len(g.inverses) - 1; i >= 0; i-- {
		if err := g.inverses[i].Undo(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	g.redone = false
	p.mu.Unlock()
	return nil
}

// Redo re-applies the forward operations for groupId in original
// order.
func (p *Processor) Redo(groupId ids.CommandGroupId) error {
	p.mu.Lock()
	el, ok := p.byGroup[groupId]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("command group %s not found in redo history", groupId)
	}
	g := el.Value.(*group)
	for _, inv := range g.inverses {
		if err := inv.Forward(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	g.redone = true
	p.mu.Unlock()
	return nil
}

// Depth reports how many groups are currently held in history, used
// by the facade's getSystemHealth.
func (p *Processor) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Len()
}
