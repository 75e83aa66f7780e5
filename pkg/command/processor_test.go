package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_NextSeqMonotonic(t *testing.T) {
	p := NewProcessor(0)
	a := p.NextSeq()
	b := p.NextSeq()
	assert.Less(t, a, b)
}

func TestProcessor_UndoRedo(t *testing.T) {
	p := NewProcessor(0)
	state := "created"

	p.RecordGroup("g1", Inverse{
		GroupId: "g1",
		Forward: func() error { state = "created"; return nil },
		Undo:    func() error { state = "absent"; return nil },
	})

	require.NoError(t, p.Undo("g1"))
	assert.Equal(t, "absent", state)

	require.NoError(t, p.Redo("g1"))
	assert.Equal(t, "created", state)
}

func TestProcessor_UndoUnknownGroup(t *testing.T) {
	p := NewProcessor(0)
	err := p.Undo("missing")
	assert.Error(t, err)
}

func TestProcessor_RingBufferEviction(t *testing.T) {
	p := NewProcessor(2)
	noop := func() error { return nil }

	p.RecordGroup("g1", Inverse{GroupId: "g1", Forward: noop, Undo: noop})
	p.RecordGroup("g2", Inverse{GroupId: "g2", Forward: noop, Undo: noop})
	p.RecordGroup("g3", Inverse{GroupId: "g3", Forward: noop, Undo: noop})

	assert.Equal(t, 2, p.Depth())
	assert.Error(t, p.Undo("g1"), "oldest group should have been evicted")
	assert.NoError(t, p.Undo("g2"))
	assert.NoError(t, p.Undo("g3"))
}

func TestEnvelope_KindTypeAlias(t *testing.T) {
	raw := []byte(`{"commandId":"c1","groupId":"g1","type":"moveNodes","payload":{}}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, KindMoveNodes, env.Kind)

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"kind":"moveNodes"`)
	assert.NotContains(t, string(out), `"type"`)
}

func TestEnvelope_KindPreferredOverType(t *testing.T) {
	raw := []byte(`{"commandId":"c1","groupId":"g1","kind":"moveNodes","type":"remove","payload":{}}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, KindMoveNodes, env.Kind)
}
