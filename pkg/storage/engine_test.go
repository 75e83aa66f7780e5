package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir,
		[]StoreSpec{{Name: "nodes", Indices: []string{"parentName"}}},
		[]StoreSpec{{Name: "workingCopies", Indices: []string{"originalNodeId"}}},
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_PutGetDelete(t *testing.T) {
	e := openTestEngine(t)

	err := e.Core().Update(func(tx *Tx) error {
		return tx.Put("nodes", []byte("n1"), []byte(`{"name":"Docs"}`))
	})
	require.NoError(t, err)

	var got []byte
	err = e.Core().View(func(tx *Tx) error {
		v, err := tx.Get("nodes", []byte("n1"))
		got = v
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Docs"}`, string(got))

	err = e.Core().Update(func(tx *Tx) error {
		return tx.Delete("nodes", []byte("n1"))
	})
	require.NoError(t, err)

	err = e.Core().View(func(tx *Tx) error {
		_, err := tx.Get("nodes", []byte("n1"))
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UniqueIndexRejectsCollision(t *testing.T) {
	e := openTestEngine(t)

	err := e.Core().Update(func(tx *Tx) error {
		return tx.IndexPut("nodes", "parentName", []byte("root\x00docs"), []byte("n1"), true)
	})
	require.NoError(t, err)

	err = e.Core().Update(func(tx *Tx) error {
		return tx.IndexPut("nodes", "parentName", []byte("root\x00docs"), []byte("n2"), true)
	})
	assert.ErrorIs(t, err, ErrNameNotUnique)
}

func TestEngine_TwoPhaseCommitsBoth(t *testing.T) {
	e := openTestEngine(t)

	err := e.TwoPhase(func(core, ephemeral *Tx) error {
		if err := core.Put("nodes", []byte("n1"), []byte("core-value")); err != nil {
			return err
		}
		return ephemeral.Put("workingCopies", []byte("n1"), []byte("wc-value"))
	})
	require.NoError(t, err)

	err = e.Core().View(func(tx *Tx) error {
		v, err := tx.Get("nodes", []byte("n1"))
		assert.Equal(t, "core-value", string(v))
		return err
	})
	require.NoError(t, err)

	err = e.Ephemeral().View(func(tx *Tx) error {
		_, err := tx.Get("workingCopies", []byte("n1"))
		return err
	})
	assert.NoError(t, err)
}

func TestEngine_TwoPhaseRollsBackOnError(t *testing.T) {
	e := openTestEngine(t)

	wantErr := ErrStaleVersion
	err := e.TwoPhase(func(core, ephemeral *Tx) error {
		if err := core.Put("nodes", []byte("n2"), []byte("value")); err != nil {
			return err
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	err = e.Core().View(func(tx *Tx) error {
		_, err := tx.Get("nodes", []byte("n2"))
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_IndexScanPrefix(t *testing.T) {
	e := openTestEngine(t)

	err := e.Core().Update(func(tx *Tx) error {
		for _, name := range []string{"alpha", "beta", "gamma"} {
			if err := tx.IndexPut("nodes", "parentName", []byte("root\x00"+name), []byte(name), true); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var seen []string
	err = e.Core().View(func(tx *Tx) error {
		return tx.IndexScanPrefix("nodes", "parentName", []byte("root\x00"), func(_, pk []byte) error {
			seen = append(seen, string(pk))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, seen)
}
