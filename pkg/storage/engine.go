package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Engine owns the two BoltDB handles and their transaction
// primitives: CoreDB stores trees, nodes, rootStates and
// plugin-declared stores; EphemeralDB stores workingCopies,
// viewStates and plugin-declared ephemeral stores.
type Engine struct {
	core      *BoltHandle
	ephemeral *BoltHandle
}

// Open opens both databases under dataDir, creating the declared
// buckets if absent.
func Open(dataDir string, coreStores, ephemeralStores []StoreSpec) (*Engine, error) {
	core, err := openHandle(dataDir, "core.db", coreStores)
	if err != nil {
		return nil, err
	}
	ephemeral, err := openHandle(dataDir, "ephemeral.db", ephemeralStores)
	if err != nil {
		core.Close()
		return nil, err
	}
	return &Engine{core: core, ephemeral: ephemeral}, nil
}

// Close closes both databases.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.core.Close(); err != nil {
		firstErr = err
	}
	if err := e.ephemeral.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Core and Ephemeral are typed accessors for single-database
// transactions (the common case: most reads, and EphemeralDB-only
// working-copy writes).
func (e *Engine) Core() *BoltHandle      { return e.core }
func (e *Engine) Ephemeral() *BoltHandle { return e.ephemeral }

// EnsureStores creates any missing buckets for additional store
// declarations, the schema-version handoff point for plugins that
// register after the engine opened (additive changes only).
func (e *Engine) EnsureStores(coreStores, ephemeralStores []StoreSpec) error {
	if err := e.core.ensure(coreStores); err != nil {
		return err
	}
	return e.ephemeral.ensure(ephemeralStores)
}

// TwoPhase runs fn against both databases in one logical transaction:
// a CoreDB write transaction and an EphemeralDB write transaction are
// opened together, fn runs with both, and both commit only if fn
// returns nil; a non-nil return rolls both back. The working-copy
// commit protocol needs exactly this shape, and BoltDB natively
// transacts within one file at a time: nesting the second Update
// inside the first means BoltDB itself holds both file locks for the
// duration, so a panic or error in fn aborts both.
func (e *Engine) TwoPhase(fn func(core, ephemeral *Tx) error) error {
	err := e.core.db.Update(func(coreRaw *bolt.Tx) error {
		return e.ephemeral.db.Update(func(ephemeralRaw *bolt.Tx) error {
			return fn(&Tx{raw: coreRaw}, &Tx{raw: ephemeralRaw})
		})
	})
	return wrapTxErr(err)
}

// EnsureIndexEntry is a small helper most callers use when writing a
// record that must maintain a unique composite index: it removes any
// stale entry for oldKey (if the record already existed under a
// different index key) before writing newKey, so renames and
// reparenting never leave a dangling index pointer behind.
func EnsureIndexEntry(tx *Tx, store, index string, oldKey, newKey, primaryKey []byte, unique bool) error {
	if oldKey != nil && string(oldKey) != string(newKey) {
		if err := tx.IndexDelete(store, index, oldKey); err != nil && err != ErrNotFound {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}
	return tx.IndexPut(store, index, newKey, primaryKey, unique)
}
