package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// BoltHandle wraps one *bolt.DB and the set of buckets (stores and
// their index buckets) it was opened with. The bucket list is
// supplied by the caller (core stores, ephemeral stores, or a
// plugin's declared stores) so new node types can register their own
// tables without touching this package.
type BoltHandle struct {
	db      *bolt.DB
	buckets [][]byte
}

func openHandle(dataDir, file string, specs []StoreSpec) (*BoltHandle, error) {
	path := filepath.Join(dataDir, file)
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDatabase, path, err)
	}

	var buckets [][]byte
	for _, s := range specs {
		buckets = append(buckets, []byte(s.Name))
		for _, idx := range s.Indices {
			buckets = append(buckets, []byte(s.Name+"__idx__"+idx))
		}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return &BoltHandle{db: db, buckets: buckets}, nil
}

// ensure creates buckets for specs that were not part of the open-time
// declaration. Existing buckets are untouched.
func (h *BoltHandle) ensure(specs []StoreSpec) error {
	var buckets [][]byte
	for _, s := range specs {
		buckets = append(buckets, []byte(s.Name))
		for _, idx := range s.Indices {
			buckets = append(buckets, []byte(s.Name+"__idx__"+idx))
		}
	}
	err := h.db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	h.buckets = append(h.buckets, buckets...)
	return nil
}

// Close closes the underlying database file.
func (h *BoltHandle) Close() error {
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// View runs fn in a read-only transaction, mirroring db.View.
func (h *BoltHandle) View(fn func(tx *Tx) error) error {
	err := h.db.View(func(raw *bolt.Tx) error {
		return fn(&Tx{raw: raw})
	})
	return wrapTxErr(err)
}

// Update runs fn in a read-write transaction, mirroring db.Update.
func (h *BoltHandle) Update(fn func(tx *Tx) error) error {
	err := h.db.Update(func(raw *bolt.Tx) error {
		return fn(&Tx{raw: raw})
	})
	return wrapTxErr(err)
}

// wrapTxErr classifies a transaction's error: the typed sentinels and
// any error already carrying a command code pass through unchanged, so
// a callback's COMMIT_CONFLICT (or similar) is never flattened into
// DATABASE_ERROR; everything else is treated as a storage failure.
func wrapTxErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrNameNotUnique) || errors.Is(err, ErrNotFound) {
		return err
	}
	var coded interface{ CommandCode() string }
	if errors.As(err, &coded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDatabase, err)
}

// Tx is a single BoltDB transaction, read or write, against one
// database. Index bucket names follow "<store>__idx__<index>".
type Tx struct {
	raw *bolt.Tx
}

// Put stores value under key in store, with upsert semantics.
func (t *Tx) Put(store string, key, value []byte) error {
	b := t.raw.Bucket([]byte(store))
	if b == nil {
		return fmt.Errorf("%w: unknown store %s", ErrDatabase, store)
	}
	return b.Put(key, value)
}

// Get reads key from store; returns ErrNotFound if absent.
func (t *Tx) Get(store string, key []byte) ([]byte, error) {
	b := t.raw.Bucket([]byte(store))
	if b == nil {
		return nil, fmt.Errorf("%w: unknown store %s", ErrDatabase, store)
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Delete removes key from store. Deleting an absent key is a no-op,
// matching BoltDB's own semantics.
func (t *Tx) Delete(store string, key []byte) error {
	b := t.raw.Bucket([]byte(store))
	if b == nil {
		return fmt.Errorf("%w: unknown store %s", ErrDatabase, store)
	}
	return b.Delete(key)
}

// ForEach iterates every key/value pair in store in key order.
func (t *Tx) ForEach(store string, fn func(key, value []byte) error) error {
	b := t.raw.Bucket([]byte(store))
	if b == nil {
		return fmt.Errorf("%w: unknown store %s", ErrDatabase, store)
	}
	return b.ForEach(fn)
}

// IndexPut records key -> primaryKey in the named index bucket,
// enforcing uniqueness when unique is true (returns ErrNameNotUnique
// on collision with a different primary key).
func (t *Tx) IndexPut(store, index string, key, primaryKey []byte, unique bool) error {
	b := t.raw.Bucket([]byte(store + "__idx__" + index))
	if b == nil {
		return fmt.Errorf("%w: unknown index %s on %s", ErrDatabase, index, store)
	}
	if unique {
		if existing := b.Get(key); existing != nil && string(existing) != string(primaryKey) {
			return ErrNameNotUnique
		}
	}
	return b.Put(key, primaryKey)
}

// IndexGet resolves an index key to its primary key, or ErrNotFound.
func (t *Tx) IndexGet(store, index string, key []byte) ([]byte, error) {
	b := t.raw.Bucket([]byte(store + "__idx__" + index))
	if b == nil {
		return nil, fmt.Errorf("%w: unknown index %s on %s", ErrDatabase, index, store)
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// IndexDelete removes a single index entry.
func (t *Tx) IndexDelete(store, index string, key []byte) error {
	b := t.raw.Bucket([]byte(store + "__idx__" + index))
	if b == nil {
		return fmt.Errorf("%w: unknown index %s on %s", ErrDatabase, index, store)
	}
	return b.Delete(key)
}

// IndexScanPrefix iterates every index entry whose key starts with
// prefix, in key order: the mechanism behind the `[parentId+*]`
// range scans (children-by-parent, [parentId+updatedAt] ordering) and
// the multi-entry `references` index.
func (t *Tx) IndexScanPrefix(store, index string, prefix []byte, fn func(key, primaryKey []byte) error) error {
	b := t.raw.Bucket([]byte(store + "__idx__" + index))
	if b == nil {
		return fmt.Errorf("%w: unknown index %s on %s", ErrDatabase, index, store)
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
