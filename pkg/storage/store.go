// Package storage is the key/value capability behind the core: two
// BoltDB-backed databases (CoreDB and EphemeralDB), indexed object
// stores (one *bolt.DB, bucket-per-store, JSON values), and
// transactions that can span both databases at once.
package storage

import "errors"

// Storage failure modes surfaced to callers.
var (
	ErrDatabase      = errors.New("DATABASE_ERROR")
	ErrStaleVersion  = errors.New("STALE_VERSION")
	ErrNameNotUnique = errors.New("NAME_NOT_UNIQUE")
	ErrNotFound      = errors.New("not found")
)

// Database names the two well-known databases.
type Database string

const (
	CoreDB      Database = "core"
	EphemeralDB Database = "ephemeral"
)

// StoreSpec declares one named object store (a table) plus the names
// of any composite-key index buckets maintained alongside it. Index
// maintenance itself is the caller's job (done inside a transaction,
// next to the primary write) since only the caller knows how to derive
// an index key from its own record type.
type StoreSpec struct {
	Name    string
	Indices []string
}
