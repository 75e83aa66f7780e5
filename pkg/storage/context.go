package storage

import "context"

// Transaction handoff between the Working Copy Manager (which opens
// the CoreDB+EphemeralDB commit transaction) and plugin entity
// handlers (which must write inside that same transaction, never a
// nested one, since BoltDB's writer lock makes a nested Update on the
// same file deadlock). The manager stashes its open Tx handles in the
// context before invoking handlers; handler storage helpers pick them
// up and only fall back to opening their own transaction when none is
// in flight.

type coreTxKey struct{}
type ephemeralTxKey struct{}

// WithCoreTx returns a context carrying an open CoreDB transaction.
func WithCoreTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, coreTxKey{}, tx)
}

// CoreTxOf extracts the in-flight CoreDB transaction, if any.
func CoreTxOf(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(coreTxKey{}).(*Tx)
	return tx, ok
}

// WithEphemeralTx returns a context carrying an open EphemeralDB
// transaction.
func WithEphemeralTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ephemeralTxKey{}, tx)
}

// EphemeralTxOf extracts the in-flight EphemeralDB transaction, if
// any.
func EphemeralTxOf(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(ephemeralTxKey{}).(*Tx)
	return tx, ok
}

// InTx runs fn in the context's in-flight transaction for the given
// handle, or opens a write transaction when none is carried. db
// selects which context slot to consult.
func InTx(ctx context.Context, db Database, h *BoltHandle, fn func(tx *Tx) error) error {
	var tx *Tx
	var ok bool
	switch db {
	case CoreDB:
		tx, ok = CoreTxOf(ctx)
	case EphemeralDB:
		tx, ok = EphemeralTxOf(ctx)
	}
	if ok {
		return fn(tx)
	}
	return h.Update(fn)
}
