// Package kv provides the key-value stores backing the ledger.
//
// Every backend guarantees per-key atomic writes and a create-if-absent
// primitive. There are no transactions across keys; callers that need to
// update several keys order their writes so that a retry is always safe.
package kv

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("key not found")

// Store minimal key-value contract.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, last writer wins.
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key is missing and reports whether this call created it.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Close() error
}

// Swapper is implemented by stores offering conditional writes.
type Swapper interface {
	// CompareAndSwap replaces the value under key with next only if it still equals prev.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
}

// Scanner is implemented by stores able to enumerate keys.
type Scanner interface {
	// Keys returns keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Supported backends.
const (
	BackendMemory   = "memory"
	BackendWAL      = "wal"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open creates a store for the named backend. dir is used by the wal and sqlite
// backends, dsn by postgres.
func Open(ctx context.Context, backend, dir, dsn string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendWAL, "":
		return NewWALStore(dir)
	case BackendSQLite:
		return OpenSQLite(sqlitePath(dir))
	case BackendPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, errors.Errorf("unsupported storage backend %q", backend)
	}
}
