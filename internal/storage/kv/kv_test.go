package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fullStore interface {
	Store
	Swapper
	Scanner
}

type backendFactory func(t *testing.T) fullStore

func backends(t *testing.T) map[string]backendFactory {
	t.Helper()

	factories := map[string]backendFactory{
		BackendMemory: func(t *testing.T) fullStore {
			return NewMemoryStore()
		},
		BackendWAL: func(t *testing.T) fullStore {
			s, err := NewWALStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		BackendSQLite: func(t *testing.T) fullStore {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			return s
		},
	}

	if dsn := os.Getenv("PAYLEDGER_TEST_POSTGRES_DSN"); dsn != "" {
		factories[BackendPostgres] = func(t *testing.T) fullStore {
			s, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.db.Exec(context.Background(), "TRUNCATE kv_entries")
			require.NoError(t, err)
			return s
		}
	}

	return factories
}

func TestStore_GetPut(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "a", []byte("1")))
			require.NoError(t, s.Put(ctx, "a", []byte("2")))

			v, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), v)
		})
	}
}

func TestStore_PutIfAbsent(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			created, err := s.PutIfAbsent(ctx, "marker", []byte("first"))
			require.NoError(t, err)
			require.True(t, created)

			created, err = s.PutIfAbsent(ctx, "marker", []byte("second"))
			require.NoError(t, err)
			require.False(t, created)

			v, err := s.Get(ctx, "marker")
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), v, "losing writer must not overwrite")
		})
	}
}

func TestStore_PutIfAbsentConcurrentSingleWinner(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			const writers = 16
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					created, err := s.PutIfAbsent(ctx, "contended", []byte(fmt.Sprintf("writer-%d", i)))
					assert.NoError(t, err)
					if created {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()

			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			swapped, err := s.CompareAndSwap(ctx, "k", []byte("x"), []byte("y"))
			require.NoError(t, err)
			require.False(t, swapped, "swap on a missing key must fail")

			require.NoError(t, s.Put(ctx, "k", []byte("v1")))

			swapped, err = s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"))
			require.NoError(t, err)
			require.False(t, swapped)

			swapped, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
			require.NoError(t, err)
			require.True(t, swapped)

			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), v)
		})
	}
}

func TestStore_Keys(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			for _, k := range []string{"payment_b", "balance_u1", "payment_a", "paymentx"} {
				require.NoError(t, s.Put(ctx, k, []byte("{}")))
			}

			keys, err := s.Keys(ctx, "payment_")
			require.NoError(t, err)
			assert.Equal(t, []string{"payment_a", "payment_b"}, keys)

			keys, err = s.Keys(ctx, "nothing_")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestWALStore_ReplaysOnReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewWALStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "balance_u1", []byte("1")))
	require.NoError(t, s.Put(ctx, "balance_u1", []byte("2")))
	created, err := s.PutIfAbsent(ctx, "credited_tx_h1", []byte("m"))
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(ctx, "balance_u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	created, err = reopened.PutIfAbsent(ctx, "credited_tx_h1", []byte("other"))
	require.NoError(t, err)
	assert.False(t, created, "marker must survive restart")
}

func TestWALStore_KeepsEarlyKeysAcrossManySegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := newWALStore(dir, 2)
	require.NoError(t, err)

	created, err := s.PutIfAbsent(ctx, "credited_tx_first", []byte("m"))
	require.NoError(t, err)
	require.True(t, created)
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Put(ctx, "balance_u1", []byte(fmt.Sprintf("%d", i))))
	}
	require.NoError(t, s.Close())

	reopened, err := newWALStore(dir, 2)
	require.NoError(t, err)
	defer reopened.Close()

	created, err = reopened.PutIfAbsent(ctx, "credited_tx_first", []byte("again"))
	require.NoError(t, err)
	assert.False(t, created, "marker written in the first segment must survive rotation")

	v, err := reopened.Get(ctx, "balance_u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("199"), v)
}

func TestSQLiteStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, BackendMemory, "", "")
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	dir := t.TempDir()
	s, err = Open(ctx, "", dir, "")
	require.NoError(t, err)
	require.IsType(t, &WALStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, BackendSQLite, dir, "")
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, BackendPostgres, "", "")
	require.Error(t, err)

	_, err = Open(ctx, "redis", "", "")
	require.Error(t, err)
}
