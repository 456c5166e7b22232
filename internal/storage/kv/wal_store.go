package kv

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultWALDir     = "./wal/ledger"
	walPrefix         = "kv_"
	walSegmentLimit   = 1000
	walDirPermissions = 0o755
)

// WALStore is a key-value store on top of a write-ahead log. Every write is
// appended to the log; the latest value per key is indexed in memory and
// rebuilt by replaying the log on open. Segments are never deleted: dropping
// one would lose keys whose only write lives there, credited transaction
// markers included.
type WALStore struct {
	wal   *gowal.Wal
	mu    sync.RWMutex
	index map[string][]byte
}

// NewWALStore opens (or creates) a WAL-backed store in dir.
func NewWALStore(dir string) (*WALStore, error) {
	return newWALStore(dir, walSegmentLimit)
}

func newWALStore(dir string, segmentLimit int) (*WALStore, error) {
	if dir == "" {
		dir = defaultWALDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           walPrefix,
		SegmentThreshold: segmentLimit,
		MaxSegments:      0,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	index := make(map[string][]byte)
	for msg := range wal.Iterator() {
		index[msg.Key] = bytes.Clone(msg.Value)
	}

	return &WALStore{wal: wal, index: index}, nil
}

func (s *WALStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *WALStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(key, value)
}

func (s *WALStore) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false, nil
	}
	if err := s.appendLocked(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *WALStore) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.index[key]
	if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}
	if err := s.appendLocked(key, next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *WALStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// appendLocked writes to the log first and only then exposes the value, so a
// failed write never becomes visible.
func (s *WALStore) appendLocked(key string, value []byte) error {
	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, value); err != nil {
		return errors.Wrapf(err, "append %s to WAL", key)
	}
	s.index[key] = bytes.Clone(value)
	return nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
