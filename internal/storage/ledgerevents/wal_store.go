package ledgerevents

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/payledger/internal/domain"
)

const (
	defaultEventsDir   = "./wal/events"
	eventSegmentLimit  = 1000
	eventMaxSegments   = 100
	eventKeyPrefix     = "ledger_event_"
	eventDirPermission = 0o755
)

// WALStore journals applied balance changes for auditing and streaming.
// It is informational; balances themselves live in the ledger store.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed event journal under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	return newWALStore(dir, eventSegmentLimit, eventMaxSegments)
}

func newWALStore(dir string, segmentLimit, maxSegments int) (*WALStore, error) {
	if dir == "" {
		dir = defaultEventsDir
	}
	if err := os.MkdirAll(dir, eventDirPermission); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure events directory %s", dir)
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "events_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger event WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends the event to the journal.
func (s *WALStore) Save(event domain.LedgerEvent) error {
	if s == nil || s.wal == nil {
		return errors.New("ledger event store is not initialized")
	}
	if event.UserID == "" {
		return errors.New("ledger event user id is required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal ledger event")
	}

	key := eventKeyPrefix + event.UserID

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EventsAfter returns all events written after the provided WAL index.
// Indexes whose segment was already rotated out are skipped.
func (s *WALStore) EventsAfter(index uint64) ([]domain.LedgerEventRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("ledger event store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.LedgerEventRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "read ledger event %d", idx)
		}
		// deleted segments yield an empty key
		if !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}
		var event domain.LedgerEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode ledger event")
		}
		records = append(records, domain.LedgerEventRecord{
			Index: idx,
			Event: event,
		})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("ledger event store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
