// Package credits records which chain transactions already funded a credit.
package credits

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/kv"
)

const markerKeyPrefix = "credited_tx_"

// Store credited-transaction markers keyed by transaction hash.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Claim writes marker unless its hash is already claimed. It returns the
// marker now stored under the hash and whether this call created it.
func (s *Store) Claim(ctx context.Context, marker domain.CreditMarker) (domain.CreditMarker, bool, error) {
	if marker.Hash == "" {
		return domain.CreditMarker{}, false, errors.New("marker hash is required")
	}

	payload, err := json.Marshal(marker)
	if err != nil {
		return domain.CreditMarker{}, false, errors.Wrap(err, "marshal credit marker")
	}

	created, err := s.kv.PutIfAbsent(ctx, markerKey(marker.Hash), payload)
	if err != nil {
		return domain.CreditMarker{}, false, errors.Wrapf(err, "claim transaction %s", marker.Hash)
	}
	if created {
		return marker, true, nil
	}

	existing, found, err := s.Get(ctx, marker.Hash)
	if err != nil {
		return domain.CreditMarker{}, false, err
	}
	if !found {
		return domain.CreditMarker{}, false, errors.Errorf("marker for %s vanished after claim conflict", marker.Hash)
	}
	return existing, false, nil
}

// Get returns the marker for hash, if any.
func (s *Store) Get(ctx context.Context, hash string) (domain.CreditMarker, bool, error) {
	raw, err := s.kv.Get(ctx, markerKey(hash))
	if errors.Is(err, kv.ErrNotFound) {
		return domain.CreditMarker{}, false, nil
	}
	if err != nil {
		return domain.CreditMarker{}, false, errors.Wrapf(err, "load marker %s", hash)
	}

	var marker domain.CreditMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return domain.CreditMarker{}, false, errors.Wrapf(err, "decode marker %s", hash)
	}
	return marker, true, nil
}

// ClaimedByOther reports whether hash already funded an intent other than intentID.
func (s *Store) ClaimedByOther(ctx context.Context, hash, intentID string) (bool, error) {
	marker, found, err := s.Get(ctx, hash)
	if err != nil || !found {
		return false, err
	}
	return marker.IntentID != intentID, nil
}

func markerKey(hash string) string {
	return markerKeyPrefix + hash
}
