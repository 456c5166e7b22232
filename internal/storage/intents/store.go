// Package intents persists payment intents.
package intents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/kv"
)

// IDPrefix prefix of every intent id; the id doubles as the storage key.
const IDPrefix = "payment_"

const maxCreateAttempts = 5

// ErrListUnsupported is returned by ListPending when the store cannot enumerate keys.
var ErrListUnsupported = errors.New("store does not support listing intents")

// ErrStatusConflict is returned when an intent left the expected status concurrently.
var ErrStatusConflict = errors.New("intent status changed concurrently")

// Store payment intents keyed by id.
type Store struct {
	kv    kv.Store
	newID func() string
}

func NewStore(store kv.Store) *Store {
	return &Store{
		kv:    store,
		newID: NewID,
	}
}

// NewID returns a fresh unguessable intent id.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// Create assigns a new id to intent and stores it. An id collision retries with a fresh id.
func (s *Store) Create(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		intent.ID = s.newID()

		payload, err := json.Marshal(intent)
		if err != nil {
			return domain.PaymentIntent{}, errors.Wrap(err, "marshal intent")
		}

		created, err := s.kv.PutIfAbsent(ctx, intent.ID, payload)
		if err != nil {
			return domain.PaymentIntent{}, errors.Wrapf(err, "store intent %s", intent.ID)
		}
		if created {
			return intent, nil
		}
	}

	return domain.PaymentIntent{}, errors.Errorf("failed to allocate intent id after %d attempts", maxCreateAttempts)
}

// Get returns the intent or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.PaymentIntent, error) {
	intent, _, err := s.load(ctx, id)
	return intent, err
}

// MarkPaid moves an intent to paid. Calling it again for the same transaction
// is a no-op and an intent paid by another transaction is ErrStatusConflict.
// Expired intents may still be paid: a credit that was already applied must
// always be able to finish.
func (s *Store) MarkPaid(ctx context.Context, id, txHash string, at time.Time) (domain.PaymentIntent, error) {
	return s.transition(ctx, id, func(cur domain.PaymentIntent) (domain.PaymentIntent, bool, error) {
		if cur.Status == domain.IntentStatusPaid {
			if cur.TxHash == txHash {
				return cur, false, nil
			}
			return cur, false, errors.Wrapf(ErrStatusConflict, "intent %s is paid by %s", id, cur.TxHash)
		}
		return cur.MarkPaid(txHash, at), true, nil
	})
}

// MarkExpired moves a pending intent to expired.
func (s *Store) MarkExpired(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return s.transition(ctx, id, func(cur domain.PaymentIntent) (domain.PaymentIntent, bool, error) {
		if cur.Status == domain.IntentStatusExpired {
			return cur, false, nil
		}
		if !cur.Pending() {
			return cur, false, errors.Wrapf(ErrStatusConflict, "intent %s is %s", id, cur.Status)
		}
		return cur.MarkExpired(), true, nil
	})
}

// ListPending returns pending intents in id order.
func (s *Store) ListPending(ctx context.Context) ([]domain.PaymentIntent, error) {
	scanner, ok := s.kv.(kv.Scanner)
	if !ok {
		return nil, ErrListUnsupported
	}

	keys, err := scanner.Keys(ctx, IDPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list intent keys")
	}

	pending := make([]domain.PaymentIntent, 0, len(keys))
	for _, key := range keys {
		intent, _, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if intent.Pending() {
			pending = append(pending, intent)
		}
	}
	return pending, nil
}

// transition applies fn to the current intent and persists the result with a
// compare-and-swap when available. fn returns changed=false to skip the write.
func (s *Store) transition(
	ctx context.Context,
	id string,
	fn func(cur domain.PaymentIntent) (domain.PaymentIntent, bool, error),
) (domain.PaymentIntent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.PaymentIntent{}, err
		}

		cur, raw, err := s.load(ctx, id)
		if err != nil {
			return domain.PaymentIntent{}, err
		}

		next, changed, err := fn(cur)
		if err != nil || !changed {
			return next, err
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return domain.PaymentIntent{}, errors.Wrap(err, "marshal intent")
		}

		swapper, ok := s.kv.(kv.Swapper)
		if !ok {
			if err := s.kv.Put(ctx, id, payload); err != nil {
				return domain.PaymentIntent{}, errors.Wrapf(err, "store intent %s", id)
			}
			return next, nil
		}

		swapped, err := swapper.CompareAndSwap(ctx, id, raw, payload)
		if err != nil {
			return domain.PaymentIntent{}, errors.Wrapf(err, "store intent %s", id)
		}
		if swapped {
			return next, nil
		}
		// lost a race; re-read and let fn decide against the fresh state
	}
}

func (s *Store) load(ctx context.Context, id string) (domain.PaymentIntent, []byte, error) {
	if !strings.HasPrefix(id, IDPrefix) {
		return domain.PaymentIntent{}, nil, errors.Wrapf(domain.ErrNotFound, "intent %s", id)
	}

	raw, err := s.kv.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.PaymentIntent{}, nil, errors.Wrapf(domain.ErrNotFound, "intent %s", id)
	}
	if err != nil {
		return domain.PaymentIntent{}, nil, errors.Wrapf(err, "load intent %s", id)
	}

	var intent domain.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return domain.PaymentIntent{}, nil, errors.Wrapf(err, "decode intent %s", id)
	}
	return intent, raw, nil
}
