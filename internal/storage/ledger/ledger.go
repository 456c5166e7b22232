// Package ledger keeps user balances on top of a key-value store.
//
// Every adjustment is a per-user atomic read-modify-write. Stores that can
// compare-and-swap get an optimistic retry loop; others are serialized by a
// striped in-process lock, which is only safe for a single process.
//
// An adjustment with a reference is committed in three steps: the balance
// record is written with the reference pending, a marker is stored under its
// own key, then the reference is removed from the record. A call that finds
// the reference still pending finishes the last two steps instead of applying
// the delta again, so the record never keeps more than in-flight references.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/kv"
)

const (
	balanceKeyPrefix = "balance_"
	refKeyPrefix     = "applied_ref_"
	lockStripes      = 64
	maxSwapAttempts  = 128
)

// ErrContention is returned when a compare-and-swap loop keeps losing.
var ErrContention = errors.New("balance update contention")

type eventJournal interface {
	Save(event domain.LedgerEvent) error
}

type eventPublisher interface {
	Publish(event domain.LedgerEvent)
}

// Ledger user balance store.
type Ledger struct {
	store     kv.Store
	swapper   kv.Swapper
	locks     [lockStripes]sync.Mutex
	journal   eventJournal
	publisher eventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal records every applied change in the given journal.
func WithJournal(j eventJournal) Option {
	return func(l *Ledger) {
		l.journal = j
	}
}

// WithPublisher pushes every applied change to p.
func WithPublisher(p eventPublisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

// WithLogger sets the logger used for retries and journal failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock overrides the time source stamped on balances and events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger over store. Compare-and-swap is used when store supports it.
func New(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	if swapper, ok := store.(kv.Swapper); ok {
		l.swapper = swapper
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance returns the user's balance; unknown users have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*domain.Balance, error) {
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	balance, _, err := l.load(ctx, userID)
	return balance, err
}

// Adjust adds delta to the user's balance. A non-empty ref makes the call
// idempotent: a repeated ref returns the current balance and applied=false.
// A result below zero fails with domain.ErrInsufficientFunds.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta decimal.Decimal, ref, reason string) (*domain.Balance, bool, error) {
	if userID == "" {
		return nil, false, domain.ErrInvalidUser
	}
	if delta.IsZero() {
		return nil, false, errors.Wrap(domain.ErrInvalidAmount, "zero adjustment")
	}

	var (
		balance *domain.Balance
		applied bool
		err     error
	)
	if l.swapper != nil {
		balance, applied, err = l.adjustWithSwap(ctx, userID, delta, ref)
	} else {
		balance, applied, err = l.adjustWithLock(ctx, userID, delta, ref)
	}
	if err != nil {
		return nil, false, err
	}

	if applied {
		l.emit(domain.LedgerEvent{
			Timestamp: balance.UpdatedAt,
			UserID:    userID,
			Delta:     delta,
			Balance:   balance.Amount,
			Reason:    reason,
			Ref:       ref,
		})
	}

	return balance, applied, nil
}

func (l *Ledger) adjustWithSwap(ctx context.Context, userID string, delta decimal.Decimal, ref string) (*domain.Balance, bool, error) {
	key := balanceKey(userID)

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		balance, raw, err := l.load(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		done, err := l.alreadyApplied(ctx, balance, ref)
		if err != nil || done {
			return balance, false, err
		}
		if err := l.apply(balance, delta, ref); err != nil {
			return nil, false, err
		}

		next, err := json.Marshal(balance)
		if err != nil {
			return nil, false, errors.Wrap(err, "marshal balance")
		}

		var stored bool
		if raw == nil {
			stored, err = l.store.PutIfAbsent(ctx, key, next)
		} else {
			stored, err = l.swapper.CompareAndSwap(ctx, key, raw, next)
		}
		if err != nil {
			return nil, false, errors.Wrapf(err, "store balance for %s", userID)
		}
		if stored {
			l.settleAfterApply(ctx, balance, ref)
			return balance, true, nil
		}

		l.logger.Debug("balance changed concurrently, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1))
	}

	return nil, false, errors.Wrapf(ErrContention, "user %s", userID)
}

func (l *Ledger) adjustWithLock(ctx context.Context, userID string, delta decimal.Decimal, ref string) (*domain.Balance, bool, error) {
	mu := l.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	balance, _, err := l.load(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	done, err := l.alreadyApplied(ctx, balance, ref)
	if err != nil || done {
		return balance, false, err
	}
	if err := l.apply(balance, delta, ref); err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(balance)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal balance")
	}
	if err := l.store.Put(ctx, balanceKey(userID), payload); err != nil {
		return nil, false, errors.Wrapf(err, "store balance for %s", userID)
	}

	l.settleAfterApply(ctx, balance, ref)
	return balance, true, nil
}

// alreadyApplied reports whether ref was applied before. A reference still
// pending in the record is settled on the way out.
func (l *Ledger) alreadyApplied(ctx context.Context, balance *domain.Balance, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	if balance.Applied(ref) {
		if err := l.settle(ctx, balance.UserID, ref); err != nil {
			return true, err
		}
		balance.Settle(ref)
		return true, nil
	}

	_, err := l.store.Get(ctx, refKey(balance.UserID, ref))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "load applied reference %s", ref)
	}
	return true, nil
}

// settleAfterApply runs after the balance is stored. A failure leaves ref
// pending in the record, where the next call with the same ref finishes it.
func (l *Ledger) settleAfterApply(ctx context.Context, balance *domain.Balance, ref string) {
	if ref == "" {
		return
	}
	if err := l.settle(ctx, balance.UserID, ref); err != nil {
		l.logger.Warn("applied reference left pending",
			zap.String("user_id", balance.UserID),
			zap.String("ref", ref),
			zap.Error(err))
		return
	}
	balance.Settle(ref)
}

// settle writes the marker for ref and then drops ref from the balance record.
// Lock-mode callers hold the user's stripe.
func (l *Ledger) settle(ctx context.Context, userID, ref string) error {
	marker, err := json.Marshal(appliedRef{UserID: userID, Ref: ref, AppliedAt: l.now().UTC()})
	if err != nil {
		return errors.Wrap(err, "marshal applied reference")
	}
	if _, err := l.store.PutIfAbsent(ctx, refKey(userID, ref), marker); err != nil {
		return errors.Wrapf(err, "store applied reference %s", ref)
	}

	key := balanceKey(userID)
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		balance, raw, err := l.load(ctx, userID)
		if err != nil {
			return err
		}
		if raw == nil || !balance.Applied(ref) {
			return nil
		}
		balance.Settle(ref)

		next, err := json.Marshal(balance)
		if err != nil {
			return errors.Wrap(err, "marshal balance")
		}
		if l.swapper == nil {
			return errors.Wrapf(l.store.Put(ctx, key, next), "store balance for %s", userID)
		}
		stored, err := l.swapper.CompareAndSwap(ctx, key, raw, next)
		if err != nil {
			return errors.Wrapf(err, "store balance for %s", userID)
		}
		if stored {
			return nil
		}
	}

	return errors.Wrapf(ErrContention, "user %s", userID)
}

func (l *Ledger) apply(balance *domain.Balance, delta decimal.Decimal, ref string) error {
	if balance.Amount.Add(delta).IsNegative() {
		return errors.Wrapf(domain.ErrInsufficientFunds, "balance %s, adjustment %s",
			balance.Amount.String(), delta.String())
	}
	balance.Apply(delta, ref, l.now())
	return nil
}

// load returns the decoded balance and the raw bytes it was decoded from (nil when absent).
func (l *Ledger) load(ctx context.Context, userID string) (*domain.Balance, []byte, error) {
	raw, err := l.store.Get(ctx, balanceKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return domain.NewBalance(userID), nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load balance for %s", userID)
	}

	var balance domain.Balance
	if err := json.Unmarshal(raw, &balance); err != nil {
		return nil, nil, errors.Wrapf(err, "decode balance for %s", userID)
	}
	return &balance, raw, nil
}

func (l *Ledger) emit(event domain.LedgerEvent) {
	if l.journal != nil {
		if err := l.journal.Save(event); err != nil {
			l.logger.Warn("failed to journal ledger event",
				zap.String("user_id", event.UserID),
				zap.Error(err))
		}
	}
	if l.publisher != nil {
		l.publisher.Publish(event)
	}
}

func (l *Ledger) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.locks[h.Sum32()%lockStripes]
}

type appliedRef struct {
	UserID    string    `json:"user_id"`
	Ref       string    `json:"ref"`
	AppliedAt time.Time `json:"applied_at"`
}

func balanceKey(userID string) string {
	return balanceKeyPrefix + userID
}

// refKey length-prefixes the user so distinct (user, ref) pairs never collide.
func refKey(userID, ref string) string {
	return fmt.Sprintf("%s%d:%s:%s", refKeyPrefix, len(userID), userID, ref)
}
