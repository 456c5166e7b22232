// Package reconciler matches payment intents against on-chain transactions
// and credits each payment to the user's balance exactly once.
//
// The commit of a matched payment runs in a fixed order:
//
//  1. claim the transaction hash marker (put-if-absent, the authoritative gate);
//  2. credit the intent amount, idempotent per intent;
//  3. move the intent from pending to paid.
//
// A crash between steps leaves a state that the next check completes without
// crediting twice.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/intents"
)

// Reasons attached to checks that did not credit.
const (
	ReasonNoMatch         = "no matching transaction"
	ReasonAlreadyCredited = "transaction already credited"
	ReasonExpired         = "intent expired"
)

const (
	defaultMinAmount = "0.1"
	defaultLimit     = 20
	defaultTimeout   = 10 * time.Second
	maxAmountPlaces  = domain.NanoExp
)

type intentStore interface {
	Create(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error)
	Get(ctx context.Context, id string) (domain.PaymentIntent, error)
	MarkPaid(ctx context.Context, id, txHash string, at time.Time) (domain.PaymentIntent, error)
	MarkExpired(ctx context.Context, id string) (domain.PaymentIntent, error)
	ListPending(ctx context.Context) ([]domain.PaymentIntent, error)
}

type creditStore interface {
	Claim(ctx context.Context, marker domain.CreditMarker) (domain.CreditMarker, bool, error)
	ClaimedByOther(ctx context.Context, hash, intentID string) (bool, error)
}

type balanceLedger interface {
	Adjust(ctx context.Context, userID string, delta decimal.Decimal, ref, reason string) (*domain.Balance, bool, error)
	Balance(ctx context.Context, userID string) (*domain.Balance, error)
}

type transactionSource interface {
	ListTransactions(ctx context.Context, address string, limit int) ([]domain.ChainTransaction, error)
}

// MatchPolicy optional rules a transaction must satisfy on top of the amount check.
type MatchPolicy struct {
	// RequireMemo transaction comment must contain the intent memo.
	RequireMemo bool
	// RequireWallet transaction source must be the wallet declared on the intent.
	RequireWallet bool
}

// Config receiving wallet, matching rules and query bounds of the engine.
type Config struct {
	ReceiveAddress string
	MinAmount      decimal.Decimal
	Policy         MatchPolicy
	// Limit number of recent transactions requested per check.
	Limit int
	// Timeout bounds a single chain query.
	Timeout time.Duration
	// IntentTTL age after which an unmatched pending intent may expire; zero disables expiry.
	IntentTTL time.Duration
}

// Deps storage and transport collaborators of the engine.
type Deps struct {
	Intents intentStore
	Credits creditStore
	Ledger  balanceLedger
	Source  transactionSource
}

// Engine payment reconciliation engine.
type Engine struct {
	cfg     Config
	intents intentStore
	credits creditStore
	ledger  balanceLedger
	source  transactionSource
	logger  *zap.Logger
	now     func() time.Time
	newMemo func() string
}

// New creates an engine. The receiving address is mandatory.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg.ReceiveAddress == "" {
		return nil, errors.New("receiving address is required")
	}
	if deps.Intents == nil || deps.Credits == nil || deps.Ledger == nil || deps.Source == nil {
		return nil, errors.New("reconciler dependencies are incomplete")
	}
	if cfg.MinAmount.IsZero() {
		cfg.MinAmount = decimal.RequireFromString(defaultMinAmount)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:     cfg,
		intents: deps.Intents,
		credits: deps.Credits,
		ledger:  deps.Ledger,
		source:  deps.Source,
		logger:  logger,
		now:     time.Now,
		newMemo: uuid.NewString,
	}, nil
}

// CreateOptions optional attributes of a new intent.
type CreateOptions struct {
	// Wallet sender wallet; required when the wallet policy is on.
	Wallet string
}

// CreateIntent registers an expected payment of amount from userID.
func (e *Engine) CreateIntent(ctx context.Context, userID string, amount decimal.Decimal, opts CreateOptions) (domain.PaymentIntent, error) {
	if userID == "" {
		return domain.PaymentIntent{}, domain.ErrInvalidUser
	}
	if !amount.IsPositive() {
		return domain.PaymentIntent{}, errors.Wrapf(domain.ErrInvalidAmount, "amount %s must be positive", amount.String())
	}
	if amount.LessThan(e.cfg.MinAmount) {
		return domain.PaymentIntent{}, errors.Wrapf(domain.ErrInvalidAmount,
			"amount %s is below the minimum %s", amount.String(), e.cfg.MinAmount.String())
	}
	if !amount.Equal(amount.Truncate(maxAmountPlaces)) {
		return domain.PaymentIntent{}, errors.Wrapf(domain.ErrInvalidAmount,
			"amount %s has more than %d decimal places", amount.String(), maxAmountPlaces)
	}
	if e.cfg.Policy.RequireWallet && opts.Wallet == "" {
		return domain.PaymentIntent{}, errors.Wrap(domain.ErrInvalidWallet, "sender wallet is required")
	}

	intent := domain.PaymentIntent{
		UserID:    userID,
		Amount:    amount,
		Status:    domain.IntentStatusPending,
		Address:   e.cfg.ReceiveAddress,
		Wallet:    opts.Wallet,
		CreatedAt: e.now().UTC(),
	}
	if e.cfg.Policy.RequireMemo {
		intent.Memo = e.newMemo()
	}

	created, err := e.intents.Create(ctx, intent)
	if err != nil {
		return domain.PaymentIntent{}, errors.Wrap(err, "create payment intent")
	}

	intentsCreated.Inc()
	e.logger.Info("payment intent created",
		zap.String("intent_id", created.ID),
		zap.String("user_id", userID),
		zap.String("amount", amount.String()))

	return created, nil
}

// GetIntent returns the intent or domain.ErrNotFound.
func (e *Engine) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return e.intents.Get(ctx, id)
}

// PendingIntents returns intents still waiting for a payment.
func (e *Engine) PendingIntents(ctx context.Context) ([]domain.PaymentIntent, error) {
	return e.intents.ListPending(ctx)
}

// Balance returns the user's current balance.
func (e *Engine) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Amount, nil
}

// ExpireIfStale expires a pending intent older than the configured TTL.
// It reports whether the intent was expired by this call.
func (e *Engine) ExpireIfStale(ctx context.Context, intent domain.PaymentIntent) (bool, error) {
	if !intent.Expired(e.now(), e.cfg.IntentTTL) {
		return false, nil
	}

	_, err := e.intents.MarkExpired(ctx, intent.ID)
	if errors.Is(err, intents.ErrStatusConflict) {
		// paid concurrently
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "expire intent %s", intent.ID)
	}

	e.logger.Info("payment intent expired",
		zap.String("intent_id", intent.ID),
		zap.Duration("ttl", e.cfg.IntentTTL))
	return true, nil
}
