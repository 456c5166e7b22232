package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/intents"
)

// CheckResult outcome of a payment check.
type CheckResult struct {
	// Matched a qualifying transaction was found (or the intent is already paid).
	Matched bool
	// Credited this call applied the credit.
	Credited bool
	// AlreadyCredited the matched transaction funded another intent.
	AlreadyCredited bool
	Status          domain.IntentStatus
	Balance         decimal.Decimal
	Intent          domain.PaymentIntent
	TxHash          string
	Reason          string
}

// CheckPayment verifies whether the intent has been paid on chain and, if so,
// credits the user once. txHint narrows matching to a single transaction hash,
// given in hex or base64.
// Repeated and concurrent calls are safe.
func (e *Engine) CheckPayment(ctx context.Context, intentID, txHint string) (CheckResult, error) {
	started := time.Now()
	defer func() {
		checkDuration.Observe(time.Since(started).Seconds())
	}()

	intent, err := e.intents.Get(ctx, intentID)
	if err != nil {
		return CheckResult{}, err
	}

	switch intent.Status {
	case domain.IntentStatusPaid:
		checksTotal.WithLabelValues(outcomeAlreadyPaid).Inc()
		return e.settledResult(ctx, intent, true, "")
	case domain.IntentStatusExpired:
		checksTotal.WithLabelValues(outcomeExpired).Inc()
		return e.settledResult(ctx, intent, false, ReasonExpired)
	}

	tx, found, err := e.findTransaction(ctx, intent, domain.NormalizeTxHash(txHint))
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamUnavailable) {
			checksTotal.WithLabelValues(outcomeUpstreamError).Inc()
		} else {
			checksTotal.WithLabelValues(outcomeError).Inc()
		}
		return CheckResult{}, err
	}
	if !found {
		checksTotal.WithLabelValues(outcomeNoMatch).Inc()
		return e.pendingResult(ctx, intent, ReasonNoMatch)
	}

	return e.commit(ctx, intent, tx)
}

// findTransaction picks the first qualifying transaction in source order.
func (e *Engine) findTransaction(ctx context.Context, intent domain.PaymentIntent, txHint string) (domain.ChainTransaction, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	txs, err := e.source.ListTransactions(queryCtx, e.cfg.ReceiveAddress, e.cfg.Limit)
	if err != nil {
		e.logger.Warn("transaction source query failed",
			zap.String("intent_id", intent.ID),
			zap.Error(err))
		if errors.Is(err, domain.ErrUpstreamUnavailable) {
			return domain.ChainTransaction{}, false, err
		}
		return domain.ChainTransaction{}, false, errors.Wrap(domain.ErrUpstreamUnavailable, err.Error())
	}

	for _, tx := range txs {
		if !e.qualifies(intent, tx, txHint) {
			continue
		}

		other, err := e.credits.ClaimedByOther(ctx, tx.Hash, intent.ID)
		if err != nil {
			return domain.ChainTransaction{}, false, err
		}
		if other {
			e.logger.Debug("skipping transaction credited to another intent",
				zap.String("intent_id", intent.ID),
				zap.String("tx_hash", tx.Hash))
			continue
		}

		return tx, true, nil
	}

	return domain.ChainTransaction{}, false, nil
}

func (e *Engine) qualifies(intent domain.PaymentIntent, tx domain.ChainTransaction, txHint string) bool {
	if tx.Hash == "" {
		return false
	}
	if txHint != "" && domain.NormalizeTxHash(tx.Hash) != txHint {
		return false
	}
	if !domain.SameAddress(tx.Destination, e.cfg.ReceiveAddress) {
		return false
	}
	if tx.DisplayValue().LessThan(intent.Amount) {
		return false
	}
	if e.cfg.Policy.RequireMemo && !tx.HasMemo(intent.Memo) {
		return false
	}
	if e.cfg.Policy.RequireWallet && intent.Wallet != "" && !domain.SameAddress(tx.Source, intent.Wallet) {
		return false
	}
	return true
}

// commit applies a matched transaction: marker, then balance, then intent status.
func (e *Engine) commit(ctx context.Context, intent domain.PaymentIntent, tx domain.ChainTransaction) (CheckResult, error) {
	logger := e.logger.With(
		zap.String("intent_id", intent.ID),
		zap.String("user_id", intent.UserID),
		zap.String("tx_hash", tx.Hash))

	marker, claimed, err := e.credits.Claim(ctx, domain.CreditMarker{
		Hash:      tx.Hash,
		IntentID:  intent.ID,
		UserID:    intent.UserID,
		Amount:    intent.Amount,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		checksTotal.WithLabelValues(outcomeError).Inc()
		return CheckResult{}, errors.Wrap(err, "claim transaction")
	}
	if !claimed && marker.IntentID != intent.ID {
		checksTotal.WithLabelValues(outcomeAlreadyCredited).Inc()
		logger.Info("transaction already credited to another intent",
			zap.String("credited_intent_id", marker.IntentID))

		result, err := e.pendingResult(ctx, intent, ReasonAlreadyCredited)
		result.Matched = true
		result.AlreadyCredited = true
		result.TxHash = tx.Hash
		return result, err
	}
	if !claimed {
		logger.Info("resuming interrupted credit")
	}

	balance, applied, err := e.ledger.Adjust(ctx, intent.UserID, intent.Amount, creditRef(intent.ID), "payment")
	if err != nil {
		checksTotal.WithLabelValues(outcomeError).Inc()
		return CheckResult{}, errors.Wrapf(err, "credit intent %s", intent.ID)
	}

	paid, err := e.intents.MarkPaid(ctx, intent.ID, tx.Hash, e.now())
	if errors.Is(err, intents.ErrStatusConflict) {
		// settled by a concurrent check with a different transaction
		current, getErr := e.intents.Get(ctx, intent.ID)
		if getErr != nil {
			return CheckResult{}, getErr
		}
		logger.Warn("intent settled concurrently",
			zap.String("status", string(current.Status)),
			zap.String("settled_tx_hash", current.TxHash))
		return e.settledResult(ctx, current, current.Status == domain.IntentStatusPaid, "")
	}
	if err != nil {
		checksTotal.WithLabelValues(outcomeError).Inc()
		return CheckResult{}, errors.Wrapf(err, "mark intent %s paid", intent.ID)
	}

	if applied {
		checksTotal.WithLabelValues(outcomeCredited).Inc()
		creditsTotal.Inc()
		creditedAmount.Add(intent.Amount.InexactFloat64())
		logger.Info("payment credited",
			zap.String("amount", intent.Amount.String()),
			zap.String("observed", tx.DisplayValue().String()),
			zap.String("balance", balance.Amount.String()))
	} else {
		checksTotal.WithLabelValues(outcomeResumed).Inc()
	}

	return CheckResult{
		Matched:  true,
		Credited: applied,
		Status:   paid.Status,
		Balance:  balance.Amount,
		Intent:   paid,
		TxHash:   tx.Hash,
	}, nil
}

func (e *Engine) settledResult(ctx context.Context, intent domain.PaymentIntent, matched bool, reason string) (CheckResult, error) {
	balance, err := e.ledger.Balance(ctx, intent.UserID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Matched: matched,
		Status:  intent.Status,
		Balance: balance.Amount,
		Intent:  intent,
		TxHash:  intent.TxHash,
		Reason:  reason,
	}, nil
}

func (e *Engine) pendingResult(ctx context.Context, intent domain.PaymentIntent, reason string) (CheckResult, error) {
	return e.settledResult(ctx, intent, false, reason)
}

// creditRef ledger reference of an intent's credit; one credit per intent.
func creditRef(intentID string) string {
	return "intent:" + intentID
}
