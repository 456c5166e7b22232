// Package poller periodically re-checks pending payment intents so that
// payments are credited even when the client never calls check-payment.
package poller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/services/reconciler"
)

type paymentEngine interface {
	PendingIntents(ctx context.Context) ([]domain.PaymentIntent, error)
	CheckPayment(ctx context.Context, intentID, txHint string) (reconciler.CheckResult, error)
	ExpireIfStale(ctx context.Context, intent domain.PaymentIntent) (bool, error)
}

// Stats summary of one polling pass.
type Stats struct {
	Checked  int
	Credited int
	Expired  int
	Failed   int
}

// Poller background loop over pending intents.
type Poller struct {
	engine   paymentEngine
	interval time.Duration
	logger   *zap.Logger
}

func New(engine paymentEngine, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Starting pending intent poller", zap.Duration("poll_interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context done, stopping pending intent poller")
			return ctx.Err()
		case <-ticker.C:
			stats, err := p.Tick(ctx)
			if err != nil {
				p.logger.Error("Polling pass failed", zap.Error(err))
				continue
			}
			if stats.Checked > 0 {
				p.logger.Debug("Polling pass finished",
					zap.Int("checked", stats.Checked),
					zap.Int("credited", stats.Credited),
					zap.Int("expired", stats.Expired),
					zap.Int("failed", stats.Failed))
			}
		}
	}
}

// Tick runs a single pass. An unavailable chain source ends the pass early;
// the remaining intents are retried on the next tick.
func (p *Poller) Tick(ctx context.Context) (Stats, error) {
	var stats Stats

	pending, err := p.engine.PendingIntents(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "list pending intents")
	}

	for _, intent := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.Checked++
		res, err := p.engine.CheckPayment(ctx, intent.ID, "")
		if err != nil {
			stats.Failed++
			if errors.Is(err, domain.ErrUpstreamUnavailable) {
				p.logger.Warn("Transaction source unavailable, postponing pass",
					zap.String("intent_id", intent.ID),
					zap.Error(err))
				return stats, nil
			}
			p.logger.Error("Failed to check pending intent",
				zap.String("intent_id", intent.ID),
				zap.Error(err))
			continue
		}

		if res.Credited {
			stats.Credited++
			continue
		}
		if res.Matched {
			continue
		}

		expired, err := p.engine.ExpireIfStale(ctx, intent)
		if err != nil {
			stats.Failed++
			p.logger.Error("Failed to expire intent",
				zap.String("intent_id", intent.ID),
				zap.Error(err))
			continue
		}
		if expired {
			stats.Expired++
		}
	}

	return stats, nil
}
