package cli

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/config"
	"github.com/vadiminshakov/payledger/internal/clients"
	"github.com/vadiminshakov/payledger/internal/events"
	"github.com/vadiminshakov/payledger/internal/services/reconciler"
	"github.com/vadiminshakov/payledger/internal/storage/credits"
	"github.com/vadiminshakov/payledger/internal/storage/intents"
	"github.com/vadiminshakov/payledger/internal/storage/kv"
	"github.com/vadiminshakov/payledger/internal/storage/ledger"
	"github.com/vadiminshakov/payledger/internal/storage/ledgerevents"
)

const broadcastBuffer = 64

// app wires storage and services from a loaded config.
type app struct {
	cfg         config.Config
	logger      *zap.Logger
	store       kv.Store
	journal     *ledgerevents.WALStore
	broadcaster *events.LedgerBroadcaster
	ledger      *ledger.Ledger
}

func openApp(ctx context.Context, opts *RootOptions, logger *zap.Logger) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	store, err := kv.Open(ctx, cfg.Storage.Backend, cfg.Storage.Dir, cfg.Storage.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.Storage.Backend)
	}

	journal, err := ledgerevents.NewWALStore(cfg.EventsDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	broadcaster := events.NewLedgerBroadcaster(broadcastBuffer)

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		journal:     journal,
		broadcaster: broadcaster,
		ledger: ledger.New(store,
			ledger.WithJournal(journal),
			ledger.WithPublisher(broadcaster),
			ledger.WithLogger(logger.Named("ledger")),
		),
	}, nil
}

// engine builds the reconciliation engine; it needs a receiving address.
func (a *app) engine() (*reconciler.Engine, error) {
	source := clients.NewTonCenterClient(
		a.cfg.Chain.APIURL,
		a.cfg.Chain.APIKey,
		a.cfg.Chain.Timeout,
		a.cfg.Chain.Retries,
		a.logger.Named("toncenter"),
	)

	return reconciler.New(reconciler.Config{
		ReceiveAddress: a.cfg.Chain.ReceiveAddress,
		MinAmount:      a.cfg.MinAmount,
		Policy: reconciler.MatchPolicy{
			RequireMemo:   a.cfg.Match.RequireMemo,
			RequireWallet: a.cfg.Match.RequireWallet,
		},
		Limit:     a.cfg.Chain.Limit,
		Timeout:   a.cfg.Chain.Timeout,
		IntentTTL: a.cfg.IntentTTL,
	}, reconciler.Deps{
		Intents: intents.NewStore(a.store),
		Credits: credits.NewStore(a.store),
		Ledger:  a.ledger,
		Source:  source,
	}, a.logger.Named("reconciler"))
}

func (a *app) Close() error {
	var firstErr error
	if err := a.journal.Close(); err != nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
