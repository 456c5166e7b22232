package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/payledger/internal/services/poller"
	"github.com/vadiminshakov/payledger/internal/web"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pending payment poller",
		Long: `Run the JSON HTTP API, Prometheus metrics, the ledger event stream and
the background poller that re-checks pending payments.

Example:
  payledger serve --config config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine()
	if err != nil {
		return err
	}

	srv := web.NewServer(a.cfg.ListenAddr, engine, a.ledger, a.journal, a.broadcaster, logger.Named("web"))
	p := poller.New(engine, a.cfg.PollInterval, logger.Named("poller"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.cfg.TLS.Enabled() {
			return srv.StartWithAutoTLS(gctx, a.cfg.TLS.Domains, a.cfg.TLS.CacheDir)
		}
		return srv.Start(gctx)
	})
	g.Go(func() error {
		if err := p.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logger.Info("payledger started",
		zap.String("addr", a.cfg.ListenAddr),
		zap.String("backend", a.cfg.Storage.Backend),
		zap.String("receive_address", a.cfg.Chain.ReceiveAddress))

	if err := g.Wait(); err != nil {
		logger.Error("payledger stopped", zap.Error(err))
		return err
	}
	logger.Info("payledger stopped")
	return nil
}
