// Package web exposes the payment ledger over a small JSON HTTP API.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/services/reconciler"
)

type paymentService interface {
	CreateIntent(ctx context.Context, userID string, amount decimal.Decimal, opts reconciler.CreateOptions) (domain.PaymentIntent, error)
	GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error)
	CheckPayment(ctx context.Context, intentID, txHint string) (reconciler.CheckResult, error)
}

type balanceLedger interface {
	Balance(ctx context.Context, userID string) (*domain.Balance, error)
	Adjust(ctx context.Context, userID string, delta decimal.Decimal, ref, reason string) (*domain.Balance, bool, error)
}

type ledgerEventReader interface {
	EventsAfter(index uint64) ([]domain.LedgerEventRecord, error)
}

type ledgerEventNotifier interface {
	Subscribe() chan domain.LedgerEvent
	Unsubscribe(ch chan domain.LedgerEvent)
}

// Server serves the ledger API, metrics and the ledger event stream.
type Server struct {
	Addr     string
	payments paymentService
	ledger   balanceLedger
	events   ledgerEventReader
	notifier ledgerEventNotifier
	logger   *zap.Logger
}

// NewServer creates a new web server instance. events and notifier may be nil.
func NewServer(addr string, payments paymentService, ledger balanceLedger, events ledgerEventReader, notifier ledgerEventNotifier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Addr:     addr,
		payments: payments,
		ledger:   ledger,
		events:   events,
		notifier: notifier,
		logger:   logger,
	}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/balance", s.handleGetBalance).Methods(http.MethodGet)
	r.HandleFunc("/balance/adjust", s.handleAdjustBalance).Methods(http.MethodPost)
	r.HandleFunc("/create-payment", s.handleCreatePayment).Methods(http.MethodPost)
	r.HandleFunc("/check-payment", s.handleCheckPayment).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}", s.handleGetPayment).Methods(http.MethodGet)
	r.HandleFunc("/ledger/stream", s.handleLedgerStream).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("HTTP API listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	// HTTP server on port 80 for ACME challenges and HTTP->HTTPS redirects.
	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	// shutdown both servers when context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("acme http server: %w", err)
		}
	}()

	s.logger.Info("HTTPS API listening",
		zap.String("addr", s.Addr),
		zap.Strings("domains", domains))

	go func() {
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
		errCh <- nil
	}()

	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
