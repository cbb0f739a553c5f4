// Package app wires configuration, the database pool and the domain
// services into the objects the binaries run.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/api"
	"escrowflow/auth"
	"escrowflow/bid"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/db/migrations"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/milestone"
	"escrowflow/outbox"
	"escrowflow/sweep"
	"escrowflow/workorder"
)

// App holds the wired services.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Auth       *auth.Service
	Orders     *workorder.Service
	Bids       *bid.Service
	Ledger     *escrow.Ledger
	Gate       *milestone.Gate
	Arbiter    *dispute.Arbiter
	Dispatcher *outbox.Dispatcher
	Runner     *sweep.Runner

	pool *pgxpool.Pool
}

// Collaborators are the external systems behind the gateway interfaces.
// Zero fields fall back to the sandbox implementations.
type Collaborators struct {
	Processor gateway.PaymentProcessor
	Evidence  gateway.EvidenceStore
	Notifier  gateway.Notifier
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Open connects to the database, applies migrations when configured and
// wires every service.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, collab Collaborators) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:       cfg.Database.MaxConns,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		applied, err := migrations.Apply(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "files", applied)
		}
	}
	a := Build(pool, cfg, logger, collab)
	a.pool = pool
	return a, nil
}

// Build wires the services over pool.
func Build(pool db.Pool, cfg config.Config, logger *slog.Logger, collab Collaborators) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if collab.Processor == nil {
		collab.Processor = gateway.NewSandboxProcessor()
	}
	if collab.Evidence == nil {
		collab.Evidence = &gateway.SignedURLStore{
			BaseURL: cfg.Evidence.BaseURL,
			Secret:  []byte(cfg.Evidence.SigningSecret),
			TTL:     cfg.Evidence.URLTTL,
		}
	}
	if collab.Notifier == nil {
		collab.Notifier = gateway.LogNotifier{Logger: logger}
	}

	orderRepo := workorder.NewRepository()
	orders := workorder.NewService(pool, orderRepo)

	gate := milestone.NewGate(pool, milestone.NewRepository()).
		WithEvidenceStore(collab.Evidence).
		WithDefaultPolicy(milestone.SignaturePolicy(cfg.Milestone.SignaturePolicy)).
		WithLogger(logger)

	ledger := escrow.NewLedger(pool, escrow.NewRepository(), orderRepo, gate, collab.Processor, escrow.Config{
		PayoutRetry:  cfg.Escrow.PayoutRetry.Policy(),
		FundingRetry: cfg.Escrow.FundingRetry.Policy(),
		ClaimLease:   cfg.Escrow.ClaimLease,
	}).WithLogger(logger)

	bids := bid.NewService(pool, bid.NewRepository(), orderRepo).
		WithFunder(ledger).
		WithLogger(logger)

	arbiter := dispute.NewArbiter(pool, dispute.NewRepository(), ledger, orders).WithLogger(logger)

	dispatcher := outbox.NewDispatcher(pool, outbox.Repository{}, collab.Notifier, cfg.Outbox.Retry.Policy()).
		WithLogger(logger)

	runner := sweep.NewRunner(ledger, dispatcher, sweep.Config{
		ContestWindow: cfg.Escrow.ContestWindow,
		FundingGrace:  cfg.Escrow.FundingGrace,
		BatchSize:     cfg.Scheduler.BatchSize,
		Concurrency:   cfg.Scheduler.Concurrency,
	}).WithLogger(logger)

	authSvc := auth.NewService(cfg.Auth.JWTSecret).WithOperatorKeyHash(cfg.Auth.OperatorKeyHash)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Auth:       authSvc,
		Orders:     orders,
		Bids:       bids,
		Ledger:     ledger,
		Gate:       gate,
		Arbiter:    arbiter,
		Dispatcher: dispatcher,
		Runner:     runner,
	}
}

// Handler returns the HTTP router over the wired services.
func (a *App) Handler() http.Handler {
	return api.NewServer(api.Services{
		Orders:     a.Orders,
		Bids:       a.Bids,
		Escrow:     a.Ledger,
		Milestones: a.Gate,
		Disputes:   a.Arbiter,
		Sweeps:     a.Runner,
		Auth:       a.Auth,
	}).WithLogger(a.Logger).Routes()
}

// HTTPServer returns a server configured from the http section.
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}
}

// Close releases the database pool opened by Open.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
