package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/app"
	"escrowflow/config"
)

// Harness owns the lifecycle of the test database and its pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database in this order: overrideDSN, ESCROW_TEST_PG_DSN,
// a Postgres 16 container, a local Postgres on 5432. Shared databases get an
// isolated schema. The test is skipped when none is reachable.
func NewHarness(ctx context.Context, t testing.TB, overrideDSN string) *Harness {
	t.Helper()
	var (
		pgC    = &PGContainer{}
		dsn    string
		shared bool
		err    error
	)
	switch {
	case overrideDSN != "":
		dsn, shared = overrideDSN, true
	case os.Getenv(DSNEnv) != "":
		dsn, shared = os.Getenv(DSNEnv), true
	case DockerAvailable(ctx):
		pgC, dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available (set %s or run docker): %v", DSNEnv, err)
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		t.Fatalf("apply migrations: %v", err)
	}
	h := &Harness{container: pgC, pool: pool, dsn: dsn, teardown: teardown}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// App wires the services over the harness pool with sandbox collaborators.
// cfg zero values take the configuration defaults.
func (h *Harness) App(t testing.TB, mutate func(*config.Config), collab app.Collaborators) *app.App {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Auth.JWTSecret = "integration-secret-0123456789"
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.Build(h.pool, cfg, logger, collab)
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
		h.pool = nil
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
		h.teardown = nil
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
		h.container = nil
	}
}

// Reset truncates mutable tables to provide a clean slate for the next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"timeline_events",
		"disputes",
		"milestones",
		"funding_attempts",
		"escrow_holds",
		"bids",
		"work_orders",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// TRUNCATE does not fire row-level delete guards.
	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
