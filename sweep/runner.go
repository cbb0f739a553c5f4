// Package sweep is the release scheduler: a stateless batch pass that
// releases escrows past their contest window, re-drives due settlement
// retries, reconciles accepted bids that never got funded and drains the
// notification outbox. Every per-row action is a conditional write, so runs
// may overlap safely.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/outbox"
)

// Ledger is the escrow surface the sweeps drive.
type Ledger interface {
	ReleaseCandidates(ctx context.Context, window time.Duration, limit int) ([]string, error)
	Release(ctx context.Context, p escrow.ReleaseParams) (escrow.SettlementResult, error)
	DueSettlements(ctx context.Context, limit int) ([]string, error)
	Settle(ctx context.Context, holdID string) (escrow.SettlementResult, error)
	UnfundedBids(ctx context.Context, grace time.Duration, limit int) ([]escrow.UnfundedBid, error)
	FundAccepted(ctx context.Context, bidID string) (escrow.Hold, error)
}

// Deliverer drains the outbox.
type Deliverer interface {
	Deliver(ctx context.Context, limit int) (outbox.DeliveryResult, error)
}

type Config struct {
	ContestWindow time.Duration
	FundingGrace  time.Duration
	BatchSize     int
	Concurrency   int
}

// Failure is one row a sweep could not advance.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result counts what one sweep did.
type Result struct {
	Found     int       `json:"found"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Summary is returned by Run.
type Summary struct {
	StartedAt     time.Time             `json:"started_at"`
	Duration      string                `json:"duration"`
	Release       Result                `json:"release"`
	Settlements   Result                `json:"settlements"`
	Funding       Result                `json:"funding"`
	Notifications outbox.DeliveryResult `json:"notifications"`
	Errors        []string              `json:"errors,omitempty"`
}

type outcome int

const (
	succeeded outcome = iota
	skipped
	failed
)

// tally accumulates per-row outcomes from concurrent workers.
type tally struct {
	mu  sync.Mutex
	res Result
}

func (t *tally) add(id string, o outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case succeeded:
		t.res.Succeeded++
	case skipped:
		t.res.Skipped++
	case failed:
		t.res.Failed++
		t.res.Failures = append(t.res.Failures, Failure{ID: id, Error: err.Error()})
	}
}

type Runner struct {
	ledger    Ledger
	deliverer Deliverer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewRunner(ledger Ledger, deliverer Deliverer, cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ContestWindow < 0 {
		cfg.ContestWindow = 0
	}
	return &Runner{ledger: ledger, deliverer: deliverer, cfg: cfg, logger: slog.Default(), now: time.Now}
}

func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// fanOut runs fn for each id with bounded concurrency. Row failures are
// tallied, never returned, so one bad row cannot abort the batch.
func (r *Runner) fanOut(ctx context.Context, ids []string, fn func(ctx context.Context, id string) (outcome, error)) Result {
	t := &tally{}
	t.res.Found = len(ids)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				t.add(id, failed, gctx.Err())
				return nil
			}
			o, err := fn(gctx, id)
			t.add(id, o, err)
			return nil
		})
	}
	_ = g.Wait()
	return t.res
}

// ReleaseDue releases every held escrow whose job completed more than the
// contest window ago and that has no open dispute.
func (r *Runner) ReleaseDue(ctx context.Context) (Result, error) {
	ids, err := r.ledger.ReleaseCandidates(ctx, r.cfg.ContestWindow, r.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}
	res := r.fanOut(ctx, ids, func(ctx context.Context, id string) (outcome, error) {
		out, err := r.ledger.Release(ctx, escrow.ReleaseParams{HoldID: id})
		switch {
		case err == nil && out.Settled:
			return succeeded, nil
		case err == nil:
			return skipped, nil
		case errors.Is(err, escrow.ErrNotReleaseEligible), errors.Is(err, escrow.ErrInvalidEscrowState):
			r.logger.InfoContext(ctx, "release skipped", "hold_id", id, "reason", err)
			return skipped, nil
		default:
			r.logger.WarnContext(ctx, "release failed", "hold_id", id, "error", err)
			return failed, err
		}
	})
	r.logger.InfoContext(ctx, "release sweep", "found", res.Found, "released", res.Succeeded, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// RetrySettlements re-drives settlements whose backoff elapsed and claims
// whose lease went stale.
func (r *Runner) RetrySettlements(ctx context.Context) (Result, error) {
	ids, err := r.ledger.DueSettlements(ctx, r.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}
	res := r.fanOut(ctx, ids, func(ctx context.Context, id string) (outcome, error) {
		out, err := r.ledger.Settle(ctx, id)
		switch {
		case err == nil && out.Settled:
			return succeeded, nil
		case err == nil:
			return skipped, nil
		default:
			r.logger.WarnContext(ctx, "settlement retry failed", "hold_id", id, "error", err)
			return failed, err
		}
	})
	r.logger.InfoContext(ctx, "settlement sweep", "found", res.Found, "settled", res.Succeeded, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// ReconcileFunding retries funding for accepted bids that have no hold.
// Capture failures are recorded by the ledger, which raises the operator
// alert once the attempt budget is spent.
func (r *Runner) ReconcileFunding(ctx context.Context) (Result, error) {
	bids, err := r.ledger.UnfundedBids(ctx, r.cfg.FundingGrace, r.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}
	ids := make([]string, 0, len(bids))
	for _, b := range bids {
		ids = append(ids, b.BidID)
	}
	res := r.fanOut(ctx, ids, func(ctx context.Context, id string) (outcome, error) {
		if _, err := r.ledger.FundAccepted(ctx, id); err != nil {
			r.logger.WarnContext(ctx, "funding reconciliation failed", "bid_id", id, "error", err)
			return failed, err
		}
		return succeeded, nil
	})
	r.logger.InfoContext(ctx, "funding sweep", "found", res.Found, "funded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// DeliverNotifications drains one batch of the outbox.
func (r *Runner) DeliverNotifications(ctx context.Context) (outbox.DeliveryResult, error) {
	if r.deliverer == nil {
		return outbox.DeliveryResult{}, nil
	}
	return r.deliverer.Deliver(ctx, r.cfg.BatchSize)
}

// Run executes every sweep. A failing sweep is reported in Summary.Errors
// and does not stop the others; the returned error is the first of them.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.now()
	sum := Summary{StartedAt: start.UTC()}
	var firstErr error
	record := func(name string, err error) {
		if err == nil {
			return
		}
		r.logger.ErrorContext(ctx, "sweep failed", "sweep", name, "error", err)
		sum.Errors = append(sum.Errors, name+": "+err.Error())
		if firstErr == nil {
			firstErr = err
		}
	}

	var err error
	sum.Settlements, err = r.RetrySettlements(ctx)
	record("settlements", err)
	sum.Release, err = r.ReleaseDue(ctx)
	record("release", err)
	sum.Funding, err = r.ReconcileFunding(ctx)
	record("funding", err)
	sum.Notifications, err = r.DeliverNotifications(ctx)
	record("notifications", err)

	sum.Duration = r.now().Sub(start).String()
	return sum, firstErr
}
