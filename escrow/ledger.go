// Package escrow owns the state of money tied to one accepted bid and is the
// only component that asks the payment processor to move money.
//
// Hold status moves funded → held → (disputed → held)* → released|refunded.
// Settlement is a sub-state: a conditional claim moves payout_state from none
// to in_flight, exactly one payout per leg is requested under a stable
// idempotency key, and the result either finalizes the hold or schedules a
// retry with exponential backoff until the attempt budget is spent.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/failure"
	"escrowflow/gateway"
	"escrowflow/milestone"
	"escrowflow/outbox"
	"escrowflow/retry"
	"escrowflow/timeline"
	"escrowflow/workorder"
)

// Store is the escrow persistence surface.
type Store interface {
	GetByID(ctx context.Context, q db.Querier, id string) (Hold, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Hold, error)
	GetByBid(ctx context.Context, q db.Querier, bidID string) (Hold, error)
	LoadFundingBid(ctx context.Context, q db.Querier, bidID string) (FundingBid, error)
	Insert(ctx context.Context, q db.Querier, h NewHold) (Hold, error)
	MarkHeld(ctx context.Context, q db.Querier, id string, at time.Time) (Hold, bool, error)
	Freeze(ctx context.Context, q db.Querier, id, disputeID string) (Hold, bool, error)
	Unfreeze(ctx context.Context, q db.Querier, id string) (Hold, bool, error)
	Claim(ctx context.Context, q db.Querier, id string, c Claim) (Hold, bool, error)
	Reclaim(ctx context.Context, q db.Querier, id string, at, staleBefore time.Time) (Hold, bool, error)
	Finalize(ctx context.Context, q db.Querier, id string, to Status, refs []string, at time.Time) (Hold, bool, error)
	RecordPayoutFailure(ctx context.Context, q db.Querier, id string, attempt int, next *time.Time, exhausted bool, lastErr string) (Hold, bool, error)
	Rearm(ctx context.Context, q db.Querier, id string, at time.Time) (Hold, bool, error)
	ReleaseCandidates(ctx context.Context, q db.Querier, completedBefore time.Time, limit int) ([]string, error)
	DueSettlements(ctx context.Context, q db.Querier, now, staleBefore time.Time, limit int) ([]string, error)
	UnfundedBids(ctx context.Context, q db.Querier, acceptedBefore, now time.Time, limit int) ([]UnfundedBid, error)
	RecordFundingFailure(ctx context.Context, q db.Querier, bidID, lastErr string) (int, error)
	ScheduleFunding(ctx context.Context, q db.Querier, bidID string, state FundingState, next *time.Time) error
	MarkFunded(ctx context.Context, q db.Querier, bidID string) error
	FundingAttempt(ctx context.Context, q db.Querier, bidID string) (FundingAttempt, error)
}

// Orders is the slice of the work order repository the ledger drives.
type Orders interface {
	Get(ctx context.Context, q db.Querier, id string) (workorder.WorkOrder, error)
	MarkCompleted(ctx context.Context, q db.Querier, id string, at time.Time) error
	Close(ctx context.Context, q db.Querier, id string, at time.Time) error
}

// Gate is the milestone verification gate.
type Gate interface {
	CreatePlan(ctx context.Context, q db.Querier, holdID string, plan []workorder.MilestoneSpec) error
	EvaluateHold(ctx context.Context, q db.Querier, holdID string) (milestone.HoldEligibility, error)
	Complete(ctx context.Context, q db.Querier, holdID, milestoneID, actorID string) (milestone.CompleteResult, error)
}

// Config tunes the ledger's retry behaviour.
type Config struct {
	PayoutRetry  retry.Policy
	FundingRetry retry.Policy
	// ClaimLease is how long an in_flight claim may sit before the retry
	// sweep treats it as abandoned.
	ClaimLease time.Duration
}

// Ledger implements the escrow operations.
type Ledger struct {
	pool      db.Pool
	store     Store
	orders    Orders
	gate      Gate
	processor gateway.PaymentProcessor
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewLedger(pool db.Pool, store Store, orders Orders, gate Gate, processor gateway.PaymentProcessor, cfg Config) *Ledger {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 10 * time.Minute
	}
	return &Ledger{
		pool:      pool,
		store:     store,
		orders:    orders,
		gate:      gate,
		processor: processor,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	if logger != nil {
		l.logger = logger
	}
	return l
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Get returns a hold by id.
func (l *Ledger) Get(ctx context.Context, holdID string) (Hold, error) {
	return l.store.GetByID(ctx, l.pool, holdID)
}

// GetByBid returns the hold funded for bidID.
func (l *Ledger) GetByBid(ctx context.Context, bidID string) (Hold, error) {
	return l.store.GetByBid(ctx, l.pool, bidID)
}

// Fund captures the accepted bid's amount and creates the hold. It is
// idempotent on bidID: if a hold already exists it is returned unchanged.
func (l *Ledger) Fund(ctx context.Context, p FundParams) (Hold, error) {
	if strings.TrimSpace(p.BidID) == "" {
		return Hold{}, failure.ErrInvalid.WithMessage("escrow: bid id is required")
	}

	existing, err := l.store.GetByBid(ctx, l.pool, p.BidID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Hold{}, err
	}

	fb, err := l.store.LoadFundingBid(ctx, l.pool, p.BidID)
	if err != nil {
		return Hold{}, err
	}
	if fb.Status != "accepted" {
		return Hold{}, ErrBidNotAccepted.WithDetail("bid_status", fb.Status)
	}
	if p.ActorID != "" && p.ActorID != fb.RequesterID {
		return Hold{}, failure.ErrForbidden.WithMessage("escrow: only the requester may fund this bid")
	}
	if !p.Amount.Equal(fb.Amount) {
		return Hold{}, ErrAmountMismatch.
			WithDetail("expected", fb.Amount.StringFixed(2)).
			WithDetail("got", p.Amount.StringFixed(2))
	}

	captureRef, err := l.processor.Capture(ctx, gateway.CaptureRequest{
		IdempotencyKey: "capture:" + fb.BidID,
		PayerID:        fb.RequesterID,
		Amount:         fb.Amount,
		Reference:      fb.BidID,
	})
	if err != nil {
		return Hold{}, l.fundingFailed(ctx, fb, err)
	}

	var hold Hold
	err = db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		inserted, err := l.store.Insert(ctx, tx, NewHold{
			BidID:       fb.BidID,
			WorkOrderID: fb.WorkOrderID,
			RequesterID: fb.RequesterID,
			ProviderID:  fb.ProviderID,
			Amount:      fb.Amount,
			CaptureRef:  captureRef,
		})
		if err != nil {
			return err
		}
		order, err := l.orders.Get(ctx, tx, fb.WorkOrderID)
		if err != nil {
			return err
		}
		if err := l.gate.CreatePlan(ctx, tx, inserted.ID, order.MilestonePlan); err != nil {
			return err
		}
		if err := timeline.Append(ctx, tx, timeline.EntityEscrow, inserted.ID, timeline.EscrowFunded, p.ActorID, map[string]any{
			"bid_id":      fb.BidID,
			"amount":      fb.Amount.StringFixed(2),
			"capture_ref": captureRef,
		}); err != nil {
			return err
		}

		held, ok, err := l.store.MarkHeld(ctx, tx, inserted.ID, l.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidEscrowState.WithMessage("escrow: hold %s left funded state concurrently", inserted.ID)
		}
		if err := timeline.Append(ctx, tx, timeline.EntityEscrow, held.ID, timeline.EscrowHeld, "", nil); err != nil {
			return err
		}
		if err := l.store.MarkFunded(ctx, tx, fb.BidID); err != nil {
			return err
		}
		payload := map[string]any{"hold_id": held.ID, "bid_id": fb.BidID, "amount": fb.Amount.StringFixed(2)}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicEscrowFunded, fb.ProviderID, payload); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicEscrowFunded, fb.RequesterID, payload); err != nil {
			return err
		}
		hold = held
		return nil
	})
	if errors.Is(err, errHoldExists) {
		return l.store.GetByBid(ctx, l.pool, p.BidID)
	}
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: fund %s: %w", p.BidID, err)
	}

	l.logger.InfoContext(ctx, "escrow funded", "hold_id", hold.ID, "bid_id", hold.BidID, "amount", hold.Amount.StringFixed(2))
	return hold, nil
}

// FundAccepted funds an accepted bid at its own amount. It is the follow-on
// effect of bid acceptance and the reconciliation sweep's retry.
func (l *Ledger) FundAccepted(ctx context.Context, bidID string) (Hold, error) {
	if h, err := l.store.GetByBid(ctx, l.pool, bidID); err == nil {
		return h, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Hold{}, err
	}
	fb, err := l.store.LoadFundingBid(ctx, l.pool, bidID)
	if err != nil {
		return Hold{}, err
	}
	return l.Fund(ctx, FundParams{BidID: bidID, Amount: fb.Amount})
}

func (l *Ledger) fundingFailed(ctx context.Context, fb FundingBid, cause error) error {
	var attempts int
	var state FundingState
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		n, err := l.store.RecordFundingFailure(ctx, tx, fb.BidID, cause.Error())
		if err != nil {
			return err
		}
		attempts = n
		state = FundingRetrying
		var next *time.Time
		if l.cfg.FundingRetry.Exhausted(n) {
			state = FundingFailed
		} else {
			at := l.now().UTC().Add(l.cfg.FundingRetry.Delay(n))
			next = &at
		}
		if err := l.store.ScheduleFunding(ctx, tx, fb.BidID, state, next); err != nil {
			return err
		}
		if state == FundingFailed {
			return outbox.Enqueue(ctx, tx, outbox.TopicFundingFailed, "", map[string]any{
				"bid_id":   fb.BidID,
				"attempts": n,
				"error":    cause.Error(),
			})
		}
		return nil
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "record funding failure", "bid_id", fb.BidID, "error", err)
	}
	l.logger.WarnContext(ctx, "escrow capture failed", "bid_id", fb.BidID, "attempts", attempts, "state", state, "error", cause)
	return ErrCaptureFailed.
		WithDetail("bid_id", fb.BidID).
		WithDetail("attempts", attempts).
		WithDetail("funding_state", string(state)).
		Wrap(cause)
}

// MarkMilestoneComplete verifies and completes a milestone. When every
// milestone on the hold is complete the work order becomes completed, which
// starts the contest window.
func (l *Ledger) MarkMilestoneComplete(ctx context.Context, holdID, milestoneID, actorID string) (milestone.CompleteResult, error) {
	var res milestone.CompleteResult
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		h, err := l.store.GetForUpdate(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if h.Status != StatusHeld {
			return ErrInvalidEscrowState.WithMessage("escrow: cannot complete milestones on a %s hold", h.Status).
				WithDetail("status", string(h.Status))
		}
		res, err = l.gate.Complete(ctx, tx, holdID, milestoneID, actorID)
		if err != nil {
			return err
		}
		if res.Newly {
			if err := timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.MilestoneCompleted, actorID, map[string]any{
				"milestone_id": res.Milestone.ID,
				"position":     res.Milestone.Position,
			}); err != nil {
				return err
			}
			if err := outbox.Enqueue(ctx, tx, outbox.TopicMilestoneCompleted, h.RequesterID, map[string]any{
				"hold_id":      h.ID,
				"milestone_id": res.Milestone.ID,
			}); err != nil {
				return err
			}
		}
		if res.AllComplete {
			if err := l.orders.MarkCompleted(ctx, tx, h.WorkOrderID, l.now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return milestone.CompleteResult{}, err
	}
	return res, nil
}

// Freeze moves a held hold to disputed in its own transaction.
func (l *Ledger) Freeze(ctx context.Context, holdID, disputeID, actorID string) (Hold, error) {
	var h Hold
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		h, err = l.FreezeTx(ctx, tx, holdID, disputeID, actorID)
		return err
	})
	return h, err
}

// FreezeTx freezes inside the caller's transaction. It fails with
// ErrInvalidEscrowState unless the hold is held with no settlement claimed,
// so a concurrent release and freeze have exactly one winner.
func (l *Ledger) FreezeTx(ctx context.Context, tx pgx.Tx, holdID, disputeID, actorID string) (Hold, error) {
	h, ok, err := l.store.Freeze(ctx, tx, holdID, disputeID)
	if err != nil {
		return Hold{}, err
	}
	if !ok {
		return Hold{}, l.stateError(ctx, tx, holdID, "freeze")
	}
	if err := timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.EscrowFrozen, actorID, map[string]any{"dispute_id": disputeID}); err != nil {
		return Hold{}, err
	}
	return h, nil
}

// ResumeTx returns a disputed hold to held without moving money.
func (l *Ledger) ResumeTx(ctx context.Context, tx pgx.Tx, holdID, actorID string) (Hold, error) {
	h, ok, err := l.store.Unfreeze(ctx, tx, holdID)
	if err != nil {
		return Hold{}, err
	}
	if !ok {
		return Hold{}, l.stateError(ctx, tx, holdID, "unfreeze")
	}
	if err := timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.EscrowUnfrozen, actorID, nil); err != nil {
		return Hold{}, err
	}
	return h, nil
}

// UnfreezeTx applies a dispute outcome inside the caller's transaction.
// release_to_provider returns the hold to held; refund and split claim a
// settlement that Settle then pays out. splitRefund is the requester's share
// for a split; nil means half.
func (l *Ledger) UnfreezeTx(ctx context.Context, tx pgx.Tx, holdID string, outcome Outcome, splitRefund *decimal.Decimal, actorID string) (Hold, error) {
	switch outcome {
	case OutcomeReleaseToProvider:
		return l.ResumeTx(ctx, tx, holdID, actorID)
	case OutcomeRefundToRequester, OutcomeSplit:
	default:
		return Hold{}, failure.ErrInvalid.WithMessage("escrow: unknown outcome %q", outcome)
	}

	current, err := l.store.GetForUpdate(ctx, tx, holdID)
	if err != nil {
		return Hold{}, err
	}
	claim := Claim{From: StatusDisputed, Kind: SettleRefund, At: l.now().UTC()}
	if outcome == OutcomeSplit {
		refund, err := splitShare(current.Amount, splitRefund)
		if err != nil {
			return Hold{}, err
		}
		claim.Kind = SettleSplit
		claim.Refund = &refund
	} else {
		refund := current.Amount
		claim.Refund = &refund
	}

	h, ok, err := l.store.Claim(ctx, tx, holdID, claim)
	if err != nil {
		return Hold{}, err
	}
	if !ok {
		return Hold{}, l.stateError(ctx, tx, holdID, "unfreeze")
	}
	if err := timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.SettlementClaimed, actorID, map[string]any{
		"kind":          string(claim.Kind),
		"refund_amount": claim.Refund.StringFixed(2),
		"outcome":       string(outcome),
	}); err != nil {
		return Hold{}, err
	}
	return h, nil
}

// Unfreeze applies an outcome in its own transaction and pays out any
// claimed settlement after commit.
func (l *Ledger) Unfreeze(ctx context.Context, holdID string, outcome Outcome, splitRefund *decimal.Decimal, actorID string) (SettlementResult, error) {
	var h Hold
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		h, err = l.UnfreezeTx(ctx, tx, holdID, outcome, splitRefund, actorID)
		return err
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if h.PayoutState != PayoutInFlight {
		return SettlementResult{Hold: h}, nil
	}
	return l.SettleClaimed(ctx, h)
}

func splitShare(total decimal.Decimal, requested *decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		return total.Div(decimal.NewFromInt(2)).Truncate(2), nil
	}
	r := requested.Round(2)
	if !r.IsPositive() || r.GreaterThanOrEqual(total) {
		return decimal.Zero, failure.ErrInvalid.
			WithMessage("escrow: split refund must be between 0 and %s", total.StringFixed(2)).
			WithDetail("refund", r.StringFixed(2))
	}
	return r, nil
}

// Release pays the provider once every milestone is release-eligible and the
// hold is not disputed. Re-invoking on a released hold, or while a release
// is already in flight, is a no-op.
func (l *Ledger) Release(ctx context.Context, p ReleaseParams) (SettlementResult, error) {
	h, err := l.store.GetByID(ctx, l.pool, p.HoldID)
	if err != nil {
		return SettlementResult{}, err
	}
	if p.ActorID != "" && p.ActorID != h.RequesterID {
		return SettlementResult{}, failure.ErrForbidden.WithMessage("escrow: only the requester may release funds")
	}
	if done, res, err := l.releaseShortCircuit(h); done {
		return res, err
	}

	elig, err := l.gate.EvaluateHold(ctx, l.pool, h.ID)
	if err != nil {
		return SettlementResult{}, err
	}
	if !elig.Eligible {
		return SettlementResult{}, notEligible(elig)
	}

	var claimed Hold
	var ok bool
	err = db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		claimed, ok, err = l.store.Claim(ctx, tx, h.ID, Claim{From: StatusHeld, Kind: SettleRelease, At: l.now().UTC()})
		if err != nil || !ok {
			return err
		}
		return timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.SettlementClaimed, p.ActorID, map[string]any{
			"kind": string(SettleRelease),
		})
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if !ok {
		current, err := l.store.GetByID(ctx, l.pool, h.ID)
		if err != nil {
			return SettlementResult{}, err
		}
		if done, res, err := l.releaseShortCircuit(current); done {
			return res, err
		}
		return SettlementResult{Hold: current, Noop: true}, nil
	}
	return l.drive(ctx, claimed)
}

// releaseShortCircuit decides Release without touching milestones when the
// hold's state already determines the answer.
func (l *Ledger) releaseShortCircuit(h Hold) (bool, SettlementResult, error) {
	switch h.Status {
	case StatusReleased:
		return true, SettlementResult{Hold: h, Noop: true}, nil
	case StatusRefunded:
		return true, SettlementResult{}, ErrInvalidEscrowState.WithMessage("escrow: hold %s was refunded", h.ID).
			WithDetail("status", string(h.Status))
	case StatusDisputed:
		return true, SettlementResult{}, ErrNotReleaseEligible.WithMessage("escrow: hold %s is frozen by a dispute", h.ID).
			WithDetail("dispute_id", derefString(h.DisputeID))
	case StatusFunded:
		return true, SettlementResult{}, ErrInvalidEscrowState.WithMessage("escrow: hold %s is not yet held", h.ID)
	}
	switch h.PayoutState {
	case PayoutInFlight, PayoutRetryPending:
		return true, SettlementResult{Hold: h, Noop: true}, nil
	case PayoutFailed:
		return true, SettlementResult{}, ErrInvalidEscrowState.WithMessage("escrow: settlement for hold %s failed and needs operator reset", h.ID).
			WithDetail("payout_state", string(h.PayoutState))
	}
	return false, SettlementResult{}, nil
}

func notEligible(elig milestone.HoldEligibility) error {
	var parts []string
	for _, hm := range elig.Milestones {
		if hm.Eligibility.Eligible {
			continue
		}
		msgs := make([]string, 0, len(hm.Eligibility.Missing))
		for _, s := range hm.Eligibility.Missing {
			msgs = append(msgs, s.Message)
		}
		parts = append(parts, fmt.Sprintf("milestone %d %q: %s", hm.Milestone.Position, hm.Milestone.Title, strings.Join(msgs, ", ")))
	}
	if len(elig.Milestones) == 0 {
		parts = append(parts, "hold has no milestones")
	}
	return ErrNotReleaseEligible.
		WithMessage("escrow: not release eligible: %s", strings.Join(parts, "; ")).
		WithDetail("milestones", elig.Shortfalls())
}

func (l *Ledger) stateError(ctx context.Context, q db.Querier, holdID, action string) error {
	h, err := l.store.GetByID(ctx, q, holdID)
	if err != nil {
		return err
	}
	return ErrInvalidEscrowState.
		WithMessage("escrow: cannot %s hold %s (status=%s, payout=%s)", action, h.ID, h.Status, h.PayoutState).
		WithDetail("status", string(h.Status)).
		WithDetail("payout_state", string(h.PayoutState))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
