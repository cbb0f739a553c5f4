package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/gateway"
	"escrowflow/outbox"
	"escrowflow/timeline"
)

type payoutLeg struct {
	key    string
	payee  string
	amount decimal.Decimal
}

// legs splits a claimed settlement into processor payouts. Each leg has an
// idempotency key derived from the hold id so a retried settlement never
// pays twice.
func legs(h Hold) []payoutLeg {
	kind := SettleRelease
	if h.SettlementKind != nil {
		kind = *h.SettlementKind
	}
	switch kind {
	case SettleRefund:
		return []payoutLeg{{key: "refund:" + h.ID, payee: h.RequesterID, amount: h.Amount}}
	case SettleSplit:
		refund := decimal.Zero
		if h.SettlementRefund != nil {
			refund = *h.SettlementRefund
		}
		var out []payoutLeg
		if provider := h.Amount.Sub(refund); provider.IsPositive() {
			out = append(out, payoutLeg{key: "split-provider:" + h.ID, payee: h.ProviderID, amount: provider})
		}
		if refund.IsPositive() {
			out = append(out, payoutLeg{key: "split-requester:" + h.ID, payee: h.RequesterID, amount: refund})
		}
		return out
	default:
		return []payoutLeg{{key: "release:" + h.ID, payee: h.ProviderID, amount: h.Amount}}
	}
}

func finalStatus(h Hold) Status {
	if h.SettlementKind != nil && *h.SettlementKind == SettleRefund {
		return StatusRefunded
	}
	return StatusReleased
}

// drive requests the payouts of a hold whose settlement this caller has
// claimed (payout_state in_flight) and records the outcome.
func (l *Ledger) drive(ctx context.Context, h Hold) (SettlementResult, error) {
	var refs []string
	for _, leg := range legs(h) {
		ref, err := l.processor.Payout(ctx, gateway.PayoutRequest{
			IdempotencyKey: leg.key,
			PayeeID:        leg.payee,
			Amount:         leg.amount,
			Reference:      h.ID,
		})
		if err != nil {
			return SettlementResult{}, l.payoutFailed(ctx, h, err)
		}
		refs = append(refs, ref)
	}

	to := finalStatus(h)
	var settled Hold
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var ok bool
		var err error
		settled, ok, err = l.store.Finalize(ctx, tx, h.ID, to, refs, l.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidEscrowState.WithMessage("escrow: settlement claim on %s was lost", h.ID)
		}
		if err := l.orders.Close(ctx, tx, h.WorkOrderID, l.now().UTC()); err != nil {
			return err
		}

		event, topic := timeline.EscrowReleased, outbox.TopicEscrowReleased
		if to == StatusRefunded {
			event, topic = timeline.EscrowRefunded, outbox.TopicEscrowRefunded
		}
		payload := map[string]any{
			"hold_id":     settled.ID,
			"amount":      settled.Amount.StringFixed(2),
			"payout_refs": refs,
		}
		if settled.SettlementKind != nil {
			payload["kind"] = string(*settled.SettlementKind)
		}
		if settled.SettlementRefund != nil {
			payload["refund_amount"] = settled.SettlementRefund.StringFixed(2)
		}
		if err := timeline.Append(ctx, tx, timeline.EntityEscrow, settled.ID, event, "", payload); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, topic, settled.ProviderID, payload); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, topic, settled.RequesterID, payload)
	})
	if err != nil {
		return SettlementResult{}, fmt.Errorf("escrow: finalize %s: %w", h.ID, err)
	}

	l.logger.InfoContext(ctx, "escrow settled", "hold_id", settled.ID, "status", settled.Status, "attempts", settled.PayoutAttempts)
	return SettlementResult{Hold: settled, Settled: true}, nil
}

func (l *Ledger) payoutFailed(ctx context.Context, h Hold, cause error) error {
	attempts := h.PayoutAttempts
	exhausted := l.cfg.PayoutRetry.Exhausted(attempts)
	var next *time.Time
	if !exhausted {
		at := l.now().UTC().Add(l.cfg.PayoutRetry.Delay(attempts))
		next = &at
	}

	var recorded bool
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		if _, recorded, err = l.store.RecordPayoutFailure(ctx, tx, h.ID, attempts, next, exhausted, cause.Error()); err != nil || !recorded {
			return err
		}
		payload := map[string]any{"attempts": attempts, "error": cause.Error()}
		if !exhausted {
			payload["next_attempt_at"] = next.Format(time.RFC3339)
			return timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.PayoutFailed, "", payload)
		}
		if err := timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.SettlementFailed, "", payload); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, outbox.TopicSettlementFailed, "", map[string]any{
			"hold_id":  h.ID,
			"attempts": attempts,
			"error":    cause.Error(),
		})
	})
	switch {
	case err != nil:
		l.logger.ErrorContext(ctx, "record payout failure", "hold_id", h.ID, "error", err)
	case !recorded:
		l.logger.WarnContext(ctx, "payout failed on a superseded claim", "hold_id", h.ID, "attempts", attempts, "error", cause)
		return ErrPayoutFailed.WithDetail("hold_id", h.ID).WithDetail("attempts", attempts).WithDetail("superseded", true).Wrap(cause)
	case exhausted:
		l.logger.ErrorContext(ctx, "settlement failed permanently", "hold_id", h.ID, "attempts", attempts, "error", cause)
	default:
		l.logger.WarnContext(ctx, "payout failed, retry scheduled", "hold_id", h.ID, "attempts", attempts, "next_attempt_at", next, "error", cause)
	}
	e := ErrPayoutFailed.WithDetail("hold_id", h.ID).WithDetail("attempts", attempts).WithDetail("exhausted", exhausted)
	if next != nil {
		e = e.WithDetail("next_attempt_at", next.Format(time.RFC3339))
	}
	return e.Wrap(cause)
}

// Settle re-drives a claimed settlement that is due for retry or whose
// claim went stale. It is a no-op when nothing is due.
func (l *Ledger) Settle(ctx context.Context, holdID string) (SettlementResult, error) {
	now := l.now().UTC()
	var h Hold
	var ok bool
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		h, ok, err = l.store.Reclaim(ctx, tx, holdID, now, now.Add(-l.cfg.ClaimLease))
		return err
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if !ok {
		current, err := l.store.GetByID(ctx, l.pool, holdID)
		if err != nil {
			return SettlementResult{}, err
		}
		return SettlementResult{Hold: current, Noop: true}, nil
	}
	return l.drive(ctx, h)
}

// SettleClaimed pays out a settlement the caller claimed in its own
// transaction through UnfreezeTx.
func (l *Ledger) SettleClaimed(ctx context.Context, h Hold) (SettlementResult, error) {
	if h.PayoutState != PayoutInFlight {
		return SettlementResult{Hold: h, Noop: true}, nil
	}
	return l.drive(ctx, h)
}

// ResetFailedSettlement re-arms a settlement that exhausted its retries so
// the next sweep attempts it again with a fresh attempt budget.
func (l *Ledger) ResetFailedSettlement(ctx context.Context, holdID, operatorID string) (Hold, error) {
	var h Hold
	err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var ok bool
		var err error
		h, ok, err = l.store.Rearm(ctx, tx, holdID, l.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			current, err := l.store.GetByID(ctx, tx, holdID)
			if err != nil {
				return err
			}
			return ErrSettlementNotFailed.WithDetail("payout_state", string(current.PayoutState))
		}
		return timeline.Append(ctx, tx, timeline.EntityEscrow, h.ID, timeline.SettlementRearmed, operatorID, nil)
	})
	if err != nil {
		return Hold{}, err
	}
	l.logger.InfoContext(ctx, "settlement rearmed", "hold_id", h.ID, "operator_id", operatorID)
	return h, nil
}

// ReleaseCandidates lists held escrows whose work order completed more than
// window ago and that have no open dispute.
func (l *Ledger) ReleaseCandidates(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	return l.store.ReleaseCandidates(ctx, l.pool, l.now().UTC().Add(-window), limit)
}

// DueSettlements lists holds whose settlement should be re-driven now.
func (l *Ledger) DueSettlements(ctx context.Context, limit int) ([]string, error) {
	now := l.now().UTC()
	return l.store.DueSettlements(ctx, l.pool, now, now.Add(-l.cfg.ClaimLease), limit)
}

// UnfundedBids lists accepted bids older than grace with no hold whose
// funding retry is due.
func (l *Ledger) UnfundedBids(ctx context.Context, grace time.Duration, limit int) ([]UnfundedBid, error) {
	now := l.now().UTC()
	return l.store.UnfundedBids(ctx, l.pool, now.Add(-grace), now, limit)
}

// FundingAttempt returns the funding retry state of a bid.
func (l *Ledger) FundingAttempt(ctx context.Context, bidID string) (FundingAttempt, error) {
	return l.store.FundingAttempt(ctx, l.pool, bidID)
}

// Timeline returns the hold's audit trail.
func (l *Ledger) Timeline(ctx context.Context, holdID string) ([]timeline.Event, error) {
	return timeline.List(ctx, l.pool, timeline.EntityEscrow, holdID)
}
