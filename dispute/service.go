// Package dispute is the dispute arbiter. Filing a dispute freezes the
// escrow hold in the same transaction; the hold stays frozen until the
// dispute is resolved, closed or cancelled.
package dispute

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/failure"
	"escrowflow/outbox"
	"escrowflow/timeline"
	"escrowflow/workorder"
)

// Store is the dispute persistence surface.
type Store interface {
	Get(ctx context.Context, q db.Querier, id string) (Record, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error)
	ListForHold(ctx context.Context, q db.Querier, holdID string) ([]Record, error)
	Insert(ctx context.Context, q db.Querier, n NewRecord) (Record, error)
	SetStatus(ctx context.Context, q db.Querier, id string, from, to Status) (Record, bool, error)
	Resolve(ctx context.Context, q db.Querier, id string, res Resolution) (Record, bool, error)
}

// Escrow is the slice of the escrow ledger the arbiter drives.
type Escrow interface {
	Get(ctx context.Context, holdID string) (escrow.Hold, error)
	FreezeTx(ctx context.Context, tx pgx.Tx, holdID, disputeID, actorID string) (escrow.Hold, error)
	ResumeTx(ctx context.Context, tx pgx.Tx, holdID, actorID string) (escrow.Hold, error)
	UnfreezeTx(ctx context.Context, tx pgx.Tx, holdID string, outcome escrow.Outcome, splitRefund *decimal.Decimal, actorID string) (escrow.Hold, error)
	SettleClaimed(ctx context.Context, h escrow.Hold) (escrow.SettlementResult, error)
}

type Arbiter struct {
	pool   db.Pool
	store  Store
	escrow Escrow
	jobs   workorder.StatusSource
	logger *slog.Logger
	now    func() time.Time
}

func NewArbiter(pool db.Pool, store Store, ledger Escrow, jobs workorder.StatusSource) *Arbiter {
	return &Arbiter{pool: pool, store: store, escrow: ledger, jobs: jobs, logger: slog.Default(), now: time.Now}
}

func (a *Arbiter) WithLogger(logger *slog.Logger) *Arbiter {
	if logger != nil {
		a.logger = logger
	}
	return a
}

func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	if now != nil {
		a.now = now
	}
	return a
}

// File opens a dispute on a held escrow whose job is completed and freezes
// the hold atomically with the insert.
func (a *Arbiter) File(ctx context.Context, p FileParams) (Record, error) {
	p.Description = strings.TrimSpace(p.Description)
	if !p.Type.Valid() {
		return Record{}, failure.ErrInvalid.WithMessage("dispute: unknown type %q", p.Type)
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if !p.Priority.Valid() {
		return Record{}, failure.ErrInvalid.WithMessage("dispute: unknown priority %q", p.Priority)
	}
	if p.Description == "" {
		return Record{}, failure.ErrInvalid.WithMessage("dispute: description is required")
	}

	hold, err := a.escrow.Get(ctx, p.HoldID)
	if err != nil {
		return Record{}, err
	}
	if !hold.IsParty(p.FilerID) {
		return Record{}, failure.ErrForbidden.WithMessage("dispute: only the requester or provider may file")
	}
	if !hold.IsParty(p.RespondentID) || p.RespondentID == p.FilerID {
		return Record{}, failure.ErrInvalid.WithMessage("dispute: respondent must be the other party")
	}
	if p.Amount != nil && (!p.Amount.IsPositive() || p.Amount.GreaterThan(hold.Amount)) {
		return Record{}, failure.ErrInvalid.WithMessage("dispute: disputed amount must be between 0 and %s", hold.Amount.StringFixed(2))
	}
	if hold.Status != escrow.StatusHeld {
		return Record{}, ErrNotDisputable.WithMessage("dispute: hold is %s", hold.Status).WithDetail("status", string(hold.Status))
	}
	job, err := a.jobs.JobStatus(ctx, hold.WorkOrderID)
	if err != nil {
		return Record{}, err
	}
	if !job.Completed() {
		return Record{}, ErrJobNotCompleted.WithDetail("work_order_status", string(job.Status))
	}

	var rec Record
	err = db.InTx(ctx, a.pool, func(tx pgx.Tx) error {
		var err error
		rec, err = a.store.Insert(ctx, tx, NewRecord{
			WorkOrderID:  hold.WorkOrderID,
			HoldID:       hold.ID,
			Type:         p.Type,
			Priority:     p.Priority,
			FilerID:      p.FilerID,
			RespondentID: p.RespondentID,
			Amount:       p.Amount,
			Description:  p.Description,
		})
		if err != nil {
			return err
		}
		if err := timeline.Append(ctx, tx, timeline.EntityDispute, rec.ID, timeline.DisputeFiled, p.FilerID, map[string]any{
			"type":     string(rec.Type),
			"priority": string(rec.Priority),
			"hold_id":  hold.ID,
		}); err != nil {
			return err
		}
		if _, err := a.escrow.FreezeTx(ctx, tx, hold.ID, rec.ID, p.FilerID); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, outbox.TopicDisputeFiled, p.RespondentID, map[string]any{
			"dispute_id": rec.ID,
			"hold_id":    hold.ID,
			"type":       string(rec.Type),
		})
	})
	if errors.Is(err, errActiveDispute) {
		return Record{}, ErrAlreadyOpen.WithDetail("hold_id", hold.ID)
	}
	if err != nil {
		return Record{}, err
	}
	a.logger.InfoContext(ctx, "dispute filed", "dispute_id", rec.ID, "hold_id", hold.ID, "type", rec.Type)
	return rec, nil
}

// Advance moves a dispute along the review workflow. Arbiters may make any
// legal move; the filer may only cancel. Closing or cancelling hands the
// hold back as held.
func (a *Arbiter) Advance(ctx context.Context, p AdvanceParams) (Record, error) {
	if p.NewStatus == StatusResolved {
		return Record{}, ErrIllegalTransition.WithMessage("dispute: use resolve to reach resolved")
	}

	var rec Record
	err := db.InTx(ctx, a.pool, func(tx pgx.Tx) error {
		cur, err := a.store.GetForUpdate(ctx, tx, p.DisputeID)
		if err != nil {
			return err
		}
		if !p.Actor.Arbiter && !(p.Actor.ID == cur.FilerID && p.NewStatus == StatusCancelled) {
			return failure.ErrForbidden.WithMessage("dispute: only an arbiter may move a dispute to %s", p.NewStatus)
		}
		if !CanAdvance(cur.Status, p.NewStatus) {
			return ErrIllegalTransition.
				WithMessage("dispute: cannot move from %s to %s", cur.Status, p.NewStatus).
				WithDetail("from", string(cur.Status)).
				WithDetail("to", string(p.NewStatus))
		}

		var ok bool
		rec, ok, err = a.store.SetStatus(ctx, tx, cur.ID, cur.Status, p.NewStatus)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIllegalTransition.WithMessage("dispute: %s changed concurrently", cur.ID)
		}
		payload := map[string]any{"from": string(cur.Status), "to": string(p.NewStatus)}
		if note := strings.TrimSpace(p.Note); note != "" {
			payload["note"] = note
		}
		if err := timeline.Append(ctx, tx, timeline.EntityDispute, rec.ID, timeline.DisputeStatusChange, p.Actor.ID, payload); err != nil {
			return err
		}
		if p.NewStatus.Terminal() {
			if _, err := a.escrow.ResumeTx(ctx, tx, rec.HoldID, p.Actor.ID); err != nil {
				return err
			}
		}
		return a.notifyParties(ctx, tx, outbox.TopicDisputeUpdated, rec, payload)
	})
	if err != nil {
		return Record{}, err
	}
	a.logger.InfoContext(ctx, "dispute advanced", "dispute_id", rec.ID, "status", rec.Status)
	return rec, nil
}

// Resolve records the arbiter's outcome and hands the hold back to escrow in
// the same transaction. Refund and split outcomes are paid out after commit.
func (a *Arbiter) Resolve(ctx context.Context, p ResolveParams) (ResolveResult, error) {
	if !p.Outcome.Valid() {
		return ResolveResult{}, failure.ErrInvalid.WithMessage("dispute: unknown outcome %q", p.Outcome)
	}
	if p.RefundAmount != nil && p.Outcome != escrow.OutcomeSplit {
		return ResolveResult{}, failure.ErrInvalid.WithMessage("dispute: refund amount only applies to a split")
	}
	if !p.Actor.Arbiter {
		return ResolveResult{}, failure.ErrForbidden.WithMessage("dispute: only an arbiter may resolve")
	}

	var (
		rec  Record
		hold escrow.Hold
	)
	err := db.InTx(ctx, a.pool, func(tx pgx.Tx) error {
		cur, err := a.store.GetForUpdate(ctx, tx, p.DisputeID)
		if err != nil {
			return err
		}
		if !Resolvable(cur.Status) {
			return ErrIllegalTransition.
				WithMessage("dispute: cannot resolve from %s", cur.Status).
				WithDetail("from", string(cur.Status)).
				WithDetail("to", string(StatusResolved))
		}

		hold, err = a.escrow.UnfreezeTx(ctx, tx, cur.HoldID, p.Outcome, p.RefundAmount, p.Actor.ID)
		if err != nil {
			return err
		}
		res := Resolution{Outcome: p.Outcome, ResolvedBy: p.Actor.ID, ResolvedAt: a.now().UTC()}
		if hold.SettlementRefund != nil && p.Outcome != escrow.OutcomeReleaseToProvider {
			res.RefundAmount = hold.SettlementRefund
		}
		if note := strings.TrimSpace(p.Note); note != "" {
			res.Note = &note
		}

		var ok bool
		rec, ok, err = a.store.Resolve(ctx, tx, cur.ID, res)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIllegalTransition.WithMessage("dispute: %s changed concurrently", cur.ID)
		}
		payload := map[string]any{"outcome": string(p.Outcome), "from": string(cur.Status)}
		if res.RefundAmount != nil {
			payload["refund_amount"] = res.RefundAmount.StringFixed(2)
		}
		if res.Note != nil {
			payload["note"] = *res.Note
		}
		if err := timeline.Append(ctx, tx, timeline.EntityDispute, rec.ID, timeline.DisputeResolved, p.Actor.ID, payload); err != nil {
			return err
		}
		return a.notifyParties(ctx, tx, outbox.TopicDisputeResolved, rec, payload)
	})
	if err != nil {
		return ResolveResult{}, err
	}
	a.logger.InfoContext(ctx, "dispute resolved", "dispute_id", rec.ID, "outcome", p.Outcome)

	out := ResolveResult{Dispute: rec, Hold: hold, HoldStatus: string(hold.Status)}
	if hold.PayoutState != escrow.PayoutInFlight {
		return out, nil
	}
	settled, err := a.escrow.SettleClaimed(ctx, hold)
	if err != nil {
		a.logger.WarnContext(ctx, "dispute settlement payout failed", "dispute_id", rec.ID, "hold_id", hold.ID, "error", err)
		out.PayoutError = err.Error()
		return out, nil
	}
	out.Hold, out.HoldStatus, out.Settled = settled.Hold, string(settled.Hold.Status), settled.Settled
	return out, nil
}

func (a *Arbiter) notifyParties(ctx context.Context, tx pgx.Tx, topic string, rec Record, payload map[string]any) error {
	body := map[string]any{"dispute_id": rec.ID, "status": string(rec.Status)}
	for k, v := range payload {
		body[k] = v
	}
	for _, uid := range []string{rec.FilerID, rec.RespondentID} {
		if err := outbox.Enqueue(ctx, tx, topic, uid, body); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a dispute to a party or an arbiter.
func (a *Arbiter) Get(ctx context.Context, disputeID string, actor Actor) (Record, error) {
	rec, err := a.store.Get(ctx, a.pool, disputeID)
	if err != nil {
		return Record{}, err
	}
	if !actor.Arbiter && !rec.IsParty(actor.ID) {
		return Record{}, failure.ErrForbidden.WithMessage("dispute: not a party to this dispute")
	}
	return rec, nil
}

// Timeline returns the dispute's audit trail.
func (a *Arbiter) Timeline(ctx context.Context, disputeID string, actor Actor) ([]timeline.Event, error) {
	if _, err := a.Get(ctx, disputeID, actor); err != nil {
		return nil, err
	}
	return timeline.List(ctx, a.pool, timeline.EntityDispute, disputeID)
}

// ListForHold returns every dispute filed against a hold, newest first.
func (a *Arbiter) ListForHold(ctx context.Context, holdID string, actor Actor) ([]Record, error) {
	if !actor.Arbiter {
		hold, err := a.escrow.Get(ctx, holdID)
		if err != nil {
			return nil, err
		}
		if !hold.IsParty(actor.ID) {
			return nil, failure.ErrForbidden.WithMessage("dispute: not a party to this escrow")
		}
	}
	return a.store.ListForHold(ctx, a.pool, holdID)
}
