package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
)

// errHoldExists signals the bid_id unique constraint fired on insert.
var errHoldExists = errors.New("escrow: hold already exists for bid")

// Repository is the PostgreSQL Store. Every state change is a single
// UPDATE conditioned on the expected status and payout sub-state.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

const holdColumns = `
id::text, bid_id::text, work_order_id::text, requester_id::text, provider_id::text,
amount::text, status::text, capture_ref, dispute_id::text,
settlement_kind::text, settlement_refund_amount::text,
payout_state::text, payout_attempts, payout_claimed_at, next_payout_at, last_payout_error,
payout_refs, version, created_at, held_at, released_at, refunded_at, updated_at
`

func (r *Repository) GetByID(ctx context.Context, q db.Querier, id string) (Hold, error) {
	return scanHold(q.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1::uuid`, id))
}

func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Hold, error) {
	return scanHold(q.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1::uuid FOR UPDATE`, id))
}

func (r *Repository) GetByBid(ctx context.Context, q db.Querier, bidID string) (Hold, error) {
	return scanHold(q.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE bid_id = $1::uuid`, bidID))
}

func (r *Repository) LoadFundingBid(ctx context.Context, q db.Querier, bidID string) (FundingBid, error) {
	const query = `
SELECT b.id::text, b.work_order_id::text, w.requester_id::text, b.provider_id::text,
       b.amount::text, b.status::text, b.decided_at
FROM bids b
JOIN work_orders w ON w.id = b.work_order_id
WHERE b.id = $1::uuid
`
	var (
		fb     FundingBid
		amount string
	)
	err := q.QueryRow(ctx, query, bidID).Scan(&fb.BidID, &fb.WorkOrderID, &fb.RequesterID, &fb.ProviderID, &amount, &fb.Status, &fb.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FundingBid{}, ErrBidNotFound
		}
		return FundingBid{}, fmt.Errorf("escrow: load bid: %w", err)
	}
	if fb.Amount, err = decimal.NewFromString(amount); err != nil {
		return FundingBid{}, fmt.Errorf("escrow: parse bid amount: %w", err)
	}
	return fb, nil
}

func (r *Repository) Insert(ctx context.Context, q db.Querier, h NewHold) (Hold, error) {
	const stmt = `
INSERT INTO escrow_holds (bid_id, work_order_id, requester_id, provider_id, amount, capture_ref)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::text::numeric, $6)
RETURNING ` + holdColumns
	hold, err := scanHold(q.QueryRow(ctx, stmt, h.BidID, h.WorkOrderID, h.RequesterID, h.ProviderID, h.Amount.StringFixed(2), h.CaptureRef))
	if err != nil {
		if db.IsUniqueViolation(err, "escrow_holds_bid_id_key") {
			return Hold{}, errHoldExists
		}
		return Hold{}, err
	}
	return hold, nil
}

func (r *Repository) MarkHeld(ctx context.Context, q db.Querier, id string, at time.Time) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds SET status = 'held', held_at = $2
WHERE id = $1::uuid AND status = 'funded'
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, at)))
}

func (r *Repository) Freeze(ctx context.Context, q db.Querier, id, disputeID string) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds SET status = 'disputed', dispute_id = $2::uuid
WHERE id = $1::uuid AND status = 'held' AND payout_state = 'none'
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, disputeID)))
}

func (r *Repository) Unfreeze(ctx context.Context, q db.Querier, id string) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds SET status = 'held'
WHERE id = $1::uuid AND status = 'disputed' AND payout_state = 'none'
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id)))
}

func (r *Repository) Claim(ctx context.Context, q db.Querier, id string, c Claim) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds
SET payout_state = 'in_flight',
    settlement_kind = $3::settlement_kind,
    settlement_refund_amount = $4::text::numeric,
    payout_attempts = payout_attempts + 1,
    payout_claimed_at = $5,
    next_payout_at = NULL,
    last_payout_error = NULL
WHERE id = $1::uuid AND status = $2::escrow_status AND payout_state = 'none'
RETURNING ` + holdColumns
	var refund any
	if c.Refund != nil {
		refund = c.Refund.StringFixed(2)
	}
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, string(c.From), string(c.Kind), refund, c.At)))
}

func (r *Repository) Reclaim(ctx context.Context, q db.Querier, id string, at, staleBefore time.Time) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds
SET payout_state = 'in_flight',
    payout_attempts = payout_attempts + 1,
    payout_claimed_at = $2,
    next_payout_at = NULL
WHERE id = $1::uuid
  AND status IN ('held', 'disputed')
  AND (
        (payout_state = 'retry_pending' AND next_payout_at <= $2)
     OR (payout_state = 'in_flight' AND payout_claimed_at < $3)
  )
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, at, staleBefore)))
}

func (r *Repository) Finalize(ctx context.Context, q db.Querier, id string, to Status, refs []string, at time.Time) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds
SET status = $2::escrow_status,
    payout_state = 'paid',
    payout_refs = $3,
    next_payout_at = NULL,
    last_payout_error = NULL,
    released_at = CASE WHEN $2::escrow_status = 'released' THEN $4 ELSE released_at END,
    refunded_at = CASE WHEN $2::escrow_status = 'refunded' THEN $4 ELSE refunded_at END
WHERE id = $1::uuid AND payout_state = 'in_flight' AND status IN ('held', 'disputed')
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, string(to), refs, at)))
}

// RecordPayoutFailure parks the caller's claim. It reports false when the
// claim was finalized or re-claimed since attempt was made.
func (r *Repository) RecordPayoutFailure(ctx context.Context, q db.Querier, id string, attempt int, next *time.Time, exhausted bool, lastErr string) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds
SET payout_state = CASE WHEN $3 THEN 'failed'::payout_state ELSE 'retry_pending'::payout_state END,
    next_payout_at = $2,
    last_payout_error = $4
WHERE id = $1::uuid AND payout_state = 'in_flight' AND payout_attempts = $5
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, next, exhausted, lastErr, attempt)))
}

func (r *Repository) Rearm(ctx context.Context, q db.Querier, id string, at time.Time) (Hold, bool, error) {
	const stmt = `
UPDATE escrow_holds
SET payout_state = 'retry_pending', payout_attempts = 0, next_payout_at = $2
WHERE id = $1::uuid AND payout_state = 'failed'
RETURNING ` + holdColumns
	return conditional(scanHold(q.QueryRow(ctx, stmt, id, at)))
}

func (r *Repository) ReleaseCandidates(ctx context.Context, q db.Querier, completedBefore time.Time, limit int) ([]string, error) {
	const query = `
SELECT h.id::text
FROM escrow_holds h
JOIN work_orders w ON w.id = h.work_order_id
WHERE h.status = 'held'
  AND h.payout_state = 'none'
  AND w.status = 'completed'
  AND w.completed_at < $1
  AND NOT EXISTS (
      SELECT 1 FROM disputes d
      WHERE d.escrow_hold_id = h.id AND d.status NOT IN ('resolved', 'closed', 'cancelled')
  )
ORDER BY w.completed_at
LIMIT $2
`
	return collectIDs(q.Query(ctx, query, completedBefore, limit))
}

func (r *Repository) DueSettlements(ctx context.Context, q db.Querier, now, staleBefore time.Time, limit int) ([]string, error) {
	const query = `
SELECT id::text
FROM escrow_holds
WHERE status IN ('held', 'disputed')
  AND (
        (payout_state = 'retry_pending' AND next_payout_at <= $1)
     OR (payout_state = 'in_flight' AND payout_claimed_at < $2)
  )
ORDER BY COALESCE(next_payout_at, payout_claimed_at)
LIMIT $3
`
	return collectIDs(q.Query(ctx, query, now, staleBefore, limit))
}

func (r *Repository) UnfundedBids(ctx context.Context, q db.Querier, acceptedBefore, now time.Time, limit int) ([]UnfundedBid, error) {
	const query = `
SELECT b.id::text, b.work_order_id::text, b.amount::text, b.decided_at,
       COALESCE(f.attempts, 0), f.state::text
FROM bids b
LEFT JOIN escrow_holds h ON h.bid_id = b.id
LEFT JOIN funding_attempts f ON f.bid_id = b.id
WHERE b.status = 'accepted'
  AND h.id IS NULL
  AND b.decided_at < $1
  AND (f.bid_id IS NULL OR (f.state = 'retrying' AND f.next_attempt_at <= $2))
ORDER BY b.decided_at
LIMIT $3
`
	rows, err := q.Query(ctx, query, acceptedBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: unfunded bids: %w", err)
	}
	defer rows.Close()

	var out []UnfundedBid
	for rows.Next() {
		var (
			u      UnfundedBid
			amount string
			state  *string
		)
		if err := rows.Scan(&u.BidID, &u.WorkOrderID, &amount, &u.AcceptedAt, &u.Attempts, &state); err != nil {
			return nil, fmt.Errorf("escrow: scan unfunded bid: %w", err)
		}
		if u.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("escrow: parse unfunded amount: %w", err)
		}
		if state != nil {
			s := FundingState(*state)
			u.State = &s
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate unfunded bids: %w", err)
	}
	return out, nil
}

// RecordFundingFailure bumps the attempt counter and returns the new count.
func (r *Repository) RecordFundingFailure(ctx context.Context, q db.Querier, bidID, lastErr string) (int, error) {
	const stmt = `
INSERT INTO funding_attempts (bid_id, attempts, state, last_error)
VALUES ($1::uuid, 1, 'retrying', $2)
ON CONFLICT (bid_id) DO UPDATE
SET attempts = funding_attempts.attempts + 1, last_error = EXCLUDED.last_error
RETURNING attempts
`
	var attempts int
	if err := q.QueryRow(ctx, stmt, bidID, lastErr).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("escrow: record funding failure: %w", err)
	}
	return attempts, nil
}

func (r *Repository) ScheduleFunding(ctx context.Context, q db.Querier, bidID string, state FundingState, next *time.Time) error {
	const stmt = `
UPDATE funding_attempts SET state = $2::funding_state, next_attempt_at = $3
WHERE bid_id = $1::uuid
`
	if _, err := q.Exec(ctx, stmt, bidID, string(state), next); err != nil {
		return fmt.Errorf("escrow: schedule funding: %w", err)
	}
	return nil
}

func (r *Repository) MarkFunded(ctx context.Context, q db.Querier, bidID string) error {
	const stmt = `
UPDATE funding_attempts SET state = 'funded', next_attempt_at = NULL
WHERE bid_id = $1::uuid
`
	if _, err := q.Exec(ctx, stmt, bidID); err != nil {
		return fmt.Errorf("escrow: mark funded: %w", err)
	}
	return nil
}

func (r *Repository) FundingAttempt(ctx context.Context, q db.Querier, bidID string) (FundingAttempt, error) {
	const query = `
SELECT bid_id::text, attempts, state::text, next_attempt_at, last_error
FROM funding_attempts WHERE bid_id = $1::uuid
`
	var (
		fa    FundingAttempt
		state string
	)
	err := q.QueryRow(ctx, query, bidID).Scan(&fa.BidID, &fa.Attempts, &state, &fa.NextAttemptAt, &fa.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FundingAttempt{BidID: bidID}, nil
		}
		return FundingAttempt{}, fmt.Errorf("escrow: load funding attempt: %w", err)
	}
	fa.State = FundingState(state)
	return fa, nil
}

func conditional(h Hold, err error) (Hold, bool, error) {
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Hold{}, false, nil
		}
		return Hold{}, false, err
	}
	return h, true, nil
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, fmt.Errorf("escrow: query ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate ids: %w", err)
	}
	return out, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var (
		h                     Hold
		amount, status, state string
		kind, refund          *string
	)
	err := row.Scan(&h.ID, &h.BidID, &h.WorkOrderID, &h.RequesterID, &h.ProviderID,
		&amount, &status, &h.CaptureRef, &h.DisputeID,
		&kind, &refund,
		&state, &h.PayoutAttempts, &h.PayoutClaimedAt, &h.NextPayoutAt, &h.LastPayoutError,
		&h.PayoutRefs, &h.Version, &h.CreatedAt, &h.HeldAt, &h.ReleasedAt, &h.RefundedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("escrow: scan hold: %w", err)
	}
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return Hold{}, fmt.Errorf("escrow: parse amount: %w", err)
	}
	h.Status = Status(status)
	h.PayoutState = PayoutState(state)
	if kind != nil {
		k := SettlementKind(*kind)
		h.SettlementKind = &k
	}
	if refund != nil {
		d, err := decimal.NewFromString(*refund)
		if err != nil {
			return Hold{}, fmt.Errorf("escrow: parse refund amount: %w", err)
		}
		h.SettlementRefund = &d
	}
	return h, nil
}
