package bid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
)

// errActiveBidExists means the partial unique index on active bids fired.
var errActiveBidExists = errors.New("bid: provider already has an active bid")

type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

const bidColumns = `
id::text, work_order_id::text, provider_id::text, amount::text,
estimated_duration_hours, proposed_start, message, status::text,
decline_reason, revision, decided_at, withdrawn_at, created_at, updated_at
`

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Bid, error) {
	return scanBid(q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1::uuid`, id))
}

func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Bid, error) {
	return scanBid(q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1::uuid FOR UPDATE`, id))
}

// ActiveFor returns the provider's pending or accepted bid on the order.
func (r *Repository) ActiveFor(ctx context.Context, q db.Querier, orderID, providerID string) (Bid, error) {
	const query = `SELECT ` + bidColumns + `
FROM bids
WHERE work_order_id = $1::uuid AND provider_id = $2::uuid AND status IN ('pending', 'accepted')
FOR UPDATE
`
	return scanBid(q.QueryRow(ctx, query, orderID, providerID))
}

func (r *Repository) Insert(ctx context.Context, q db.Querier, p SubmitParams) (Bid, error) {
	const stmt = `
INSERT INTO bids (work_order_id, provider_id, amount, estimated_duration_hours, proposed_start, message)
VALUES ($1::uuid, $2::uuid, $3::text::numeric, $4, $5, $6)
RETURNING ` + bidColumns
	b, err := scanBid(q.QueryRow(ctx, stmt, p.OrderID, p.ProviderID, p.Amount.StringFixed(2), p.DurationHours, p.StartDate, p.Message))
	if err != nil {
		if db.IsUniqueViolation(err, "bids_one_active_per_provider") {
			return Bid{}, errActiveBidExists
		}
		return Bid{}, err
	}
	return b, nil
}

// UpdatePending revises a pending bid in place. It reports false when the
// bid is no longer pending.
func (r *Repository) UpdatePending(ctx context.Context, q db.Querier, id string, p SubmitParams) (Bid, bool, error) {
	const stmt = `
UPDATE bids
SET amount = $2::text::numeric,
    estimated_duration_hours = $3,
    proposed_start = $4,
    message = $5,
    revision = revision + 1
WHERE id = $1::uuid AND status = 'pending'
RETURNING ` + bidColumns
	return conditional(scanBid(q.QueryRow(ctx, stmt, id, p.Amount.StringFixed(2), p.DurationHours, p.StartDate, p.Message)))
}

func (r *Repository) Withdraw(ctx context.Context, q db.Querier, id string, at time.Time) (Bid, bool, error) {
	const stmt = `
UPDATE bids SET status = 'withdrawn', withdrawn_at = $2
WHERE id = $1::uuid AND status = 'pending'
RETURNING ` + bidColumns
	return conditional(scanBid(q.QueryRow(ctx, stmt, id, at)))
}

// Decide moves a pending bid to accepted or declined.
func (r *Repository) Decide(ctx context.Context, q db.Querier, id string, to Status, reason *string, at time.Time) (Bid, bool, error) {
	const stmt = `
UPDATE bids SET status = $2::bid_status, decline_reason = $3, decided_at = $4
WHERE id = $1::uuid AND status = 'pending'
RETURNING ` + bidColumns
	return conditional(scanBid(q.QueryRow(ctx, stmt, id, string(to), reason, at)))
}

func (r *Repository) ListForOrder(ctx context.Context, q db.Querier, orderID string) ([]Bid, error) {
	rows, err := q.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE work_order_id = $1::uuid ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("bid: list: %w", err)
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate: %w", err)
	}
	return out, nil
}

func conditional(b Bid, err error) (Bid, bool, error) {
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Bid{}, false, nil
		}
		return Bid{}, false, err
	}
	return b, true, nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var (
		b              Bid
		amount, status string
	)
	err := row.Scan(&b.ID, &b.WorkOrderID, &b.ProviderID, &amount,
		&b.DurationHours, &b.StartDate, &b.Message, &status,
		&b.DeclineReason, &b.Revision, &b.DecidedAt, &b.WithdrawnAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: scan: %w", err)
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return Bid{}, fmt.Errorf("bid: parse amount: %w", err)
	}
	b.Status = Status(status)
	return b, nil
}
