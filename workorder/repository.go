package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
	"escrowflow/failure"
)

var (
	ErrNotFound = failure.New(failure.KindNotFound, "work_order_not_found", "workorder: not found")
	ErrClosed   = failure.New(failure.KindInvalidState, "work_order_closed", "workorder: order is closed")
)

// Repository persists work orders. Methods take the querier so callers can
// compose them into their own transactions.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

const selectColumns = `
SELECT id::text, requester_id::text, title, description, bidding_open, bidding_deadline,
       status::text, milestone_plan, completed_at, closed_at, created_at, updated_at
FROM work_orders
`

func (r *Repository) Insert(ctx context.Context, q db.Querier, p CreateParams) (WorkOrder, error) {
	plan := p.MilestonePlan
	if plan == nil {
		plan = []MilestoneSpec{}
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return WorkOrder{}, fmt.Errorf("workorder: marshal plan: %w", err)
	}
	const stmt = `
INSERT INTO work_orders (requester_id, title, description, bidding_deadline, milestone_plan)
VALUES ($1::uuid, $2, $3, $4, $5::jsonb)
RETURNING id::text, requester_id::text, title, description, bidding_open, bidding_deadline,
          status::text, milestone_plan, completed_at, closed_at, created_at, updated_at
`
	return scanOrder(q.QueryRow(ctx, stmt, p.RequesterID, p.Title, p.Description, p.BiddingDeadline, body))
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (WorkOrder, error) {
	return scanOrder(q.QueryRow(ctx, selectColumns+`WHERE id = $1::uuid`, id))
}

// GetForUpdate locks the order row for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (WorkOrder, error) {
	return scanOrder(q.QueryRow(ctx, selectColumns+`WHERE id = $1::uuid FOR UPDATE`, id))
}

// MarkInProgress closes bidding and starts the job. Re-running it on an
// order already in progress is a no-op.
func (r *Repository) MarkInProgress(ctx context.Context, q db.Querier, id string) error {
	const stmt = `
UPDATE work_orders
SET status = 'in_progress', bidding_open = false
WHERE id = $1::uuid AND status IN ('open', 'in_progress')
`
	tag, err := q.Exec(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("workorder: mark in progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClosed.WithMessage("workorder: order %s cannot start", id)
	}
	return nil
}

// MarkCompleted records the completion event that starts the contest window.
func (r *Repository) MarkCompleted(ctx context.Context, q db.Querier, id string, at time.Time) error {
	const stmt = `
UPDATE work_orders
SET status = 'completed', completed_at = COALESCE(completed_at, $2)
WHERE id = $1::uuid AND status IN ('in_progress', 'completed')
`
	if _, err := q.Exec(ctx, stmt, id, at); err != nil {
		return fmt.Errorf("workorder: mark completed: %w", err)
	}
	return nil
}

// Close makes the order immutable once its hold is settled.
func (r *Repository) Close(ctx context.Context, q db.Querier, id string, at time.Time) error {
	const stmt = `
UPDATE work_orders
SET status = 'closed', bidding_open = false, closed_at = $2
WHERE id = $1::uuid AND status <> 'closed'
`
	if _, err := q.Exec(ctx, stmt, id, at); err != nil {
		return fmt.Errorf("workorder: close: %w", err)
	}
	return nil
}

func (r *Repository) SetBiddingOpen(ctx context.Context, q db.Querier, id string, open bool) error {
	const stmt = `
UPDATE work_orders SET bidding_open = $2
WHERE id = $1::uuid AND status = 'open'
`
	tag, err := q.Exec(ctx, stmt, id, open)
	if err != nil {
		return fmt.Errorf("workorder: set bidding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClosed.WithMessage("workorder: order %s is no longer open", id)
	}
	return nil
}

func scanOrder(row pgx.Row) (WorkOrder, error) {
	var (
		w      WorkOrder
		status string
		plan   []byte
	)
	err := row.Scan(&w.ID, &w.RequesterID, &w.Title, &w.Description, &w.BiddingOpen, &w.BiddingDeadline,
		&status, &plan, &w.CompletedAt, &w.ClosedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkOrder{}, ErrNotFound
		}
		return WorkOrder{}, fmt.Errorf("workorder: scan: %w", err)
	}
	w.Status = Status(status)
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &w.MilestonePlan); err != nil {
			return WorkOrder{}, fmt.Errorf("workorder: decode plan: %w", err)
		}
	}
	return w, nil
}
