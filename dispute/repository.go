package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/escrow"
)

var errActiveDispute = errors.New("dispute: active dispute exists for hold")

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const disputeColumns = `
id::text, work_order_id::text, escrow_hold_id::text, type::text, status::text, priority::text,
filer_id::text, respondent_id::text, amount::text, description,
resolution::text, refund_amount::text, resolution_note, resolved_by::text, resolved_at,
created_at, updated_at
`

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Record, error) {
	return scanRecord(q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1::uuid`, id))
}

func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, id string) (Record, error) {
	return scanRecord(q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1::uuid FOR UPDATE`, id))
}

func (r *Repository) ListForHold(ctx context.Context, q db.Querier, holdID string) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_hold_id = $1::uuid ORDER BY created_at DESC`, holdID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Insert(ctx context.Context, q db.Querier, n NewRecord) (Record, error) {
	const query = `
INSERT INTO disputes (work_order_id, escrow_hold_id, type, priority, filer_id, respondent_id, amount, description)
VALUES ($1::uuid, $2::uuid, $3::dispute_type, $4::dispute_priority, $5::uuid, $6::uuid, $7::text::numeric, $8)
RETURNING ` + disputeColumns
	var amount any
	if n.Amount != nil {
		amount = n.Amount.StringFixed(2)
	}
	rec, err := scanRecord(q.QueryRow(ctx, query,
		n.WorkOrderID, n.HoldID, string(n.Type), string(n.Priority), n.FilerID, n.RespondentID, amount, n.Description))
	if err != nil {
		if db.IsUniqueViolation(err, "disputes_one_active_per_hold") {
			return Record{}, errActiveDispute
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// SetStatus moves the dispute from → to. It reports false when the row was
// no longer in from.
func (r *Repository) SetStatus(ctx context.Context, q db.Querier, id string, from, to Status) (Record, bool, error) {
	const query = `
UPDATE disputes SET status = $3::dispute_status
WHERE id = $1::uuid AND status = $2::dispute_status
RETURNING ` + disputeColumns
	return conditional(scanRecord(q.QueryRow(ctx, query, id, string(from), string(to))))
}

func (r *Repository) Resolve(ctx context.Context, q db.Querier, id string, res Resolution) (Record, bool, error) {
	const query = `
UPDATE disputes
SET status = 'resolved',
    resolution = $2::dispute_outcome,
    refund_amount = $3::text::numeric,
    resolution_note = $4,
    resolved_by = $5::uuid,
    resolved_at = $6
WHERE id = $1::uuid AND status IN ('mediation', 'escalated')
RETURNING ` + disputeColumns
	var refund any
	if res.RefundAmount != nil {
		refund = res.RefundAmount.StringFixed(2)
	}
	return conditional(scanRecord(q.QueryRow(ctx, query, id, string(res.Outcome), refund, res.Note, res.ResolvedBy, res.ResolvedAt)))
}

func conditional(rec Record, err error) (Record, bool, error) {
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                           Record
		typ, status, priority         string
		amount, resolution, refundAmt *string
	)
	err := row.Scan(&rec.ID, &rec.WorkOrderID, &rec.HoldID, &typ, &status, &priority,
		&rec.FilerID, &rec.RespondentID, &amount, &rec.Description,
		&resolution, &refundAmt, &rec.ResolutionNote, &rec.ResolvedBy, &rec.ResolvedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	rec.Type, rec.Status, rec.Priority = Type(typ), Status(status), Priority(priority)
	if rec.Amount, err = parseAmount(amount); err != nil {
		return Record{}, err
	}
	if rec.RefundAmount, err = parseAmount(refundAmt); err != nil {
		return Record{}, err
	}
	if resolution != nil {
		o := escrow.Outcome(*resolution)
		rec.Resolution = &o
	}
	return rec, nil
}

func parseAmount(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("dispute: parse amount: %w", err)
	}
	return &d, nil
}
