package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks. Each query selects violating rows, so an
// empty result is a pass.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_settlement_per_hold",
			SQL: `SELECT h.id, h.status, h.settlement_kind FROM escrow_holds h
                  WHERE (h.status = 'released' AND h.settlement_kind NOT IN ('release', 'split'))
                     OR (h.status = 'refunded' AND h.settlement_kind <> 'refund')
                     OR (h.status IN ('released', 'refunded') AND h.payout_state <> 'paid')`,
		},
		{
			Name: "O2_disputed_hold_has_active_dispute",
			SQL: `SELECT h.id FROM escrow_holds h
                  WHERE h.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.escrow_hold_id = h.id
                          AND d.status NOT IN ('resolved', 'closed', 'cancelled'))`,
		},
		{
			Name: "O3_no_payout_under_active_dispute",
			SQL: `SELECT h.id, d.id FROM escrow_holds h
                  JOIN disputes d ON d.escrow_hold_id = h.id
                  WHERE d.status NOT IN ('resolved', 'closed', 'cancelled')
                    AND h.status IN ('released', 'refunded')`,
		},
		{
			Name: "O4_release_requires_completed_milestones",
			SQL: `SELECT h.id FROM escrow_holds h
                  WHERE h.settlement_kind = 'release'
                    AND EXISTS (
                        SELECT 1 FROM milestones m
                        WHERE m.escrow_hold_id = h.id AND m.completed_at IS NULL)`,
		},
		{
			Name: "O5_split_within_amount",
			SQL: `SELECT id FROM escrow_holds
                  WHERE settlement_refund_amount IS NOT NULL
                    AND (settlement_refund_amount < 0 OR settlement_refund_amount > amount)`,
		},
		{
			Name: "O6_one_accepted_bid_per_order",
			SQL: `SELECT work_order_id, COUNT(*) FROM bids
                  WHERE status = 'accepted'
                  GROUP BY work_order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT entity_kind, entity_id, seq,
                             LAG(seq) OVER (PARTITION BY entity_kind, entity_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O8_released_hold_has_timeline",
			SQL: `SELECT h.id FROM escrow_holds h
                  WHERE h.status IN ('released', 'refunded')
                    AND NOT EXISTS (
                        SELECT 1 FROM timeline_events e
                        WHERE e.entity_kind = 'escrow' AND e.entity_id = h.id
                          AND e.type IN ('escrow_released', 'escrow_refunded'))`,
		},
		{
			Name: "O9_delete_guards_present",
			SQL: `SELECT t.name AS missing FROM (VALUES ('escrow_holds_no_delete'), ('bids_no_delete'), ('disputes_no_delete')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
