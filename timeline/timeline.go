// Package timeline is the append-only audit log shared by bids, escrow holds
// and disputes. Rows are never updated or deleted (enforced by trigger) and
// are sequenced per entity.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"escrowflow/db"
)

// EntityKind scopes a sequence of events.
type EntityKind string

const (
	EntityBid     EntityKind = "bid"
	EntityEscrow  EntityKind = "escrow"
	EntityDispute EntityKind = "dispute"
)

// Event types appended by the core.
const (
	BidSubmitted        = "bid_submitted"
	BidUpdated          = "bid_updated"
	BidWithdrawn        = "bid_withdrawn"
	BidAccepted         = "bid_accepted"
	BidDeclined         = "bid_declined"
	EscrowFunded        = "escrow_funded"
	EscrowHeld          = "escrow_held"
	MilestoneCompleted  = "milestone_completed"
	EscrowFrozen        = "escrow_frozen"
	EscrowUnfrozen      = "escrow_unfrozen"
	SettlementClaimed   = "settlement_claimed"
	PayoutFailed        = "payout_failed"
	SettlementFailed    = "settlement_failed"
	SettlementRearmed   = "settlement_rearmed"
	EscrowReleased      = "escrow_released"
	EscrowRefunded      = "escrow_refunded"
	DisputeFiled        = "dispute_filed"
	DisputeStatusChange = "dispute_status_changed"
	DisputeResolved     = "dispute_resolved"
)

// Event is a single timeline row.
type Event struct {
	ID        int64
	Kind      EntityKind
	EntityID  string
	Seq       int
	Type      string
	ActorID   *string
	Payload   map[string]any
	Timestamp time.Time
}

// Append writes an event inside the caller's transaction. The sequence is
// derived from the entity's current maximum; callers hold a row lock on the
// entity (every state change is a conditional UPDATE on it) so concurrent
// appends for the same entity are serialized.
func Append(ctx context.Context, q db.Querier, kind EntityKind, entityID, eventType, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const stmt = `
INSERT INTO timeline_events (entity_kind, entity_id, seq, type, actor_id, payload)
SELECT $1::timeline_entity, $2::uuid, COALESCE(MAX(seq), 0) + 1, $3, $4::uuid, $5::jsonb
FROM timeline_events
WHERE entity_kind = $1::timeline_entity AND entity_id = $2::uuid
`
	if _, err := q.Exec(ctx, stmt, string(kind), entityID, eventType, actor, body); err != nil {
		return fmt.Errorf("timeline: append %s: %w", eventType, err)
	}
	return nil
}

// List returns an entity's events in sequence order.
func List(ctx context.Context, q db.Querier, kind EntityKind, entityID string) ([]Event, error) {
	const query = `
SELECT id, entity_kind::text, entity_id::text, seq, type, actor_id::text, payload, ts
FROM timeline_events
WHERE entity_kind = $1::timeline_entity AND entity_id = $2::uuid
ORDER BY seq
`
	rows, err := q.Query(ctx, query, string(kind), entityID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev   Event
			raw  []byte
			kind string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.EntityID, &ev.Seq, &ev.Type, &ev.ActorID, &raw, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		ev.Kind = EntityKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("timeline: decode payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}
