// Package outbox implements the transactional notification outbox. Domain
// services enqueue inside their own transaction; the Dispatcher drains
// pending rows through the Notifier with bounded retries.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowflow/db"
)

// Topics enqueued by the core.
const (
	TopicBidSubmitted       = "bid.submitted"
	TopicBidWithdrawn       = "bid.withdrawn"
	TopicBidAccepted        = "bid.accepted"
	TopicBidDeclined        = "bid.declined"
	TopicEscrowFunded       = "escrow.funded"
	TopicMilestoneCompleted = "milestone.completed"
	TopicEscrowReleased     = "escrow.released"
	TopicEscrowRefunded     = "escrow.refunded"
	TopicDisputeFiled       = "dispute.filed"
	TopicDisputeUpdated     = "dispute.updated"
	TopicDisputeResolved    = "dispute.resolved"
	TopicSettlementFailed   = "alert.settlement_failed"
	TopicFundingFailed      = "alert.funding_failed"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message is a pending delivery.
type Message struct {
	ID          string
	Topic       string
	RecipientID *string
	Payload     map[string]any
	Attempts    int
	CreatedAt   time.Time
}

// Enqueue writes a message in the caller's transaction. An empty recipient
// marks an operator alert.
func Enqueue(ctx context.Context, q db.Querier, topic, recipientID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	var recipient any
	if recipientID != "" {
		recipient = recipientID
	}
	const stmt = `INSERT INTO outbox (topic, recipient_id, payload) VALUES ($1, $2::uuid, $3::jsonb)`
	if _, err := q.Exec(ctx, stmt, topic, recipient, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Store is the persistence used by the Dispatcher.
type Store interface {
	ClaimPending(ctx context.Context, q db.Querier, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, q db.Querier, id string) error
	MarkRetry(ctx context.Context, q db.Querier, id string, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, q db.Querier, id string, lastErr string) error
}

// Repository is the PostgreSQL Store.
type Repository struct{}

func (Repository) ClaimPending(ctx context.Context, q db.Querier, limit int) ([]Message, error) {
	const query = `
SELECT id::text, topic, recipient_id::text, payload, attempts, created_at
FROM outbox
WHERE status = 'pending' AND next_attempt_at <= now()
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m   Message
			raw []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.RecipientID, &raw, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &m.Payload); err != nil {
			return nil, fmt.Errorf("outbox: decode payload %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (Repository) MarkProcessed(ctx context.Context, q db.Querier, id string) error {
	const stmt = `
UPDATE outbox SET status = 'processed', processed_at = now(), attempts = attempts + 1
WHERE id = $1 AND status = 'pending'
`
	if _, err := q.Exec(ctx, stmt, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (Repository) MarkRetry(ctx context.Context, q db.Querier, id string, next time.Time, lastErr string) error {
	const stmt = `
UPDATE outbox SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3
WHERE id = $1 AND status = 'pending'
`
	if _, err := q.Exec(ctx, stmt, id, next, lastErr); err != nil {
		return fmt.Errorf("outbox: mark retry: %w", err)
	}
	return nil
}

func (Repository) MarkDead(ctx context.Context, q db.Querier, id string, lastErr string) error {
	const stmt = `
UPDATE outbox SET status = 'dead', attempts = attempts + 1, last_error = $2
WHERE id = $1 AND status = 'pending'
`
	if _, err := q.Exec(ctx, stmt, id, lastErr); err != nil {
		return fmt.Errorf("outbox: mark dead: %w", err)
	}
	return nil
}

// ErrNoNotifier is returned when the dispatcher is not wired to a notifier.
var ErrNoNotifier = errors.New("outbox: notifier not configured")
