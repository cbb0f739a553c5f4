package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/db"
	"escrowflow/gateway"
	"escrowflow/retry"
)

// DeliveryResult summarises one drain pass.
type DeliveryResult struct {
	Found     int `json:"found"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

// Dispatcher drains the outbox. Rows are claimed with FOR UPDATE SKIP LOCKED
// so concurrent dispatchers never deliver the same row twice in one pass.
type Dispatcher struct {
	pool     db.TxBeginner
	store    Store
	notifier gateway.Notifier
	policy   retry.Policy
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(pool db.TxBeginner, store Store, notifier gateway.Notifier, policy retry.Policy) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		store:    store,
		notifier: notifier,
		policy:   policy,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

type delivery int

const (
	delivered delivery = iota
	retried
	dead
)

// Deliver drains up to limit due messages. Each message is claimed, handed
// to the notifier and marked in its own transaction, so the result only
// counts outcomes that were committed. Notification failures never surface
// to callers of the domain operations; they are retried with backoff and
// parked as dead once the budget is spent.
func (d *Dispatcher) Deliver(ctx context.Context, limit int) (DeliveryResult, error) {
	if d.notifier == nil {
		return DeliveryResult{}, ErrNoNotifier
	}
	if limit <= 0 {
		limit = 100
	}

	var res DeliveryResult
	for res.Found < limit {
		found, outcome, err := d.deliverOne(ctx)
		if err != nil {
			return res, err
		}
		if !found {
			break
		}
		res.Found++
		switch outcome {
		case delivered:
			res.Delivered++
		case retried:
			res.Retried++
		case dead:
			res.Dead++
		}
	}
	return res, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context) (bool, delivery, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("outbox: begin deliver: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := d.store.ClaimPending(ctx, tx, 1)
	if err != nil || len(msgs) == 0 {
		return false, 0, err
	}
	m := msgs[0]

	recipient := ""
	if m.RecipientID != nil {
		recipient = *m.RecipientID
	}
	var outcome delivery
	notifyErr := d.notifier.Notify(ctx, recipient, m.Topic, m.Payload)
	attempt := m.Attempts + 1
	switch {
	case notifyErr == nil:
		outcome = delivered
		err = d.store.MarkProcessed(ctx, tx, m.ID)
	case d.policy.Exhausted(attempt):
		d.logger.Error("notification dead-lettered", "outbox_id", m.ID, "topic", m.Topic, "attempts", attempt, "error", notifyErr)
		outcome = dead
		err = d.store.MarkDead(ctx, tx, m.ID, notifyErr.Error())
	default:
		d.logger.Warn("notification delivery failed", "outbox_id", m.ID, "topic", m.Topic, "attempt", attempt, "error", notifyErr)
		outcome = retried
		err = d.store.MarkRetry(ctx, tx, m.ID, d.now().Add(d.policy.Delay(attempt)), notifyErr.Error())
	}
	if err != nil {
		return false, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("outbox: commit deliver %s: %w", m.ID, err)
	}
	return true, outcome, nil
}
