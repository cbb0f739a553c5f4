// Package bid is the bid ledger: providers submit, revise and withdraw offers
// on open work orders, and the requester accepts or declines them.
package bid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/failure"
	"escrowflow/outbox"
	"escrowflow/timeline"
	"escrowflow/workorder"
)

// Store is the bid persistence surface.
type Store interface {
	Get(ctx context.Context, q db.Querier, id string) (Bid, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (Bid, error)
	ActiveFor(ctx context.Context, q db.Querier, orderID, providerID string) (Bid, error)
	Insert(ctx context.Context, q db.Querier, p SubmitParams) (Bid, error)
	UpdatePending(ctx context.Context, q db.Querier, id string, p SubmitParams) (Bid, bool, error)
	Withdraw(ctx context.Context, q db.Querier, id string, at time.Time) (Bid, bool, error)
	Decide(ctx context.Context, q db.Querier, id string, to Status, reason *string, at time.Time) (Bid, bool, error)
	ListForOrder(ctx context.Context, q db.Querier, orderID string) ([]Bid, error)
}

// Orders is the slice of the work order repository the bid ledger uses.
type Orders interface {
	Get(ctx context.Context, q db.Querier, id string) (workorder.WorkOrder, error)
	GetForUpdate(ctx context.Context, q db.Querier, id string) (workorder.WorkOrder, error)
	MarkInProgress(ctx context.Context, q db.Querier, id string) error
}

// Funder funds the escrow of an accepted bid.
type Funder interface {
	FundAccepted(ctx context.Context, bidID string) (escrow.Hold, error)
}

type Service struct {
	pool   db.Pool
	store  Store
	orders Orders
	funder Funder
	logger *slog.Logger
	now    func() time.Time
}

func NewService(pool db.Pool, store Store, orders Orders) *Service {
	return &Service{pool: pool, store: store, orders: orders, logger: slog.Default(), now: time.Now}
}

// WithFunder enables escrow funding after acceptance commits.
func (s *Service) WithFunder(f Funder) *Service {
	s.funder = f
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func validateSubmit(p SubmitParams) error {
	if _, err := uuid.Parse(p.OrderID); err != nil {
		return failure.ErrInvalid.WithMessage("bid: invalid work order id")
	}
	if _, err := uuid.Parse(p.ProviderID); err != nil {
		return failure.ErrInvalid.WithMessage("bid: invalid provider id")
	}
	if !p.Amount.IsPositive() {
		return failure.ErrInvalid.WithMessage("bid: amount must be positive")
	}
	if !p.Amount.Equal(p.Amount.Round(2)) {
		return failure.ErrInvalid.WithMessage("bid: amount has more than two decimal places")
	}
	if p.DurationHours != nil && *p.DurationHours <= 0 {
		return failure.ErrInvalid.WithMessage("bid: estimated duration must be positive")
	}
	if p.Message != nil && len(*p.Message) > 4000 {
		return failure.ErrInvalid.WithMessage("bid: message too long")
	}
	return nil
}

// SubmitOrUpdate creates the provider's bid, or revises it in place while it
// is still pending.
func (s *Service) SubmitOrUpdate(ctx context.Context, p SubmitParams) (SubmitResult, error) {
	if err := validateSubmit(p); err != nil {
		return SubmitResult{}, err
	}
	if p.Message != nil {
		trimmed := strings.TrimSpace(*p.Message)
		p.Message = &trimmed
	}

	res, err := s.submit(ctx, p)
	if errors.Is(err, errActiveBidExists) {
		// A concurrent submit won the insert; the retry takes the update path.
		res, err = s.submit(ctx, p)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	s.logger.InfoContext(ctx, "bid submitted", "bid_id", res.Bid.ID, "work_order_id", p.OrderID, "created", res.Created, "revision", res.Bid.Revision)
	return res, nil
}

func (s *Service) submit(ctx context.Context, p SubmitParams) (SubmitResult, error) {
	var res SubmitResult
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		order, err := s.orders.GetForUpdate(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		if order.RequesterID == p.ProviderID {
			return failure.ErrForbidden.WithMessage("bid: cannot bid on your own work order")
		}
		if !order.AcceptingBids(s.now()) {
			return ErrBiddingClosed.WithDetail("work_order_id", order.ID).WithDetail("status", string(order.Status))
		}

		existing, err := s.store.ActiveFor(ctx, tx, p.OrderID, p.ProviderID)
		switch {
		case err == nil:
			if existing.Status != StatusPending {
				return ErrInvalidBidState.WithMessage("bid: %s bid cannot be modified", existing.Status).
					WithDetail("status", string(existing.Status))
			}
			updated, ok, err := s.store.UpdatePending(ctx, tx, existing.ID, p)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidBidState.WithMessage("bid: bid %s is no longer pending", existing.ID)
			}
			res = SubmitResult{Bid: updated}
			if err := timeline.Append(ctx, tx, timeline.EntityBid, updated.ID, timeline.BidUpdated, p.ProviderID, map[string]any{
				"amount":   updated.Amount.StringFixed(2),
				"revision": updated.Revision,
			}); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound):
			created, err := s.store.Insert(ctx, tx, p)
			if err != nil {
				return err
			}
			res = SubmitResult{Bid: created, Created: true}
			if err := timeline.Append(ctx, tx, timeline.EntityBid, created.ID, timeline.BidSubmitted, p.ProviderID, map[string]any{
				"amount": created.Amount.StringFixed(2),
			}); err != nil {
				return err
			}
		default:
			return err
		}

		return outbox.Enqueue(ctx, tx, outbox.TopicBidSubmitted, order.RequesterID, map[string]any{
			"bid_id":        res.Bid.ID,
			"work_order_id": order.ID,
			"amount":        res.Bid.Amount.StringFixed(2),
			"revision":      res.Bid.Revision,
		})
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// Withdraw retracts a pending bid while the order is still open.
func (s *Service) Withdraw(ctx context.Context, bidID, providerID string) (Bid, error) {
	var out Bid
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := s.store.GetForUpdate(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if b.ProviderID != providerID {
			return failure.ErrForbidden.WithMessage("bid: only the bidding provider may withdraw")
		}
		order, err := s.orders.GetForUpdate(ctx, tx, b.WorkOrderID)
		if err != nil {
			return err
		}
		if b.Status != StatusPending {
			return ErrInvalidBidState.WithMessage("bid: cannot withdraw a %s bid", b.Status).WithDetail("status", string(b.Status))
		}
		if order.Status != workorder.StatusOpen {
			return ErrInvalidBidState.WithMessage("bid: work order is %s", order.Status).WithDetail("work_order_status", string(order.Status))
		}
		withdrawn, ok, err := s.store.Withdraw(ctx, tx, b.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidBidState.WithMessage("bid: bid %s is no longer pending", b.ID)
		}
		if err := timeline.Append(ctx, tx, timeline.EntityBid, b.ID, timeline.BidWithdrawn, providerID, nil); err != nil {
			return err
		}
		out = withdrawn
		return outbox.Enqueue(ctx, tx, outbox.TopicBidWithdrawn, order.RequesterID, map[string]any{
			"bid_id":        b.ID,
			"work_order_id": order.ID,
		})
	})
	return out, err
}

// Accept accepts a pending bid, starts the job and then funds escrow.
// Funding runs after commit; when it fails the bid stays accepted without a
// hold and the reconciliation sweep retries it.
func (s *Service) Accept(ctx context.Context, bidID, requesterID string) (AcceptResult, error) {
	var (
		accepted    Bid
		alreadyDone bool
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := s.store.GetForUpdate(ctx, tx, bidID)
		if err != nil {
			return err
		}
		order, err := s.orders.GetForUpdate(ctx, tx, b.WorkOrderID)
		if err != nil {
			return err
		}
		if order.RequesterID != requesterID {
			return failure.ErrForbidden.WithMessage("bid: only the work order requester may accept bids")
		}
		if b.Status == StatusAccepted {
			accepted, alreadyDone = b, true
			return nil
		}
		if b.Status != StatusPending {
			return ErrInvalidBidState.WithMessage("bid: cannot accept a %s bid", b.Status).WithDetail("status", string(b.Status))
		}
		if order.Status != workorder.StatusOpen {
			return ErrInvalidBidState.WithMessage("bid: work order is %s", order.Status).WithDetail("work_order_status", string(order.Status))
		}

		decided, ok, err := s.store.Decide(ctx, tx, b.ID, StatusAccepted, nil, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidBidState.WithMessage("bid: bid %s is no longer pending", b.ID)
		}
		if err := s.orders.MarkInProgress(ctx, tx, order.ID); err != nil {
			return err
		}
		if err := timeline.Append(ctx, tx, timeline.EntityBid, b.ID, timeline.BidAccepted, requesterID, map[string]any{
			"amount": decided.Amount.StringFixed(2),
		}); err != nil {
			return err
		}
		accepted = decided
		return outbox.Enqueue(ctx, tx, outbox.TopicBidAccepted, decided.ProviderID, map[string]any{
			"bid_id":        decided.ID,
			"work_order_id": order.ID,
			"amount":        decided.Amount.StringFixed(2),
		})
	})
	if err != nil {
		return AcceptResult{}, err
	}

	res := AcceptResult{Bid: accepted}
	if alreadyDone {
		return res, nil
	}
	s.logger.InfoContext(ctx, "bid accepted", "bid_id", accepted.ID, "work_order_id", accepted.WorkOrderID)
	if s.funder == nil {
		return res, nil
	}
	hold, err := s.funder.FundAccepted(ctx, accepted.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "escrow funding deferred to reconciliation", "bid_id", accepted.ID, "error", err)
		return res, nil
	}
	res.HoldID = hold.ID
	return res, nil
}

// Decline rejects a pending bid.
func (s *Service) Decline(ctx context.Context, bidID, requesterID string, reason *string) (Bid, error) {
	if reason != nil {
		r := strings.TrimSpace(*reason)
		if r == "" {
			reason = nil
		} else {
			reason = &r
		}
	}
	var out Bid
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := s.store.GetForUpdate(ctx, tx, bidID)
		if err != nil {
			return err
		}
		order, err := s.orders.Get(ctx, tx, b.WorkOrderID)
		if err != nil {
			return err
		}
		if order.RequesterID != requesterID {
			return failure.ErrForbidden.WithMessage("bid: only the work order requester may decline bids")
		}
		if b.Status != StatusPending {
			return ErrInvalidBidState.WithMessage("bid: cannot decline a %s bid", b.Status).WithDetail("status", string(b.Status))
		}
		decided, ok, err := s.store.Decide(ctx, tx, b.ID, StatusDeclined, reason, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidBidState.WithMessage("bid: bid %s is no longer pending", b.ID)
		}
		payload := map[string]any{"bid_id": b.ID, "work_order_id": order.ID}
		if reason != nil {
			payload["reason"] = *reason
		}
		if err := timeline.Append(ctx, tx, timeline.EntityBid, b.ID, timeline.BidDeclined, requesterID, payload); err != nil {
			return err
		}
		out = decided
		return outbox.Enqueue(ctx, tx, outbox.TopicBidDeclined, decided.ProviderID, payload)
	})
	return out, err
}

// ListForOrder returns every bid on the order. Only the requester may list.
func (s *Service) ListForOrder(ctx context.Context, orderID, requesterID string) ([]Bid, error) {
	order, err := s.orders.Get(ctx, s.pool, orderID)
	if err != nil {
		return nil, err
	}
	if order.RequesterID != requesterID {
		return nil, failure.ErrForbidden.WithMessage("bid: only the work order requester may list bids")
	}
	bids, err := s.store.ListForOrder(ctx, s.pool, orderID)
	if err != nil {
		return nil, fmt.Errorf("bid: list for order %s: %w", orderID, err)
	}
	return bids, nil
}

// Get returns a bid to its provider or the order's requester.
func (s *Service) Get(ctx context.Context, bidID, actorID string) (Bid, error) {
	b, err := s.store.Get(ctx, s.pool, bidID)
	if err != nil {
		return Bid{}, err
	}
	if b.ProviderID == actorID {
		return b, nil
	}
	order, err := s.orders.Get(ctx, s.pool, b.WorkOrderID)
	if err != nil {
		return Bid{}, err
	}
	if order.RequesterID != actorID {
		return Bid{}, failure.ErrForbidden.WithMessage("bid: not a party to this bid")
	}
	return b, nil
}

// Timeline returns the bid's audit trail.
func (s *Service) Timeline(ctx context.Context, bidID string) ([]timeline.Event, error) {
	return timeline.List(ctx, s.pool, timeline.EntityBid, bidID)
}
