package workorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"escrowflow/db"
	"escrowflow/failure"
)

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, q db.Querier, p CreateParams) (WorkOrder, error)
	Get(ctx context.Context, q db.Querier, id string) (WorkOrder, error)
	SetBiddingOpen(ctx context.Context, q db.Querier, id string, open bool) error
}

// Service manages work orders and answers job status queries.
type Service struct {
	pool  db.Pool
	store Store
	now   func() time.Time
}

func NewService(pool db.Pool, store Store) *Service {
	return &Service{pool: pool, store: store, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create posts a new work order open for bidding.
func (s *Service) Create(ctx context.Context, p CreateParams) (WorkOrder, error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.RequesterID == "" {
		return WorkOrder{}, failure.ErrInvalid.WithMessage("workorder: requester is required")
	}
	if p.Title == "" {
		return WorkOrder{}, failure.ErrInvalid.WithMessage("workorder: title is required")
	}
	if p.BiddingDeadline != nil && !p.BiddingDeadline.After(s.now()) {
		return WorkOrder{}, failure.ErrInvalid.WithMessage("workorder: bidding deadline must be in the future")
	}
	for i, m := range p.MilestonePlan {
		if err := validateSpec(m); err != nil {
			return WorkOrder{}, failure.ErrInvalid.WithMessage("workorder: milestone %d: %v", i+1, err)
		}
	}
	w, err := s.store.Insert(ctx, s.pool, p)
	if err != nil {
		return WorkOrder{}, fmt.Errorf("workorder: create: %w", err)
	}
	return w, nil
}

func validateSpec(m MilestoneSpec) error {
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("title is required")
	}
	switch m.SignaturePolicy {
	case "", "either", "both":
	default:
		return fmt.Errorf("unknown signature policy %q", m.SignaturePolicy)
	}
	if m.MinPhotos < 0 {
		return fmt.Errorf("min photos must not be negative")
	}
	if !m.RequirePhotos && m.MinPhotos > 0 {
		return fmt.Errorf("min photos set without requiring photos")
	}
	if m.RequirePhotos && m.MinPhotos < 1 {
		return fmt.Errorf("require photos needs min photos of at least 1")
	}
	return nil
}

// Get returns the order by id.
func (s *Service) Get(ctx context.Context, id string) (WorkOrder, error) {
	return s.store.Get(ctx, s.pool, id)
}

// SetBidding opens or closes bidding on an open order. Only the requester
// may change it.
func (s *Service) SetBidding(ctx context.Context, id, requesterID string, open bool) (WorkOrder, error) {
	w, err := s.store.Get(ctx, s.pool, id)
	if err != nil {
		return WorkOrder{}, err
	}
	if w.RequesterID != requesterID {
		return WorkOrder{}, failure.ErrForbidden.WithMessage("workorder: only the requester may change bidding")
	}
	if err := s.store.SetBiddingOpen(ctx, s.pool, id, open); err != nil {
		return WorkOrder{}, err
	}
	w.BiddingOpen = open
	return w, nil
}

// JobStatus implements StatusSource.
func (s *Service) JobStatus(ctx context.Context, orderID string) (JobStatus, error) {
	w, err := s.store.Get(ctx, s.pool, orderID)
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{OrderID: w.ID, Status: w.Status, CompletedAt: w.CompletedAt}, nil
}
