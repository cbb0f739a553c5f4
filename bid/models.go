package bid

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/failure"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusWithdrawn Status = "withdrawn"
)

// Active reports whether the bid occupies the provider's single active slot
// on its work order.
func (s Status) Active() bool { return s == StatusPending || s == StatusAccepted }

// Bid is a provider's offer on a work order. Rows are never deleted; a
// resubmission while pending updates the row and bumps Revision.
type Bid struct {
	ID            string          `json:"id"`
	WorkOrderID   string          `json:"work_order_id"`
	ProviderID    string          `json:"provider_id"`
	Amount        decimal.Decimal `json:"amount"`
	DurationHours *int            `json:"estimated_duration_hours,omitempty"`
	StartDate     *time.Time      `json:"proposed_start,omitempty"`
	Message       *string         `json:"message,omitempty"`
	Status        Status          `json:"status"`
	DeclineReason *string         `json:"decline_reason,omitempty"`
	Revision      int             `json:"revision"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	WithdrawnAt   *time.Time      `json:"withdrawn_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SubmitParams creates a bid or revises the provider's pending one.
type SubmitParams struct {
	OrderID       string
	ProviderID    string
	Amount        decimal.Decimal
	DurationHours *int
	StartDate     *time.Time
	Message       *string
}

// SubmitResult reports whether SubmitOrUpdate inserted a new bid.
type SubmitResult struct {
	Bid     Bid  `json:"bid"`
	Created bool `json:"created"`
}

// AcceptResult carries the accepted bid and, when funding ran and
// succeeded, the escrow hold it produced.
type AcceptResult struct {
	Bid    Bid    `json:"bid"`
	HoldID string `json:"escrow_hold_id,omitempty"`
}

var (
	ErrNotFound        = failure.New(failure.KindNotFound, "bid_not_found", "bid: not found")
	ErrBiddingClosed   = failure.New(failure.KindPrecondition, "bidding_closed", "bid: work order is not accepting bids")
	ErrInvalidBidState = failure.New(failure.KindInvalidState, "invalid_bid_state", "bid: bid is not in a state that permits this action")
)
