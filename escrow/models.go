package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/failure"
)

type Status string

const (
	StatusFunded   Status = "funded"
	StatusHeld     Status = "held"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusReleased || s == StatusRefunded }

// SettlementKind is the money movement a claimed settlement performs.
type SettlementKind string

const (
	SettleRelease SettlementKind = "release"
	SettleRefund  SettlementKind = "refund"
	SettleSplit   SettlementKind = "split"
)

// PayoutState tracks the settlement sub-state of a hold.
type PayoutState string

const (
	PayoutNone         PayoutState = "none"
	PayoutInFlight     PayoutState = "in_flight"
	PayoutRetryPending PayoutState = "retry_pending"
	PayoutPaid         PayoutState = "paid"
	PayoutFailed       PayoutState = "failed"
)

// Outcome is how a dispute hands a frozen hold back.
type Outcome string

const (
	OutcomeReleaseToProvider Outcome = "release_to_provider"
	OutcomeRefundToRequester Outcome = "refund_to_requester"
	OutcomeSplit             Outcome = "split"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeReleaseToProvider, OutcomeRefundToRequester, OutcomeSplit:
		return true
	}
	return false
}

// Hold is the escrowed money for one accepted bid.
type Hold struct {
	ID               string
	BidID            string
	WorkOrderID      string
	RequesterID      string
	ProviderID       string
	Amount           decimal.Decimal
	Status           Status
	CaptureRef       string
	DisputeID        *string
	SettlementKind   *SettlementKind
	SettlementRefund *decimal.Decimal
	PayoutState      PayoutState
	PayoutAttempts   int
	PayoutClaimedAt  *time.Time
	NextPayoutAt     *time.Time
	LastPayoutError  *string
	PayoutRefs       []string
	Version          int64
	CreatedAt        time.Time
	HeldAt           *time.Time
	ReleasedAt       *time.Time
	RefundedAt       *time.Time
	UpdatedAt        time.Time
}

// IsParty reports whether userID is the requester or provider.
func (h Hold) IsParty(userID string) bool {
	return userID != "" && (userID == h.RequesterID || userID == h.ProviderID)
}

// NewHold is the row inserted once capture succeeds.
type NewHold struct {
	BidID       string
	WorkOrderID string
	RequesterID string
	ProviderID  string
	Amount      decimal.Decimal
	CaptureRef  string
}

// FundingBid is the accepted bid an escrow is funded from.
type FundingBid struct {
	BidID       string
	WorkOrderID string
	RequesterID string
	ProviderID  string
	Amount      decimal.Decimal
	Status      string
	DecidedAt   *time.Time
}

type FundingState string

const (
	FundingRetrying FundingState = "retrying"
	FundingFailed   FundingState = "failed"
	FundingFunded   FundingState = "funded"
)

// FundingAttempt is the retry state of funding an accepted bid.
type FundingAttempt struct {
	BidID         string
	Attempts      int
	State         FundingState
	NextAttemptAt *time.Time
	LastError     *string
}

// UnfundedBid is an accepted bid without an escrow hold.
type UnfundedBid struct {
	BidID       string
	WorkOrderID string
	Amount      decimal.Decimal
	AcceptedAt  time.Time
	Attempts    int
	State       *FundingState
}

// Claim describes a settlement claim.
type Claim struct {
	From   Status
	Kind   SettlementKind
	Refund *decimal.Decimal
	At     time.Time
}

// FundParams funds the escrow for an accepted bid.
type FundParams struct {
	BidID   string
	Amount  decimal.Decimal
	ActorID string
}

// ReleaseParams releases a held escrow. An empty ActorID is the scheduler.
type ReleaseParams struct {
	HoldID  string
	ActorID string
}

// SettlementResult reports what a release or settlement attempt did.
type SettlementResult struct {
	Hold    Hold
	Settled bool
	Noop    bool
}

var (
	ErrNotFound            = failure.New(failure.KindNotFound, "escrow_not_found", "escrow: hold not found")
	ErrInvalidEscrowState  = failure.New(failure.KindInvalidState, "invalid_escrow_state", "escrow: hold is not in a state that permits this action")
	ErrNotReleaseEligible  = failure.New(failure.KindPrecondition, "not_release_eligible", "escrow: hold is not eligible for release")
	ErrAmountMismatch      = failure.New(failure.KindValidation, "amount_mismatch", "escrow: amount does not match the accepted bid")
	ErrBidNotAccepted      = failure.New(failure.KindInvalidState, "bid_not_accepted", "escrow: bid is not accepted")
	ErrBidNotFound         = failure.New(failure.KindNotFound, "bid_not_found", "escrow: bid not found")
	ErrCaptureFailed       = failure.New(failure.KindExternal, "capture_failed", "escrow: payment capture failed")
	ErrPayoutFailed        = failure.New(failure.KindExternal, "payout_failed", "escrow: payout failed")
	ErrSettlementNotFailed = failure.New(failure.KindInvalidState, "settlement_not_failed", "escrow: settlement is not in failed state")
)
