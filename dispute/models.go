package dispute

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/escrow"
	"escrowflow/failure"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusMediation   Status = "mediation"
	StatusEscalated   Status = "escalated"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the dispute no longer freezes its hold.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed || s == StatusCancelled
}

// transitions is the Advance adjacency. A dispute may cycle between
// under_review and mediation/escalated; it only leaves for closed or
// cancelled from mediation or escalated. resolved is reachable only through
// Resolve.
var transitions = map[Status][]Status{
	StatusOpen:        {StatusUnderReview},
	StatusUnderReview: {StatusMediation, StatusEscalated},
	StatusMediation:   {StatusUnderReview, StatusClosed, StatusCancelled},
	StatusEscalated:   {StatusUnderReview, StatusClosed, StatusCancelled},
}

// CanAdvance reports whether from → to is a legal Advance.
func CanAdvance(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Resolvable reports whether Resolve may be applied in status s.
func Resolvable(s Status) bool {
	return s == StatusMediation || s == StatusEscalated
}

type Type string

const (
	TypePayment       Type = "payment"
	TypeQuality       Type = "quality"
	TypeTimeline      Type = "timeline"
	TypeScope         Type = "scope"
	TypeCommunication Type = "communication"
	TypeOther         Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypePayment, TypeQuality, TypeTimeline, TypeScope, TypeCommunication, TypeOther:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Record mirrors the disputes table.
type Record struct {
	ID             string           `json:"id"`
	WorkOrderID    string           `json:"work_order_id"`
	HoldID         string           `json:"escrow_hold_id"`
	Type           Type             `json:"type"`
	Status         Status           `json:"status"`
	Priority       Priority         `json:"priority"`
	FilerID        string           `json:"filer_id"`
	RespondentID   string           `json:"respondent_id"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Description    string           `json:"description"`
	Resolution     *escrow.Outcome  `json:"resolution,omitempty"`
	RefundAmount   *decimal.Decimal `json:"refund_amount,omitempty"`
	ResolutionNote *string          `json:"resolution_note,omitempty"`
	ResolvedBy     *string          `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// IsParty reports whether userID filed or responds to the dispute.
func (r Record) IsParty(userID string) bool {
	return userID != "" && (userID == r.FilerID || userID == r.RespondentID)
}

// Actor is the caller acting on a dispute. Arbiter is set for platform
// arbiters; parties act with Arbiter false.
type Actor struct {
	ID      string
	Arbiter bool
}

// FileParams opens a dispute against a held escrow.
type FileParams struct {
	HoldID       string
	FilerID      string
	RespondentID string
	Type         Type
	Description  string
	Amount       *decimal.Decimal
	Priority     Priority
}

// AdvanceParams moves a dispute along its workflow.
type AdvanceParams struct {
	DisputeID string
	NewStatus Status
	Actor     Actor
	Note      string
}

// ResolveParams settles a dispute. RefundAmount is the requester's share for
// a split outcome; nil splits evenly.
type ResolveParams struct {
	DisputeID    string
	Outcome      escrow.Outcome
	RefundAmount *decimal.Decimal
	Actor        Actor
	Note         string
}

// ResolveResult is the resolved dispute plus the hold it handed back.
// PayoutError is set when the settlement payout failed after the resolution
// committed; the retry sweep picks it up.
type ResolveResult struct {
	Dispute     Record      `json:"dispute"`
	Hold        escrow.Hold `json:"-"`
	HoldStatus  string      `json:"hold_status"`
	Settled     bool        `json:"settled"`
	PayoutError string      `json:"payout_error,omitempty"`
}

// NewRecord is the row inserted by File.
type NewRecord struct {
	WorkOrderID  string
	HoldID       string
	Type         Type
	Priority     Priority
	FilerID      string
	RespondentID string
	Amount       *decimal.Decimal
	Description  string
}

// Resolution is what Resolve persists on the dispute.
type Resolution struct {
	Outcome      escrow.Outcome
	RefundAmount *decimal.Decimal
	Note         *string
	ResolvedBy   string
	ResolvedAt   time.Time
}

var (
	ErrNotFound          = failure.New(failure.KindNotFound, "dispute_not_found", "dispute: not found")
	ErrIllegalTransition = failure.New(failure.KindInvalidState, "illegal_dispute_transition", "dispute: illegal status transition")
	ErrAlreadyOpen       = failure.New(failure.KindDuplicate, "dispute_already_open", "dispute: hold already has an active dispute")
	ErrNotDisputable     = failure.New(failure.KindPrecondition, "hold_not_disputable", "dispute: escrow hold cannot be disputed")
	ErrJobNotCompleted   = failure.New(failure.KindPrecondition, "job_not_completed", "dispute: job is not completed")
)
