package workorder

import (
	"context"
	"time"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusClosed     Status = "closed"
)

// MilestoneSpec is one entry of a work order's milestone plan. The plan is
// instantiated into milestones when the escrow hold is funded. An empty
// SignaturePolicy falls back to the configured default.
type MilestoneSpec struct {
	Title            string `json:"title"`
	RequireSignature bool   `json:"require_signature"`
	SignaturePolicy  string `json:"signature_policy,omitempty"`
	RequirePhotos    bool   `json:"require_photos"`
	MinPhotos        int    `json:"min_photos,omitempty"`
	RequireGPS       bool   `json:"require_gps"`
}

// WorkOrder is a requester's posted job.
type WorkOrder struct {
	ID              string
	RequesterID     string
	Title           string
	Description     string
	BiddingOpen     bool
	BiddingDeadline *time.Time
	Status          Status
	MilestonePlan   []MilestoneSpec
	CompletedAt     *time.Time
	ClosedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AcceptingBids reports whether a bid may be submitted, updated or withdrawn
// at now.
func (w WorkOrder) AcceptingBids(now time.Time) bool {
	if w.Status != StatusOpen || !w.BiddingOpen {
		return false
	}
	if w.BiddingDeadline != nil && !now.Before(*w.BiddingDeadline) {
		return false
	}
	return true
}

// JobStatus is the completion signal consumed by the sweep and dispute
// filing.
type JobStatus struct {
	OrderID     string
	Status      Status
	CompletedAt *time.Time
}

// Completed reports whether the job finished.
func (j JobStatus) Completed() bool {
	return j.CompletedAt != nil && (j.Status == StatusCompleted || j.Status == StatusClosed)
}

// StatusSource answers whether a job is completed.
type StatusSource interface {
	JobStatus(ctx context.Context, orderID string) (JobStatus, error)
}

// CreateParams describes a new work order.
type CreateParams struct {
	RequesterID     string
	Title           string
	Description     string
	BiddingDeadline *time.Time
	MilestonePlan   []MilestoneSpec
}
