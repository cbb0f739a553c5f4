package api

import (
	"time"

	"escrowflow/escrow"
	"escrowflow/milestone"
	"escrowflow/timeline"
	"escrowflow/workorder"
)

type orderResponse struct {
	ID              string                    `json:"id"`
	RequesterID     string                    `json:"requester_id"`
	Title           string                    `json:"title"`
	Description     string                    `json:"description,omitempty"`
	BiddingOpen     bool                      `json:"bidding_open"`
	BiddingDeadline *time.Time                `json:"bidding_deadline,omitempty"`
	Status          workorder.Status          `json:"status"`
	MilestonePlan   []workorder.MilestoneSpec `json:"milestone_plan"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	ClosedAt        *time.Time                `json:"closed_at,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
}

func newOrderResponse(w workorder.WorkOrder) orderResponse {
	plan := w.MilestonePlan
	if plan == nil {
		plan = []workorder.MilestoneSpec{}
	}
	return orderResponse{
		ID:              w.ID,
		RequesterID:     w.RequesterID,
		Title:           w.Title,
		Description:     w.Description,
		BiddingOpen:     w.BiddingOpen,
		BiddingDeadline: w.BiddingDeadline,
		Status:          w.Status,
		MilestonePlan:   plan,
		CompletedAt:     w.CompletedAt,
		ClosedAt:        w.ClosedAt,
		CreatedAt:       w.CreatedAt,
	}
}

type settlementResponse struct {
	Kind        *escrow.SettlementKind `json:"kind,omitempty"`
	Refund      *string                `json:"refund_amount,omitempty"`
	PayoutState escrow.PayoutState     `json:"payout_state"`
	Attempts    int                    `json:"payout_attempts"`
	NextPayout  *time.Time             `json:"next_payout_at,omitempty"`
	LastError   *string                `json:"last_payout_error,omitempty"`
	PayoutRefs  []string               `json:"payout_refs,omitempty"`
}

type holdResponse struct {
	ID          string             `json:"id"`
	BidID       string             `json:"bid_id"`
	WorkOrderID string             `json:"work_order_id"`
	RequesterID string             `json:"requester_id"`
	ProviderID  string             `json:"provider_id"`
	Amount      string             `json:"amount"`
	Status      escrow.Status      `json:"status"`
	DisputeID   *string            `json:"dispute_id,omitempty"`
	Settlement  settlementResponse `json:"settlement"`
	CreatedAt   time.Time          `json:"created_at"`
	HeldAt      *time.Time         `json:"held_at,omitempty"`
	ReleasedAt  *time.Time         `json:"released_at,omitempty"`
	RefundedAt  *time.Time         `json:"refunded_at,omitempty"`
}

func newHoldResponse(h escrow.Hold) holdResponse {
	resp := holdResponse{
		ID:          h.ID,
		BidID:       h.BidID,
		WorkOrderID: h.WorkOrderID,
		RequesterID: h.RequesterID,
		ProviderID:  h.ProviderID,
		Amount:      h.Amount.StringFixed(2),
		Status:      h.Status,
		DisputeID:   h.DisputeID,
		Settlement: settlementResponse{
			Kind:        h.SettlementKind,
			PayoutState: h.PayoutState,
			Attempts:    h.PayoutAttempts,
			NextPayout:  h.NextPayoutAt,
			LastError:   h.LastPayoutError,
			PayoutRefs:  h.PayoutRefs,
		},
		CreatedAt:  h.CreatedAt,
		HeldAt:     h.HeldAt,
		ReleasedAt: h.ReleasedAt,
		RefundedAt: h.RefundedAt,
	}
	if h.SettlementRefund != nil {
		refund := h.SettlementRefund.StringFixed(2)
		resp.Settlement.Refund = &refund
	}
	return resp
}

type signatureResponse struct {
	SignerName string    `json:"signer_name"`
	SignedBy   string    `json:"signed_by"`
	SignedAt   time.Time `json:"signed_at"`
}

type gpsResponse struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Address    *string   `json:"address,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	RecordedAt time.Time `json:"recorded_at"`
}

type requirementsResponse struct {
	Signature       bool   `json:"require_signature"`
	SignaturePolicy string `json:"signature_policy,omitempty"`
	Photos          bool   `json:"require_photos"`
	MinPhotos       int    `json:"min_photos,omitempty"`
	GPS             bool   `json:"require_gps"`
}

type milestoneResponse struct {
	ID                 string                `json:"id"`
	HoldID             string                `json:"escrow_hold_id"`
	Position           int                   `json:"position"`
	Title              string                `json:"title"`
	Requirements       requirementsResponse  `json:"requirements"`
	RequesterSignature *signatureResponse    `json:"requester_signature,omitempty"`
	ProviderSignature  *signatureResponse    `json:"provider_signature,omitempty"`
	PhotoCount         int                   `json:"photo_count"`
	GPS                *gpsResponse          `json:"gps,omitempty"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
	Eligibility        milestone.Eligibility `json:"eligibility"`
}

func newSignatureResponse(s *milestone.Signature) *signatureResponse {
	if s == nil {
		return nil
	}
	return &signatureResponse{SignerName: s.SignerName, SignedBy: s.SignedBy, SignedAt: s.SignedAt}
}

func newMilestoneResponse(m milestone.Milestone) milestoneResponse {
	resp := milestoneResponse{
		ID:       m.ID,
		HoldID:   m.HoldID,
		Position: m.Position,
		Title:    m.Title,
		Requirements: requirementsResponse{
			Signature: m.Requirements.Signature,
			Photos:    m.Requirements.Photos,
			MinPhotos: m.Requirements.MinPhotos,
			GPS:       m.Requirements.GPS,
		},
		RequesterSignature: newSignatureResponse(m.RequesterSignature),
		ProviderSignature:  newSignatureResponse(m.ProviderSignature),
		PhotoCount:         m.PhotoCount,
		CompletedAt:        m.CompletedAt,
		Eligibility:        milestone.Evaluate(m),
	}
	if m.Requirements.Signature {
		resp.Requirements.SignaturePolicy = string(m.Requirements.SignaturePolicy)
	}
	if m.GPS != nil {
		resp.GPS = &gpsResponse{
			Lat:        m.GPS.Lat,
			Lng:        m.GPS.Lng,
			Address:    m.GPS.Address,
			RecordedBy: m.GPS.RecordedBy,
			RecordedAt: m.GPS.RecordedAt,
		}
	}
	return resp
}

type eventResponse struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newEventsResponse(events []timeline.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{Seq: e.Seq, Type: e.Type, ActorID: e.ActorID, Payload: e.Payload, Timestamp: e.Timestamp})
	}
	return out
}

type releaseResponse struct {
	Escrow  holdResponse `json:"escrow"`
	Settled bool         `json:"settled"`
	Noop    bool         `json:"noop"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}
