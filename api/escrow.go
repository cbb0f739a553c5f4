package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/failure"
	"escrowflow/milestone"
)

// visibleHold loads a hold the caller may see: a party, an arbiter or an
// operator.
func (s *Server) visibleHold(ctx context.Context, holdID string, id auth.Identity) (escrow.Hold, error) {
	h, err := s.escrow.Get(ctx, holdID)
	if err != nil {
		return escrow.Hold{}, err
	}
	if !h.IsParty(id.UserID) && !id.IsArbiter() && !id.IsOperator() {
		return escrow.Hold{}, failure.ErrForbidden.WithMessage("escrow: not a party to this escrow")
	}
	return h, nil
}

type fundRequest struct {
	BidID  string          `json:"bid_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BidID == "" {
		s.writeError(w, r, failure.ErrInvalid.WithMessage("bid_id is required"))
		return
	}
	h, err := s.escrow.Fund(r.Context(), escrow.FundParams{BidID: req.BidID, Amount: req.Amount, ActorID: identity(r).UserID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newHoldResponse(h))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	h, err := s.visibleHold(r.Context(), chi.URLParam(r, "holdID"), identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldResponse(h))
}

func (s *Server) handleEscrowTimeline(w http.ResponseWriter, r *http.Request) {
	h, err := s.visibleHold(r.Context(), chi.URLParam(r, "holdID"), identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.escrow.Timeline(r.Context(), h.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(newEventsResponse(events)))
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	h, err := s.visibleHold(r.Context(), chi.URLParam(r, "holdID"), identity(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ms, err := s.milestones.ListForHold(r.Context(), h.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]milestoneResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, newMilestoneResponse(m))
	}
	writeJSON(w, http.StatusOK, newList(out))
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrow.MarkMilestoneComplete(r.Context(),
		chi.URLParam(r, "holdID"), chi.URLParam(r, "milestoneID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"milestone":      newMilestoneResponse(res.Milestone),
		"newly_complete": res.Newly,
		"all_complete":   res.AllComplete,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrow.Release(r.Context(), escrow.ReleaseParams{
		HoldID:  chi.URLParam(r, "holdID"),
		ActorID: identity(r).UserID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Escrow: newHoldResponse(res.Hold), Settled: res.Settled, Noop: res.Noop})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	e, err := s.milestones.Eligibility(r.Context(), chi.URLParam(r, "milestoneID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	ev, err := s.milestones.EvidenceLinks(r.Context(), chi.URLParam(r, "milestoneID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	signatures := make(map[string]string, len(ev.Signatures))
	for role, u := range ev.Signatures {
		signatures[string(role)] = u
	}
	photos := ev.Photos
	if photos == nil {
		photos = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"milestone_id": ev.MilestoneID,
		"signatures":   signatures,
		"photos":       photos,
	})
}

type signatureRequest struct {
	Role        milestone.Role `json:"role"`
	EvidenceRef string         `json:"evidence_ref"`
	SignerName  string         `json:"signer_name"`
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.milestones.RecordSignature(r.Context(), milestone.SignatureParams{
		MilestoneID: chi.URLParam(r, "milestoneID"),
		ActorID:     identity(r).UserID,
		Role:        req.Role,
		EvidenceRef: req.EvidenceRef,
		SignerName:  req.SignerName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMilestoneResponse(m))
}

type photoRequest struct {
	EvidenceRef string `json:"evidence_ref"`
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	var req photoRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.milestones.RecordPhoto(r.Context(), milestone.PhotoParams{
		MilestoneID: chi.URLParam(r, "milestoneID"),
		ActorID:     identity(r).UserID,
		EvidenceRef: req.EvidenceRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMilestoneResponse(m))
}

type gpsRequest struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address *string  `json:"address"`
}

func (s *Server) handleGPS(w http.ResponseWriter, r *http.Request) {
	var req gpsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, failure.ErrInvalid.WithMessage("lat and lng are required"))
		return
	}
	m, err := s.milestones.RecordGPS(r.Context(), milestone.GPSParams{
		MilestoneID: chi.URLParam(r, "milestoneID"),
		ActorID:     identity(r).UserID,
		Lat:         *req.Lat,
		Lng:         *req.Lng,
		Address:     req.Address,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMilestoneResponse(m))
}
