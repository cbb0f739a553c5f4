package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/escrow"
)

type fileDisputeRequest struct {
	RespondentID string           `json:"respondent_id"`
	Type         dispute.Type     `json:"type"`
	Description  string           `json:"description"`
	Amount       *decimal.Decimal `json:"amount"`
	Priority     dispute.Priority `json:"priority"`
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	var req fileDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.disputes.File(r.Context(), dispute.FileParams{
		HoldID:       chi.URLParam(r, "holdID"),
		FilerID:      identity(r).UserID,
		RespondentID: req.RespondentID,
		Type:         req.Type,
		Description:  req.Description,
		Amount:       req.Amount,
		Priority:     req.Priority,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputes.ListForHold(r.Context(), chi.URLParam(r, "holdID"), disputeActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(records))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputes.Get(r.Context(), chi.URLParam(r, "disputeID"), disputeActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type advanceDisputeRequest struct {
	Status dispute.Status `json:"status"`
	Note   string         `json:"note"`
}

func (s *Server) handleAdvanceDispute(w http.ResponseWriter, r *http.Request) {
	var req advanceDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.disputes.Advance(r.Context(), dispute.AdvanceParams{
		DisputeID: chi.URLParam(r, "disputeID"),
		NewStatus: req.Status,
		Actor:     disputeActor(r),
		Note:      req.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resolveDisputeRequest struct {
	Outcome      escrow.Outcome   `json:"outcome"`
	RefundAmount *decimal.Decimal `json:"refund_amount"`
	Note         string           `json:"note"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:    chi.URLParam(r, "disputeID"),
		Outcome:      req.Outcome,
		RefundAmount: req.RefundAmount,
		Actor:        disputeActor(r),
		Note:         req.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDisputeTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.disputes.Timeline(r.Context(), chi.URLParam(r, "disputeID"), disputeActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(newEventsResponse(events)))
}
