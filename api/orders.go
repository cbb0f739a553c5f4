package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/bid"
	"escrowflow/failure"
	"escrowflow/workorder"
)

type createOrderRequest struct {
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	BiddingDeadline *time.Time                `json:"bidding_deadline"`
	MilestonePlan   []workorder.MilestoneSpec `json:"milestone_plan"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.orders.Create(r.Context(), workorder.CreateParams{
		RequesterID:     identity(r).UserID,
		Title:           req.Title,
		Description:     req.Description,
		BiddingDeadline: req.BiddingDeadline,
		MilestonePlan:   req.MilestonePlan,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type setBiddingRequest struct {
	Open *bool `json:"open"`
}

func (s *Server) handleSetBidding(w http.ResponseWriter, r *http.Request) {
	var req setBiddingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Open == nil {
		s.writeError(w, r, failure.ErrInvalid.WithMessage("open is required"))
		return
	}
	order, err := s.orders.SetBidding(r.Context(), chi.URLParam(r, "orderID"), identity(r).UserID, *req.Open)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type submitBidRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	DurationHours *int            `json:"estimated_duration_hours"`
	StartDate     *time.Time      `json:"proposed_start"`
	Message       *string         `json:"message"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.bids.SubmitOrUpdate(r.Context(), bid.SubmitParams{
		OrderID:       chi.URLParam(r, "orderID"),
		ProviderID:    identity(r).UserID,
		Amount:        req.Amount,
		DurationHours: req.DurationHours,
		StartDate:     req.StartDate,
		Message:       req.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.bids.ListForOrder(r.Context(), chi.URLParam(r, "orderID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(bids))
}

func (s *Server) handleGetBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.bids.Get(r.Context(), chi.URLParam(r, "bidID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBidTimeline(w http.ResponseWriter, r *http.Request) {
	bidID := chi.URLParam(r, "bidID")
	if _, err := s.bids.Get(r.Context(), bidID, identity(r).UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.bids.Timeline(r.Context(), bidID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(newEventsResponse(events)))
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.bids.Withdraw(r.Context(), chi.URLParam(r, "bidID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	res, err := s.bids.Accept(r.Context(), chi.URLParam(r, "bidID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type declineBidRequest struct {
	Reason *string `json:"reason"`
}

func (s *Server) handleDeclineBid(w http.ResponseWriter, r *http.Request) {
	var req declineBidRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bids.Decline(r.Context(), chi.URLParam(r, "bidID"), identity(r).UserID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
