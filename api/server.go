// Package api is the HTTP JSON action surface over the bid, escrow,
// milestone and dispute operations, plus the operator-only scheduler
// trigger.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"escrowflow/auth"
	"escrowflow/bid"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/milestone"
	"escrowflow/sweep"
	"escrowflow/timeline"
	"escrowflow/workorder"
)

type OrderService interface {
	Create(ctx context.Context, p workorder.CreateParams) (workorder.WorkOrder, error)
	Get(ctx context.Context, id string) (workorder.WorkOrder, error)
	SetBidding(ctx context.Context, id, requesterID string, open bool) (workorder.WorkOrder, error)
}

type BidService interface {
	SubmitOrUpdate(ctx context.Context, p bid.SubmitParams) (bid.SubmitResult, error)
	Withdraw(ctx context.Context, bidID, providerID string) (bid.Bid, error)
	Accept(ctx context.Context, bidID, requesterID string) (bid.AcceptResult, error)
	Decline(ctx context.Context, bidID, requesterID string, reason *string) (bid.Bid, error)
	ListForOrder(ctx context.Context, orderID, requesterID string) ([]bid.Bid, error)
	Get(ctx context.Context, bidID, actorID string) (bid.Bid, error)
	Timeline(ctx context.Context, bidID string) ([]timeline.Event, error)
}

type EscrowService interface {
	Fund(ctx context.Context, p escrow.FundParams) (escrow.Hold, error)
	Get(ctx context.Context, holdID string) (escrow.Hold, error)
	Release(ctx context.Context, p escrow.ReleaseParams) (escrow.SettlementResult, error)
	MarkMilestoneComplete(ctx context.Context, holdID, milestoneID, actorID string) (milestone.CompleteResult, error)
	ResetFailedSettlement(ctx context.Context, holdID, operatorID string) (escrow.Hold, error)
	Timeline(ctx context.Context, holdID string) ([]timeline.Event, error)
}

type MilestoneService interface {
	RecordSignature(ctx context.Context, p milestone.SignatureParams) (milestone.Milestone, error)
	RecordPhoto(ctx context.Context, p milestone.PhotoParams) (milestone.Milestone, error)
	RecordGPS(ctx context.Context, p milestone.GPSParams) (milestone.Milestone, error)
	Eligibility(ctx context.Context, milestoneID string) (milestone.Eligibility, error)
	ListForHold(ctx context.Context, holdID string) ([]milestone.Milestone, error)
	EvidenceLinks(ctx context.Context, milestoneID, actorID string) (milestone.Evidence, error)
}

type DisputeService interface {
	File(ctx context.Context, p dispute.FileParams) (dispute.Record, error)
	Advance(ctx context.Context, p dispute.AdvanceParams) (dispute.Record, error)
	Resolve(ctx context.Context, p dispute.ResolveParams) (dispute.ResolveResult, error)
	Get(ctx context.Context, disputeID string, actor dispute.Actor) (dispute.Record, error)
	Timeline(ctx context.Context, disputeID string, actor dispute.Actor) ([]timeline.Event, error)
	ListForHold(ctx context.Context, holdID string, actor dispute.Actor) ([]dispute.Record, error)
}

type SweepRunner interface {
	Run(ctx context.Context) (sweep.Summary, error)
}

// Authenticator verifies bearer tokens and the operator key.
type Authenticator interface {
	VerifyToken(token string) (auth.Identity, error)
	CheckOperatorKey(key string) error
}

// Server wires HTTP handlers to the domain services.
type Server struct {
	orders     OrderService
	bids       BidService
	escrow     EscrowService
	milestones MilestoneService
	disputes   DisputeService
	sweeps     SweepRunner
	auth       Authenticator
	logger     *slog.Logger
}

// Services groups the dependencies of NewServer.
type Services struct {
	Orders     OrderService
	Bids       BidService
	Escrow     EscrowService
	Milestones MilestoneService
	Disputes   DisputeService
	Sweeps     SweepRunner
	Auth       Authenticator
}

func NewServer(s Services) *Server {
	return &Server{
		orders:     s.Orders,
		bids:       s.Bids,
		escrow:     s.Escrow,
		milestones: s.Milestones,
		disputes:   s.Disputes,
		sweeps:     s.Sweeps,
		auth:       s.Auth,
		logger:     slog.Default(),
	}
}

func (s *Server) WithLogger(logger *slog.Logger) *Server {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders/{orderID}", s.handleGetOrder)
		r.Patch("/orders/{orderID}/bidding", s.handleSetBidding)
		r.Get("/orders/{orderID}/bids", s.handleListBids)
		r.Post("/orders/{orderID}/bids", s.handleSubmitBid)

		r.Get("/bids/{bidID}", s.handleGetBid)
		r.Get("/bids/{bidID}/timeline", s.handleBidTimeline)
		r.Post("/bids/{bidID}/withdraw", s.handleWithdrawBid)
		r.Post("/bids/{bidID}/accept", s.handleAcceptBid)
		r.Post("/bids/{bidID}/decline", s.handleDeclineBid)

		r.Post("/escrows", s.handleFund)
		r.Get("/escrows/{holdID}", s.handleGetEscrow)
		r.Get("/escrows/{holdID}/timeline", s.handleEscrowTimeline)
		r.Get("/escrows/{holdID}/milestones", s.handleListMilestones)
		r.Post("/escrows/{holdID}/milestones/{milestoneID}/complete", s.handleCompleteMilestone)
		r.Post("/escrows/{holdID}/release", s.handleRelease)
		r.Get("/escrows/{holdID}/disputes", s.handleListDisputes)
		r.Post("/escrows/{holdID}/disputes", s.handleFileDispute)

		r.Get("/milestones/{milestoneID}/eligibility", s.handleEligibility)
		r.Get("/milestones/{milestoneID}/evidence", s.handleEvidence)
		r.Post("/milestones/{milestoneID}/signatures", s.handleSignature)
		r.Post("/milestones/{milestoneID}/photos", s.handlePhoto)
		r.Post("/milestones/{milestoneID}/gps", s.handleGPS)

		r.Get("/disputes/{disputeID}", s.handleGetDispute)
		r.Patch("/disputes/{disputeID}", s.handleAdvanceDispute)
		r.Post("/disputes/{disputeID}/resolve", s.handleResolveDispute)
		r.Get("/disputes/{disputeID}/timeline", s.handleDisputeTimeline)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Post("/sweeps", s.handleRunSweeps)
		r.Post("/escrows/{holdID}/reset-settlement", s.handleResetSettlement)
	})

	return r
}

// authenticate resolves the bearer token into an auth.Identity.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		id, err := s.auth.VerifyToken(token)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// requireOperator admits an operator token or the X-Operator-Key header.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-Operator-Key"); key != "" {
			if err := s.auth.CheckOperatorKey(key); err != nil {
				writeProblem(w, http.StatusUnauthorized, "unauthenticated", "invalid operator key")
				return
			}
			// Key holders carry no user id; their timeline entries have no actor.
			id := auth.Identity{Role: auth.RoleOperator}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "operator credentials required")
			return
		}
		id, err := s.auth.VerifyToken(token)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}
		if !id.IsOperator() {
			writeProblem(w, http.StatusForbidden, "forbidden", "operator role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func disputeActor(r *http.Request) dispute.Actor {
	id := identity(r)
	return dispute.Actor{ID: id.UserID, Arbiter: id.IsArbiter()}
}
