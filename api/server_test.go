package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/bid"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/milestone"
	"escrowflow/sweep"
	"escrowflow/timeline"
	"escrowflow/workorder"
)

const (
	requesterID = "11111111-1111-1111-1111-111111111111"
	providerID  = "22222222-2222-2222-2222-222222222222"
	arbiterID   = "99999999-9999-9999-9999-999999999999"
	holdID      = "55555555-5555-5555-5555-555555555555"
)

type stubAuth struct{}

// Tokens in tests are "<role>:<user id>".
func (stubAuth) VerifyToken(token string) (auth.Identity, error) {
	role, user, ok := strings.Cut(token, ":")
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: user, Role: auth.Role(role)}, nil
}

func (stubAuth) CheckOperatorKey(key string) error {
	if key != "operator-key" {
		return auth.ErrInvalidOperatorKey
	}
	return nil
}

type stubOrders struct {
	created workorder.CreateParams
	err     error
}

func (s *stubOrders) Create(_ context.Context, p workorder.CreateParams) (workorder.WorkOrder, error) {
	s.created = p
	return workorder.WorkOrder{ID: "o1", RequesterID: p.RequesterID, Title: p.Title, Status: workorder.StatusOpen, BiddingOpen: true}, s.err
}

func (s *stubOrders) Get(_ context.Context, id string) (workorder.WorkOrder, error) {
	if s.err != nil {
		return workorder.WorkOrder{}, s.err
	}
	return workorder.WorkOrder{ID: id, Status: workorder.StatusOpen}, nil
}

func (s *stubOrders) SetBidding(_ context.Context, id, _ string, open bool) (workorder.WorkOrder, error) {
	return workorder.WorkOrder{ID: id, BiddingOpen: open}, s.err
}

type stubBids struct {
	submitted bid.SubmitParams
	submitRes bid.SubmitResult
	err       error
}

func (s *stubBids) SubmitOrUpdate(_ context.Context, p bid.SubmitParams) (bid.SubmitResult, error) {
	s.submitted = p
	return s.submitRes, s.err
}

func (s *stubBids) Withdraw(_ context.Context, id, _ string) (bid.Bid, error) {
	return bid.Bid{ID: id, Status: bid.StatusWithdrawn}, s.err
}

func (s *stubBids) Accept(_ context.Context, id, _ string) (bid.AcceptResult, error) {
	return bid.AcceptResult{Bid: bid.Bid{ID: id, Status: bid.StatusAccepted}, HoldID: holdID}, s.err
}

func (s *stubBids) Decline(_ context.Context, id, _ string, reason *string) (bid.Bid, error) {
	return bid.Bid{ID: id, Status: bid.StatusDeclined, DeclineReason: reason}, s.err
}

func (s *stubBids) ListForOrder(_ context.Context, _, _ string) ([]bid.Bid, error) {
	return nil, s.err
}

func (s *stubBids) Get(_ context.Context, id, _ string) (bid.Bid, error) {
	return bid.Bid{ID: id}, s.err
}

func (s *stubBids) Timeline(_ context.Context, _ string) ([]timeline.Event, error) {
	return []timeline.Event{{Seq: 1, Type: timeline.BidSubmitted}}, nil
}

type stubEscrow struct {
	hold       escrow.Hold
	err        error
	releaseRes escrow.SettlementResult
	releaseErr error
	released   escrow.ReleaseParams
	resetBy    *string
}

func (s *stubEscrow) Fund(_ context.Context, p escrow.FundParams) (escrow.Hold, error) {
	return s.hold, s.err
}

func (s *stubEscrow) Get(_ context.Context, _ string) (escrow.Hold, error) {
	return s.hold, s.err
}

func (s *stubEscrow) Release(_ context.Context, p escrow.ReleaseParams) (escrow.SettlementResult, error) {
	s.released = p
	return s.releaseRes, s.releaseErr
}

func (s *stubEscrow) MarkMilestoneComplete(_ context.Context, _, milestoneID, _ string) (milestone.CompleteResult, error) {
	return milestone.CompleteResult{Milestone: milestone.Milestone{ID: milestoneID}, Newly: true}, s.err
}

func (s *stubEscrow) ResetFailedSettlement(_ context.Context, _, operatorID string) (escrow.Hold, error) {
	s.resetBy = &operatorID
	return s.hold, s.err
}

func (s *stubEscrow) Timeline(_ context.Context, _ string) ([]timeline.Event, error) {
	return nil, nil
}

type stubMilestones struct {
	gps milestone.GPSParams
	err error
}

func (s *stubMilestones) RecordSignature(_ context.Context, p milestone.SignatureParams) (milestone.Milestone, error) {
	return milestone.Milestone{ID: p.MilestoneID}, s.err
}

func (s *stubMilestones) RecordPhoto(_ context.Context, p milestone.PhotoParams) (milestone.Milestone, error) {
	return milestone.Milestone{ID: p.MilestoneID}, s.err
}

func (s *stubMilestones) RecordGPS(_ context.Context, p milestone.GPSParams) (milestone.Milestone, error) {
	s.gps = p
	return milestone.Milestone{ID: p.MilestoneID}, s.err
}

func (s *stubMilestones) Eligibility(_ context.Context, _ string) (milestone.Eligibility, error) {
	return milestone.Eligibility{Eligible: true}, s.err
}

func (s *stubMilestones) ListForHold(_ context.Context, _ string) ([]milestone.Milestone, error) {
	return []milestone.Milestone{{ID: "m1", HoldID: holdID, Position: 1, Title: "Install"}}, s.err
}

func (s *stubMilestones) EvidenceLinks(_ context.Context, id, _ string) (milestone.Evidence, error) {
	return milestone.Evidence{MilestoneID: id}, s.err
}

type stubDisputes struct {
	resolved dispute.ResolveParams
	err      error
}

func (s *stubDisputes) File(_ context.Context, p dispute.FileParams) (dispute.Record, error) {
	return dispute.Record{ID: "d1", HoldID: p.HoldID, FilerID: p.FilerID, Status: dispute.StatusOpen}, s.err
}

func (s *stubDisputes) Advance(_ context.Context, p dispute.AdvanceParams) (dispute.Record, error) {
	return dispute.Record{ID: p.DisputeID, Status: p.NewStatus}, s.err
}

func (s *stubDisputes) Resolve(_ context.Context, p dispute.ResolveParams) (dispute.ResolveResult, error) {
	s.resolved = p
	return dispute.ResolveResult{Dispute: dispute.Record{ID: p.DisputeID, Status: dispute.StatusResolved}, HoldStatus: "held"}, s.err
}

func (s *stubDisputes) Get(_ context.Context, id string, _ dispute.Actor) (dispute.Record, error) {
	return dispute.Record{ID: id}, s.err
}

func (s *stubDisputes) Timeline(_ context.Context, _ string, _ dispute.Actor) ([]timeline.Event, error) {
	return nil, s.err
}

func (s *stubDisputes) ListForHold(_ context.Context, _ string, _ dispute.Actor) ([]dispute.Record, error) {
	return nil, s.err
}

type stubSweeps struct {
	calls int
	err   error
}

func (s *stubSweeps) Run(_ context.Context) (sweep.Summary, error) {
	s.calls++
	return sweep.Summary{Release: sweep.Result{Found: 2, Succeeded: 2}}, s.err
}

type fixture struct {
	orders     *stubOrders
	bids       *stubBids
	escrow     *stubEscrow
	milestones *stubMilestones
	disputes   *stubDisputes
	sweeps     *stubSweeps
	handler    http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		orders:     &stubOrders{},
		bids:       &stubBids{},
		escrow:     &stubEscrow{hold: escrow.Hold{ID: holdID, RequesterID: requesterID, ProviderID: providerID, Amount: decimal.RequireFromString("500"), Status: escrow.StatusHeld}},
		milestones: &stubMilestones{},
		disputes:   &stubDisputes{},
		sweeps:     &stubSweeps{},
	}
	f.handler = NewServer(Services{
		Orders:     f.orders,
		Bids:       f.bids,
		Escrow:     f.escrow,
		Milestones: f.milestones,
		Disputes:   f.disputes,
		Sweeps:     f.sweeps,
		Auth:       stubAuth{},
	}).Routes()
	return f
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestAuthenticationRequired(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/api/escrows/"+holdID, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/escrows/"+holdID, "garbage", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
}

func TestHandleSubmitBid_UsesCallerAsProvider(t *testing.T) {
	f := newFixture()
	f.bids.submitRes = bid.SubmitResult{Bid: bid.Bid{ID: "b1", Status: bid.StatusPending, Revision: 1}, Created: true}

	rec := f.do(http.MethodPost, "/api/orders/o1/bids", "member:"+providerID, `{"amount":"500.00","message":"can start monday"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.bids.submitted.ProviderID != providerID || f.bids.submitted.OrderID != "o1" {
		t.Fatalf("unexpected submit params: %+v", f.bids.submitted)
	}
	if !f.bids.submitted.Amount.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("unexpected amount %s", f.bids.submitted.Amount)
	}

	f.bids.submitRes.Created = false
	rec = f.do(http.MethodPost, "/api/orders/o1/bids", "member:"+providerID, `{"amount":"450"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for revision, got %d", rec.Code)
	}
}

func TestHandleSubmitBid_BiddingClosed(t *testing.T) {
	f := newFixture()
	f.bids.err = bid.ErrBiddingClosed

	rec := f.do(http.MethodPost, "/api/orders/o1/bids", "member:"+providerID, `{"amount":"500"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "bidding_closed" || body.Kind != "precondition_not_met" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestHandleSubmitBid_MalformedBody(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/orders/o1/bids", "member:"+providerID, `{"amount":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/orders/o1/bids", "member:"+providerID, `{"amount":"1","bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestHandleRelease_NotEligible(t *testing.T) {
	f := newFixture()
	f.escrow.releaseErr = escrow.ErrNotReleaseEligible.
		WithMessage(`escrow: not release eligible: milestone 1 "Install": 2 more photos required`).
		WithDetail("milestones", []map[string]any{{"position": 1}})

	rec := f.do(http.MethodPost, "/api/escrows/"+holdID+"/release", "member:"+requesterID, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "not_release_eligible" || !strings.Contains(body.Message, "2 more photos required") {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if _, ok := body.Details["milestones"]; !ok {
		t.Fatalf("expected milestones detail, got %+v", body.Details)
	}
	if f.escrow.released.ActorID != requesterID {
		t.Fatalf("release should carry the caller, got %+v", f.escrow.released)
	}
}

func TestHandleRelease_Success(t *testing.T) {
	f := newFixture()
	released := f.escrow.hold
	released.Status = escrow.StatusReleased
	released.PayoutState = escrow.PayoutPaid
	f.escrow.releaseRes = escrow.SettlementResult{Hold: released, Settled: true}

	rec := f.do(http.MethodPost, "/api/escrows/"+holdID+"/release", "member:"+requesterID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp releaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Settled || resp.Escrow.Status != escrow.StatusReleased || resp.Escrow.Amount != "500.00" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid state", bid.ErrInvalidBidState, http.StatusConflict},
		{"not found", escrow.ErrNotFound, http.StatusNotFound},
		{"external", escrow.ErrCaptureFailed.Wrap(errors.New("declined")), http.StatusBadGateway},
		{"duplicate", dispute.ErrAlreadyOpen, http.StatusConflict},
		{"validation", escrow.ErrAmountMismatch, http.StatusBadRequest},
		{"unknown", errors.New("pool closed"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.escrow.err = tc.err
			rec := f.do(http.MethodPost, "/api/escrows", "member:"+requesterID, `{"bid_id":"b1","amount":"500"}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleGetEscrow_PartyOrArbiter(t *testing.T) {
	f := newFixture()

	if rec := f.do(http.MethodGet, "/api/escrows/"+holdID, "member:"+providerID, ""); rec.Code != http.StatusOK {
		t.Fatalf("provider: expected 200, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/escrows/"+holdID, "arbiter:"+arbiterID, ""); rec.Code != http.StatusOK {
		t.Fatalf("arbiter: expected 200, got %d", rec.Code)
	}
	rec := f.do(http.MethodGet, "/api/escrows/"+holdID, "member:33333333-3333-3333-3333-333333333333", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/escrows/"+holdID+"/milestones", "member:33333333-3333-3333-3333-333333333333", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger milestones: expected 403, got %d", rec.Code)
	}
}

func TestHandleListMilestones_IncludesEligibility(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/api/escrows/"+holdID+"/milestones", "member:"+requesterID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []milestoneResponse `json:"items"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Total != 1 || !payload.Items[0].Eligibility.Eligible {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleGPS_RequiresCoordinates(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/milestones/m1/gps", "member:"+providerID, `{"lat":40.7}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/milestones/m1/gps", "member:"+providerID, `{"lat":40.7,"lng":-74.0,"address":"1 Main St"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.milestones.gps.ActorID != providerID || f.milestones.gps.Lng != -74.0 {
		t.Fatalf("unexpected gps params: %+v", f.milestones.gps)
	}
}

func TestHandleResolveDispute_PassesArbiter(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/disputes/d1/resolve", "arbiter:"+arbiterID, `{"outcome":"split","refund_amount":"120.50","note":"partial"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	p := f.disputes.resolved
	if !p.Actor.Arbiter || p.Actor.ID != arbiterID || p.Outcome != escrow.OutcomeSplit {
		t.Fatalf("unexpected resolve params: %+v", p)
	}
	if p.RefundAmount == nil || !p.RefundAmount.Equal(decimal.RequireFromString("120.50")) {
		t.Fatalf("unexpected refund: %v", p.RefundAmount)
	}

	f.disputes.err = dispute.ErrIllegalTransition
	rec = f.do(http.MethodPatch, "/api/disputes/d1", "arbiter:"+arbiterID, `{"status":"open"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleDeclineBid_OptionalBody(t *testing.T) {
	f := newFixture()
	if rec := f.do(http.MethodPost, "/api/bids/b1/decline", "member:"+requesterID, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without body, got %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/bids/b1/decline", "member:"+requesterID, `{"reason":"over budget"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var b bid.Bid
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.DeclineReason == nil || *b.DeclineReason != "over budget" {
		t.Fatalf("unexpected bid: %+v", b)
	}
}

func TestInternalSweeps_OperatorOnly(t *testing.T) {
	f := newFixture()

	if rec := f.do(http.MethodPost, "/internal/sweeps", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: expected 401, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/internal/sweeps", "member:"+requesterID, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("member: expected 403, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/sweeps", nil)
	req.Header.Set("X-Operator-Key", "wrong")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/sweeps", nil)
	req.Header.Set("X-Operator-Key", "operator-key")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("operator key: expected 200, got %d", rec.Code)
	}
	var sum sweep.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Release.Succeeded != 2 || f.sweeps.calls != 1 {
		t.Fatalf("unexpected summary: %+v calls=%d", sum, f.sweeps.calls)
	}

	f.sweeps.err = errors.New("release: connection reset")
	if rec := f.do(http.MethodPost, "/internal/sweeps", "operator:"+arbiterID, ""); rec.Code != http.StatusMultiStatus {
		t.Fatalf("partial failure: expected 207, got %d", rec.Code)
	}
}

func TestInternalResetSettlement(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/internal/escrows/"+holdID+"/reset-settlement", "operator:"+arbiterID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.escrow.resetBy == nil || *f.escrow.resetBy != arbiterID {
		t.Fatalf("expected reset by operator, got %v", f.escrow.resetBy)
	}

	f.escrow.err = escrow.ErrSettlementNotFailed
	rec = f.do(http.MethodPost, "/internal/escrows/"+holdID+"/reset-settlement", "operator:"+arbiterID, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCreateOrder(t *testing.T) {
	f := newFixture()
	deadline := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	body := `{"title":"Fence repair","bidding_deadline":"` + deadline + `","milestone_plan":[{"title":"Install","require_photos":true,"min_photos":3}]}`
	rec := f.do(http.MethodPost, "/api/orders", "member:"+requesterID, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.orders.created.RequesterID != requesterID || len(f.orders.created.MilestonePlan) != 1 {
		t.Fatalf("unexpected create params: %+v", f.orders.created)
	}
	if f.orders.created.MilestonePlan[0].MinPhotos != 3 {
		t.Fatalf("unexpected plan: %+v", f.orders.created.MilestonePlan)
	}
}
