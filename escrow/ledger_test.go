package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/db/dbtest"
	"escrowflow/failure"
	"escrowflow/gateway"
	"escrowflow/milestone"
	"escrowflow/outbox"
	"escrowflow/retry"
	"escrowflow/workorder"
)

const (
	requester = "11111111-1111-1111-1111-111111111111"
	provider  = "22222222-2222-2222-2222-222222222222"
	orderID   = "33333333-3333-3333-3333-333333333333"
	bidID     = "44444444-4444-4444-4444-444444444444"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	pool   *dbtest.FakePool
	store  *memStore
	orders *fakeOrders
	gate   *fakeGate
	proc   *gateway.SandboxProcessor
	ledger *Ledger
	now    time.Time
}

func newHarness(t *testing.T, plan ...workorder.MilestoneSpec) *harness {
	t.Helper()
	h := &harness{
		pool:   &dbtest.FakePool{},
		store:  newMemStore(),
		orders: &fakeOrders{order: workorder.WorkOrder{ID: orderID, RequesterID: requester, Status: workorder.StatusInProgress, MilestonePlan: plan}},
		gate:   newFakeGate(),
		proc:   gateway.NewSandboxProcessor(),
		now:    testNow,
	}
	h.store.bids[bidID] = FundingBid{
		BidID:       bidID,
		WorkOrderID: orderID,
		RequesterID: requester,
		ProviderID:  provider,
		Amount:      decimal.RequireFromString("500.00"),
		Status:      "accepted",
	}
	h.ledger = NewLedger(h.pool, h.store, h.orders, h.gate, h.proc, Config{
		PayoutRetry:  retry.Policy{Initial: time.Minute, Max: time.Hour, Multiplier: 2, MaxAttempts: 3},
		FundingRetry: retry.Policy{Initial: time.Minute, Max: time.Hour, Multiplier: 2, MaxAttempts: 2},
		ClaimLease:   5 * time.Minute,
	}).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) fund(t *testing.T) Hold {
	t.Helper()
	hold, err := h.ledger.Fund(context.Background(), FundParams{BidID: bidID, Amount: decimal.RequireFromString("500.00"), ActorID: requester})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return hold
}

func TestFundCreatesHeldEscrowWithPlan(t *testing.T) {
	h := newHarness(t, workorder.MilestoneSpec{Title: "Rough-in"}, workorder.MilestoneSpec{Title: "Finish", RequirePhotos: true, MinPhotos: 2})
	hold := h.fund(t)

	if hold.Status != StatusHeld {
		t.Fatalf("status = %s, want held", hold.Status)
	}
	if hold.CaptureRef == "" {
		t.Fatalf("expected capture ref")
	}
	if got := len(h.gate.milestones[hold.ID]); got != 2 {
		t.Fatalf("milestones = %d, want 2", got)
	}
	if len(h.proc.Captures) != 1 || h.proc.Captures[0].IdempotencyKey != "capture:"+bidID {
		t.Fatalf("captures = %+v", h.proc.Captures)
	}

	stmts := h.pool.Matching("INSERT INTO outbox")
	if len(stmts) != 2 {
		t.Fatalf("outbox writes = %d, want 2", len(stmts))
	}
	if got := h.pool.Matching("INSERT INTO timeline_events"); len(got) != 2 {
		t.Fatalf("timeline writes = %d, want 2", len(got))
	}

	again := h.fund(t)
	if again.ID != hold.ID {
		t.Fatalf("refund returned new hold %s", again.ID)
	}
	if len(h.proc.Captures) != 1 {
		t.Fatalf("second fund captured again")
	}
}

func TestFundRejectsMismatchAndUnaccepted(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Fund(context.Background(), FundParams{BidID: bidID, Amount: decimal.RequireFromString("499.99")})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want amount mismatch", err)
	}

	b := h.store.bids[bidID]
	b.Status = "pending"
	h.store.bids[bidID] = b
	_, err = h.ledger.Fund(context.Background(), FundParams{BidID: bidID, Amount: b.Amount})
	if !errors.Is(err, ErrBidNotAccepted) {
		t.Fatalf("err = %v, want bid not accepted", err)
	}
	if len(h.proc.Captures) != 0 {
		t.Fatalf("captured despite rejection")
	}
}

func TestFundCaptureFailureRecordsAttempt(t *testing.T) {
	h := newHarness(t)
	h.proc.FailNext(2)

	_, err := h.ledger.FundAccepted(context.Background(), bidID)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("err = %v, want capture failed", err)
	}
	if failure.KindOf(err) != failure.KindExternal {
		t.Fatalf("kind = %s", failure.KindOf(err))
	}
	fa := h.store.funding[bidID]
	if fa.Attempts != 1 || fa.State != FundingRetrying || fa.NextAttemptAt == nil {
		t.Fatalf("funding attempt = %+v", fa)
	}

	_, err = h.ledger.FundAccepted(context.Background(), bidID)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("second err = %v", err)
	}
	fa = h.store.funding[bidID]
	if fa.Attempts != 2 || fa.State != FundingFailed {
		t.Fatalf("funding attempt = %+v, want failed", fa)
	}
	alerts := 0
	for _, s := range h.pool.Committed() {
		if strings.Contains(s.SQL, "INSERT INTO outbox") && s.Args[0] == outbox.TopicFundingFailed {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("funding alerts = %d, want 1", alerts)
	}

	hold, err := h.ledger.FundAccepted(context.Background(), bidID)
	if err != nil {
		t.Fatalf("fund after recovery: %v", err)
	}
	if h.store.funding[bidID].State != FundingFunded || hold.Status != StatusHeld {
		t.Fatalf("hold = %+v funding = %+v", hold, h.store.funding[bidID])
	}
}

func TestReleaseBlockedUntilEvidenceComplete(t *testing.T) {
	h := newHarness(t, workorder.MilestoneSpec{Title: "Install", RequirePhotos: true, MinPhotos: 2})
	hold := h.fund(t)

	_, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID, ActorID: requester})
	if !errors.Is(err, ErrNotReleaseEligible) {
		t.Fatalf("err = %v, want not release eligible", err)
	}
	if !strings.Contains(err.Error(), "2 more photos required") {
		t.Fatalf("message does not name the shortfall: %v", err)
	}
	if h.proc.PayoutCount() != 0 {
		t.Fatalf("payout issued for ineligible hold")
	}

	h.gate.addPhotos(hold.ID, 0, "p1", "p2")
	res, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID, ActorID: requester})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Settled || res.Hold.Status != StatusReleased || res.Hold.PayoutState != PayoutPaid {
		t.Fatalf("result = %+v", res)
	}
	if !h.orders.closed {
		t.Fatalf("work order not closed")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)

	if _, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID})
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if !res.Noop {
		t.Fatalf("second release should be a no-op")
	}
	if n := h.proc.PayoutCount(); n != 1 {
		t.Fatalf("payouts = %d, want 1", n)
	}
	if p := h.proc.Payouts[0]; p.PayeeID != provider || !p.Amount.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("payout = %+v", p)
	}
}

func TestReleaseConcurrentCallersPayOnce(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID})
		}()
	}
	wg.Wait()

	if n := h.proc.PayoutCount(); n != 1 {
		t.Fatalf("payouts = %d, want 1", n)
	}
	if got := h.store.holds[hold.ID].Status; got != StatusReleased {
		t.Fatalf("status = %s", got)
	}
}

func TestReleaseRejectsNonRequester(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)
	_, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID, ActorID: provider})
	if failure.KindOf(err) != failure.KindAuthorization {
		t.Fatalf("err = %v, want authorization", err)
	}
}

func TestFreezeExcludesRelease(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)
	disputeID := uuid.NewString()

	frozen, err := h.ledger.Freeze(context.Background(), hold.ID, disputeID, provider)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if frozen.Status != StatusDisputed {
		t.Fatalf("status = %s", frozen.Status)
	}
	_, err = h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID})
	if !errors.Is(err, ErrNotReleaseEligible) {
		t.Fatalf("err = %v, want not release eligible", err)
	}
	if _, err := h.ledger.Freeze(context.Background(), hold.ID, uuid.NewString(), provider); !errors.Is(err, ErrInvalidEscrowState) {
		t.Fatalf("second freeze err = %v", err)
	}
}

func TestFreezeAfterReleaseFails(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)
	if _, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := h.ledger.Freeze(context.Background(), hold.ID, uuid.NewString(), provider)
	if !errors.Is(err, ErrInvalidEscrowState) {
		t.Fatalf("err = %v, want invalid escrow state", err)
	}
}

func TestUnfreezeOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		outcome   Outcome
		refund    *decimal.Decimal
		status    Status
		payouts   map[string]string
		wantError bool
	}{
		{name: "release", outcome: OutcomeReleaseToProvider, status: StatusHeld},
		{name: "refund", outcome: OutcomeRefundToRequester, status: StatusRefunded, payouts: map[string]string{requester: "500"}},
		{name: "split default", outcome: OutcomeSplit, status: StatusReleased, payouts: map[string]string{requester: "250", provider: "250"}},
		{name: "split custom", outcome: OutcomeSplit, refund: decPtr("120.50"), status: StatusReleased, payouts: map[string]string{requester: "120.5", provider: "379.5"}},
		{name: "split out of range", outcome: OutcomeSplit, refund: decPtr("500.00"), wantError: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			hold := h.fund(t)
			if _, err := h.ledger.Freeze(context.Background(), hold.ID, uuid.NewString(), requester); err != nil {
				t.Fatalf("freeze: %v", err)
			}
			res, err := h.ledger.Unfreeze(context.Background(), hold.ID, tc.outcome, tc.refund, "arbiter")
			if tc.wantError {
				if failure.KindOf(err) != failure.KindValidation {
					t.Fatalf("err = %v, want validation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unfreeze: %v", err)
			}
			if res.Hold.Status != tc.status {
				t.Fatalf("status = %s, want %s", res.Hold.Status, tc.status)
			}
			if len(h.proc.Payouts) != len(tc.payouts) {
				t.Fatalf("payouts = %+v", h.proc.Payouts)
			}
			for _, p := range h.proc.Payouts {
				want, ok := tc.payouts[p.PayeeID]
				if !ok || !p.Amount.Equal(decimal.RequireFromString(want)) {
					t.Fatalf("payout %+v, want %s", p, want)
				}
			}
		})
	}
}

func TestPayoutRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)
	h.proc.FailNext(10)

	_, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID})
	if !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("err = %v, want payout failed", err)
	}
	got := h.store.holds[hold.ID]
	if got.PayoutState != PayoutRetryPending || got.NextPayoutAt == nil || !got.NextPayoutAt.Equal(testNow.Add(time.Minute)) {
		t.Fatalf("hold after first failure = %+v", got)
	}

	res, err := h.ledger.Settle(context.Background(), hold.ID)
	if err != nil || !res.Noop {
		t.Fatalf("settle before due = %+v, %v", res, err)
	}

	h.now = h.now.Add(time.Minute)
	if _, err := h.ledger.Settle(context.Background(), hold.ID); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("second attempt err = %v", err)
	}
	if got := h.store.holds[hold.ID]; !got.NextPayoutAt.Equal(h.now.Add(2 * time.Minute)) {
		t.Fatalf("backoff not doubled: %v", got.NextPayoutAt)
	}

	h.now = h.now.Add(2 * time.Minute)
	if _, err := h.ledger.Settle(context.Background(), hold.ID); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("third attempt err = %v", err)
	}
	got = h.store.holds[hold.ID]
	if got.PayoutState != PayoutFailed || got.Status != StatusHeld {
		t.Fatalf("hold after exhaustion = %+v", got)
	}
	alerts := 0
	for _, s := range h.pool.Committed() {
		if strings.Contains(s.SQL, "INSERT INTO outbox") && s.Args[0] == outbox.TopicSettlementFailed {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("settlement alerts = %d, want 1", alerts)
	}

	if _, err := h.ledger.Release(context.Background(), ReleaseParams{HoldID: hold.ID}); !errors.Is(err, ErrInvalidEscrowState) {
		t.Fatalf("release on failed settlement err = %v", err)
	}

	h.proc.FailNext(0)
	if _, err := h.ledger.ResetFailedSettlement(context.Background(), hold.ID, "operator"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res, err = h.ledger.Settle(context.Background(), hold.ID)
	if err != nil || !res.Settled {
		t.Fatalf("settle after reset = %+v, %v", res, err)
	}
	if h.proc.PayoutCount() != 1 {
		t.Fatalf("payouts = %d", h.proc.PayoutCount())
	}
	if _, err := h.ledger.ResetFailedSettlement(context.Background(), hold.ID, "operator"); !errors.Is(err, ErrSettlementNotFailed) {
		t.Fatalf("reset on paid hold err = %v", err)
	}
}

func TestSettleReclaimsStaleClaim(t *testing.T) {
	h := newHarness(t)
	hold := h.fund(t)

	h.store.mu.Lock()
	stuck := h.store.holds[hold.ID]
	kind := SettleRelease
	claimed := testNow
	stuck.PayoutState = PayoutInFlight
	stuck.SettlementKind = &kind
	stuck.PayoutClaimedAt = &claimed
	stuck.PayoutAttempts = 1
	h.store.holds[hold.ID] = stuck
	h.store.mu.Unlock()

	if res, _ := h.ledger.Settle(context.Background(), hold.ID); !res.Noop {
		t.Fatalf("fresh claim should not be reclaimed")
	}
	h.now = h.now.Add(6 * time.Minute)
	res, err := h.ledger.Settle(context.Background(), hold.ID)
	if err != nil || !res.Settled {
		t.Fatalf("settle = %+v, %v", res, err)
	}
}

func TestPayoutFailureOnSupersededClaim(t *testing.T) {
	cases := map[string]func(h *Hold){
		"finalized": func(h *Hold) {
			h.PayoutState = PayoutPaid
			h.Status = StatusReleased
		},
		"reclaimed": func(h *Hold) {
			h.PayoutAttempts++
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			hold := h.fund(t)

			h.store.mu.Lock()
			claimed := h.store.holds[hold.ID]
			kind := SettleRelease
			at := testNow
			claimed.PayoutState = PayoutInFlight
			claimed.SettlementKind = &kind
			claimed.PayoutClaimedAt = &at
			claimed.PayoutAttempts = 3
			stale := claimed
			mutate(&claimed)
			h.store.holds[hold.ID] = claimed
			h.store.mu.Unlock()

			err := h.ledger.payoutFailed(context.Background(), stale, errors.New("processor unavailable"))
			if !errors.Is(err, ErrPayoutFailed) {
				t.Fatalf("err = %v", err)
			}
			if got := h.store.holds[hold.ID]; got.PayoutState != claimed.PayoutState || got.LastPayoutError != nil {
				t.Fatalf("hold changed by superseded claim: %+v", got)
			}
			for _, st := range h.pool.Committed() {
				if !strings.Contains(st.SQL, "INSERT INTO timeline_events") && !strings.Contains(st.SQL, "INSERT INTO outbox") {
					continue
				}
				for _, arg := range st.Args {
					switch arg {
					case "payout_failed", "settlement_failed", outbox.TopicSettlementFailed:
						t.Fatalf("unexpected %v written for superseded claim", arg)
					}
				}
			}
		})
	}
}

func TestMarkMilestoneCompleteCompletesOrder(t *testing.T) {
	h := newHarness(t, workorder.MilestoneSpec{Title: "One"}, workorder.MilestoneSpec{Title: "Two"})
	hold := h.fund(t)
	ms := h.gate.milestones[hold.ID]

	res, err := h.ledger.MarkMilestoneComplete(context.Background(), hold.ID, ms[0].ID, provider)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.Newly || res.AllComplete || h.orders.completed {
		t.Fatalf("first completion = %+v", res)
	}
	res, err = h.ledger.MarkMilestoneComplete(context.Background(), hold.ID, ms[1].ID, provider)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.AllComplete || !h.orders.completed {
		t.Fatalf("second completion = %+v", res)
	}
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// memStore mimics the conditional updates of Repository.
type memStore struct {
	mu      sync.Mutex
	holds   map[string]Hold
	bids    map[string]FundingBid
	funding map[string]FundingAttempt
}

func newMemStore() *memStore {
	return &memStore{holds: map[string]Hold{}, bids: map[string]FundingBid{}, funding: map[string]FundingAttempt{}}
}

func (m *memStore) GetByID(_ context.Context, _ db.Querier, id string) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return Hold{}, ErrNotFound
	}
	return h, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, q db.Querier, id string) (Hold, error) {
	return m.GetByID(ctx, q, id)
}

func (m *memStore) GetByBid(_ context.Context, _ db.Querier, bidID string) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.BidID == bidID {
			return h, nil
		}
	}
	return Hold{}, ErrNotFound
}

func (m *memStore) LoadFundingBid(_ context.Context, _ db.Querier, bidID string) (FundingBid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return FundingBid{}, ErrBidNotFound
	}
	return b, nil
}

func (m *memStore) Insert(_ context.Context, _ db.Querier, n NewHold) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.holds {
		if h.BidID == n.BidID {
			return Hold{}, errHoldExists
		}
	}
	h := Hold{
		ID:          uuid.NewString(),
		BidID:       n.BidID,
		WorkOrderID: n.WorkOrderID,
		RequesterID: n.RequesterID,
		ProviderID:  n.ProviderID,
		Amount:      n.Amount,
		Status:      StatusFunded,
		CaptureRef:  n.CaptureRef,
		PayoutState: PayoutNone,
		Version:     1,
		CreatedAt:   testNow,
	}
	m.holds[h.ID] = h
	return h, nil
}

// update applies fn under the lock when guard accepts the current row.
func (m *memStore) update(id string, guard func(Hold) bool, fn func(*Hold)) (Hold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok || !guard(h) {
		return Hold{}, false, nil
	}
	fn(&h)
	h.Version++
	m.holds[id] = h
	return h, true, nil
}

func (m *memStore) MarkHeld(_ context.Context, _ db.Querier, id string, at time.Time) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.Status == StatusFunded }, func(h *Hold) {
		h.Status = StatusHeld
		h.HeldAt = &at
	})
}

func (m *memStore) Freeze(_ context.Context, _ db.Querier, id, disputeID string) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.Status == StatusHeld && h.PayoutState == PayoutNone }, func(h *Hold) {
		h.Status = StatusDisputed
		h.DisputeID = &disputeID
	})
}

func (m *memStore) Unfreeze(_ context.Context, _ db.Querier, id string) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.Status == StatusDisputed && h.PayoutState == PayoutNone }, func(h *Hold) {
		h.Status = StatusHeld
	})
}

func (m *memStore) Claim(_ context.Context, _ db.Querier, id string, c Claim) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.Status == c.From && h.PayoutState == PayoutNone }, func(h *Hold) {
		kind := c.Kind
		h.PayoutState = PayoutInFlight
		h.SettlementKind = &kind
		h.SettlementRefund = c.Refund
		h.PayoutAttempts++
		at := c.At
		h.PayoutClaimedAt = &at
		h.NextPayoutAt = nil
	})
}

func (m *memStore) Reclaim(_ context.Context, _ db.Querier, id string, at, staleBefore time.Time) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool {
		if h.Status.Terminal() {
			return false
		}
		due := h.PayoutState == PayoutRetryPending && h.NextPayoutAt != nil && !h.NextPayoutAt.After(at)
		stale := h.PayoutState == PayoutInFlight && h.PayoutClaimedAt != nil && h.PayoutClaimedAt.Before(staleBefore)
		return due || stale
	}, func(h *Hold) {
		h.PayoutState = PayoutInFlight
		h.PayoutAttempts++
		h.PayoutClaimedAt = &at
		h.NextPayoutAt = nil
	})
}

func (m *memStore) Finalize(_ context.Context, _ db.Querier, id string, to Status, refs []string, at time.Time) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.PayoutState == PayoutInFlight && !h.Status.Terminal() }, func(h *Hold) {
		h.Status = to
		h.PayoutState = PayoutPaid
		h.PayoutRefs = refs
		if to == StatusReleased {
			h.ReleasedAt = &at
		} else {
			h.RefundedAt = &at
		}
	})
}

func (m *memStore) RecordPayoutFailure(_ context.Context, _ db.Querier, id string, attempt int, next *time.Time, exhausted bool, lastErr string) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.PayoutState == PayoutInFlight && h.PayoutAttempts == attempt }, func(h *Hold) {
		h.PayoutState = PayoutRetryPending
		if exhausted {
			h.PayoutState = PayoutFailed
		}
		h.NextPayoutAt = next
		h.LastPayoutError = &lastErr
	})
}

func (m *memStore) Rearm(_ context.Context, _ db.Querier, id string, at time.Time) (Hold, bool, error) {
	return m.update(id, func(h Hold) bool { return h.PayoutState == PayoutFailed }, func(h *Hold) {
		h.PayoutState = PayoutRetryPending
		h.PayoutAttempts = 0
		h.NextPayoutAt = &at
	})
}

func (m *memStore) ReleaseCandidates(context.Context, db.Querier, time.Time, int) ([]string, error) {
	return nil, nil
}

func (m *memStore) DueSettlements(context.Context, db.Querier, time.Time, time.Time, int) ([]string, error) {
	return nil, nil
}

func (m *memStore) UnfundedBids(context.Context, db.Querier, time.Time, time.Time, int) ([]UnfundedBid, error) {
	return nil, nil
}

func (m *memStore) RecordFundingFailure(_ context.Context, _ db.Querier, bidID, lastErr string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fa := m.funding[bidID]
	fa.BidID = bidID
	fa.Attempts++
	fa.State = FundingRetrying
	fa.LastError = &lastErr
	m.funding[bidID] = fa
	return fa.Attempts, nil
}

func (m *memStore) ScheduleFunding(_ context.Context, _ db.Querier, bidID string, state FundingState, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fa := m.funding[bidID]
	fa.State = state
	fa.NextAttemptAt = next
	m.funding[bidID] = fa
	return nil
}

func (m *memStore) MarkFunded(_ context.Context, _ db.Querier, bidID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fa, ok := m.funding[bidID]; ok {
		fa.State = FundingFunded
		fa.NextAttemptAt = nil
		m.funding[bidID] = fa
	}
	return nil
}

func (m *memStore) FundingAttempt(_ context.Context, _ db.Querier, bidID string) (FundingAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fa, ok := m.funding[bidID]
	if !ok {
		return FundingAttempt{BidID: bidID}, nil
	}
	return fa, nil
}

type fakeOrders struct {
	mu        sync.Mutex
	order     workorder.WorkOrder
	completed bool
	closed    bool
}

func (f *fakeOrders) Get(context.Context, db.Querier, string) (workorder.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order, nil
}

func (f *fakeOrders) MarkCompleted(context.Context, db.Querier, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

func (f *fakeOrders) Close(context.Context, db.Querier, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeGate keeps milestones in memory and evaluates them with the real
// eligibility rules.
type fakeGate struct {
	mu         sync.Mutex
	milestones map[string][]milestone.Milestone
}

func newFakeGate() *fakeGate {
	return &fakeGate{milestones: map[string][]milestone.Milestone{}}
}

func (g *fakeGate) CreatePlan(_ context.Context, _ db.Querier, holdID string, plan []workorder.MilestoneSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(plan) == 0 {
		plan = []workorder.MilestoneSpec{{Title: "Job completion"}}
	}
	for i, spec := range plan {
		g.milestones[holdID] = append(g.milestones[holdID], milestone.Milestone{
			ID:       uuid.NewString(),
			HoldID:   holdID,
			Position: i + 1,
			Title:    spec.Title,
			Requirements: milestone.Requirements{
				Signature:       spec.RequireSignature,
				SignaturePolicy: milestone.PolicyEither,
				Photos:          spec.RequirePhotos,
				MinPhotos:       spec.MinPhotos,
				GPS:             spec.RequireGPS,
			},
			RequesterID: requester,
			ProviderID:  provider,
		})
	}
	return nil
}

func (g *fakeGate) addPhotos(holdID string, idx int, refs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.milestones[holdID][idx]
	m.PhotoRefs = append(m.PhotoRefs, refs...)
	m.PhotoCount = len(m.PhotoRefs)
	g.milestones[holdID][idx] = m
}

func (g *fakeGate) EvaluateHold(_ context.Context, _ db.Querier, holdID string) (milestone.HoldEligibility, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return milestone.EvaluateAll(holdID, g.milestones[holdID]), nil
}

func (g *fakeGate) Complete(_ context.Context, _ db.Querier, holdID, milestoneID, actorID string) (milestone.CompleteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.milestones[holdID]
	var res milestone.CompleteResult
	found := false
	for i := range ms {
		if ms[i].ID != milestoneID {
			continue
		}
		found = true
		if e := milestone.Evaluate(ms[i]); !e.Eligible {
			return res, milestone.ErrMilestoneIncomplete
		}
		if ms[i].CompletedAt == nil {
			at := testNow
			ms[i].CompletedAt = &at
			ms[i].CompletedBy = &actorID
			res.Newly = true
		}
		res.Milestone = ms[i]
	}
	if !found {
		return res, milestone.ErrNotFound
	}
	res.AllComplete = true
	for _, m := range ms {
		if m.CompletedAt == nil {
			res.AllComplete = false
		}
	}
	return res, nil
}
