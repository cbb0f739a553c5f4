// Package actors drives the escrow services concurrently against a shared
// set of holds. Rejections the services are designed to return under
// contention are counted, anything else is surfaced.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/app"
	"escrowflow/bid"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/failure"
	"escrowflow/milestone"
	"escrowflow/workorder"
)

// Hold is one funded escrow the actors fight over.
type Hold struct {
	ID          string
	OrderID     string
	RequesterID string
	ProviderID  string
}

// Stats counts what the actors observed.
type Stats struct {
	Released   atomic.Int64
	Filed      atomic.Int64
	Resolved   atomic.Int64
	Cancelled  atomic.Int64
	Completed  atomic.Int64
	Rejected   atomic.Int64
	Transient  atomic.Int64
	Unexpected atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("released=%d filed=%d resolved=%d cancelled=%d completed=%d rejected=%d transient=%d unexpected=%d",
		s.Released.Load(), s.Filed.Load(), s.Resolved.Load(), s.Cancelled.Load(), s.Completed.Load(),
		s.Rejected.Load(), s.Transient.Load(), s.Unexpected.Load())
}

// observe classifies err. Domain rejections are expected under contention;
// processor and connection failures are transient while chaos runs.
func (s *Stats) observe(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	if fe, ok := failure.As(err); ok {
		if fe.Kind == failure.KindExternal {
			s.Transient.Add(1)
		} else {
			s.Rejected.Add(1)
		}
		return
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err), pgconn.SafeToRetry(err):
		s.Transient.Add(1)
	case errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")):
		s.Transient.Add(1)
	case strings.Contains(err.Error(), "conn closed"), strings.Contains(err.Error(), "unexpected EOF"):
		s.Transient.Add(1)
	default:
		s.Unexpected.Add(1)
	}
}

// Seed creates n work orders, each with one accepted and funded bid. The
// plan has a signature milestone and a plain one.
func Seed(ctx context.Context, a *app.App, n int) ([]Hold, error) {
	out := make([]Hold, 0, n)
	for i := 0; i < n; i++ {
		requester, provider := uuid.NewString(), uuid.NewString()
		order, err := a.Orders.Create(ctx, workorder.CreateParams{
			RequesterID: requester,
			Title:       fmt.Sprintf("stress order %d", i),
			MilestonePlan: []workorder.MilestoneSpec{
				{Title: "Sign-off", RequireSignature: true},
				{Title: "Handover"},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("seed order: %w", err)
		}
		sub, err := a.Bids.SubmitOrUpdate(ctx, bid.SubmitParams{
			OrderID:    order.ID,
			ProviderID: provider,
			Amount:     decimal.NewFromInt(int64(100 + rand.Intn(900))),
		})
		if err != nil {
			return nil, fmt.Errorf("seed bid: %w", err)
		}
		res, err := a.Bids.Accept(ctx, sub.Bid.ID, requester)
		if err != nil {
			return nil, fmt.Errorf("seed accept: %w", err)
		}
		if res.HoldID == "" {
			h, err := a.Ledger.FundAccepted(ctx, sub.Bid.ID)
			if err != nil {
				return nil, fmt.Errorf("seed fund: %w", err)
			}
			res.HoldID = h.ID
		}
		out = append(out, Hold{ID: res.HoldID, OrderID: order.ID, RequesterID: requester, ProviderID: provider})
	}
	return out, nil
}

func pick(holds []Hold) Hold { return holds[rand.Intn(len(holds))] }

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Completer records evidence and completes milestones.
func Completer(ctx context.Context, a *app.App, holds []Hold, st *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		h := pick(holds)
		ms, err := a.Gate.ListForHold(ctx, h.ID)
		st.observe(ctx, err)
		for _, m := range ms {
			if m.CompletedAt != nil {
				continue
			}
			if m.Requirements.Signature {
				_, err := a.Gate.RecordSignature(ctx, milestone.SignatureParams{
					MilestoneID: m.ID,
					ActorID:     h.RequesterID,
					Role:        milestone.RoleRequester,
					EvidenceRef: "sig_" + uuid.NewString(),
					SignerName:  "Requester",
				})
				st.observe(ctx, err)
			}
			res, err := a.Ledger.MarkMilestoneComplete(ctx, h.ID, m.ID, h.ProviderID)
			st.observe(ctx, err)
			if err == nil && res.Newly {
				st.Completed.Add(1)
			}
			break
		}
		jitter(5, 20)
	}
	return nil
}

// Releaser asks for release as the requester.
func Releaser(ctx context.Context, a *app.App, holds []Hold, st *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		h := pick(holds)
		res, err := a.Ledger.Release(ctx, escrow.ReleaseParams{HoldID: h.ID, ActorID: h.RequesterID})
		st.observe(ctx, err)
		if err == nil && res.Settled {
			st.Released.Add(1)
		}
		jitter(5, 25)
	}
	return nil
}

// Disputer files disputes and lets an arbiter resolve or close them.
func Disputer(ctx context.Context, a *app.App, holds []Hold, arbiterID string, st *Stats, stop <-chan struct{}) error {
	outcomes := []escrow.Outcome{escrow.OutcomeReleaseToProvider, escrow.OutcomeRefundToRequester, escrow.OutcomeSplit}
	arbiter := dispute.Actor{ID: arbiterID, Arbiter: true}
	for !stopped(ctx, stop) {
		h := pick(holds)
		rec, err := a.Arbiter.File(ctx, dispute.FileParams{
			HoldID:       h.ID,
			FilerID:      h.RequesterID,
			RespondentID: h.ProviderID,
			Type:         dispute.TypeQuality,
			Description:  "work not as agreed",
		})
		st.observe(ctx, err)
		if err != nil {
			jitter(10, 30)
			continue
		}
		st.Filed.Add(1)
		jitter(5, 20)

		next := dispute.StatusMediation
		if rand.Intn(2) == 0 {
			next = dispute.StatusEscalated
		}
		if !advance(ctx, a, st, rec.ID, arbiter, dispute.StatusUnderReview, next) {
			continue
		}
		if rand.Intn(4) == 0 {
			_, err := a.Arbiter.Advance(ctx, dispute.AdvanceParams{DisputeID: rec.ID, NewStatus: dispute.StatusCancelled, Actor: dispute.Actor{ID: h.RequesterID}})
			st.observe(ctx, err)
			if err == nil {
				st.Cancelled.Add(1)
			}
			continue
		}
		_, err = a.Arbiter.Resolve(ctx, dispute.ResolveParams{
			DisputeID: rec.ID,
			Outcome:   outcomes[rand.Intn(len(outcomes))],
			Actor:     arbiter,
			Note:      "stress resolution",
		})
		st.observe(ctx, err)
		if err == nil {
			st.Resolved.Add(1)
		}
		jitter(10, 40)
	}
	return nil
}

func advance(ctx context.Context, a *app.App, st *Stats, id string, actor dispute.Actor, path ...dispute.Status) bool {
	for _, to := range path {
		if _, err := a.Arbiter.Advance(ctx, dispute.AdvanceParams{DisputeID: id, NewStatus: to, Actor: actor}); err != nil {
			st.observe(ctx, err)
			return false
		}
	}
	return true
}

// Sweeper runs the scheduler pass on a short period.
func Sweeper(ctx context.Context, a *app.App, st *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		sum, err := a.Runner.Run(ctx)
		st.observe(ctx, err)
		st.Released.Add(int64(sum.Release.Succeeded))
		jitter(100, 100)
	}
	return nil
}
