package milestone

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"escrowflow/db"
	"escrowflow/failure"
	"escrowflow/gateway"
	"escrowflow/workorder"
)

// Store is the persistence surface the gate needs.
type Store interface {
	Get(ctx context.Context, q db.Querier, id string) (Milestone, error)
	ListForHold(ctx context.Context, q db.Querier, holdID string) ([]Milestone, error)
	Insert(ctx context.Context, q db.Querier, holdID string, plan []NewMilestone) error
	SetSignature(ctx context.Context, q db.Querier, id string, role Role, sig Signature) (bool, error)
	AddPhoto(ctx context.Context, q db.Querier, id, ref string) (bool, error)
	SetGPS(ctx context.Context, q db.Querier, id string, fix GPSFix) error
	MarkComplete(ctx context.Context, q db.Querier, id, actorID string, at time.Time) (bool, error)
}

// Gate records verification evidence and decides release eligibility.
type Gate struct {
	pool          db.Pool
	store         Store
	evidence      gateway.EvidenceStore
	defaultPolicy SignaturePolicy
	logger        *slog.Logger
	now           func() time.Time
}

func NewGate(pool db.Pool, store Store) *Gate {
	return &Gate{
		pool:          pool,
		store:         store,
		defaultPolicy: PolicyEither,
		logger:        slog.Default(),
		now:           time.Now,
	}
}

func (g *Gate) WithEvidenceStore(es gateway.EvidenceStore) *Gate {
	g.evidence = es
	return g
}

// WithDefaultPolicy sets the signature policy used for planned milestones
// that do not name one.
func (g *Gate) WithDefaultPolicy(p SignaturePolicy) *Gate {
	if p.Valid() {
		g.defaultPolicy = p
	}
	return g
}

func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.now = now
	}
	return g
}

// CreatePlan instantiates a work order's milestone plan on a freshly funded
// hold. An empty plan yields one unconstrained milestone.
func (g *Gate) CreatePlan(ctx context.Context, q db.Querier, holdID string, plan []workorder.MilestoneSpec) error {
	if len(plan) == 0 {
		plan = []workorder.MilestoneSpec{{Title: "Job completion"}}
	}
	out := make([]NewMilestone, 0, len(plan))
	for i, spec := range plan {
		policy := SignaturePolicy(spec.SignaturePolicy)
		if !policy.Valid() {
			policy = g.defaultPolicy
		}
		out = append(out, NewMilestone{
			Position: i + 1,
			Title:    spec.Title,
			Requirements: Requirements{
				Signature:       spec.RequireSignature,
				SignaturePolicy: policy,
				Photos:          spec.RequirePhotos,
				MinPhotos:       spec.MinPhotos,
				GPS:             spec.RequireGPS,
			},
		})
	}
	return g.store.Insert(ctx, q, holdID, out)
}

func (g *Gate) load(ctx context.Context, id string) (Milestone, error) {
	if strings.TrimSpace(id) == "" {
		return Milestone{}, failure.ErrInvalid.WithMessage("milestone: id is required")
	}
	m, err := g.store.Get(ctx, g.pool, id)
	if err != nil {
		return Milestone{}, err
	}
	if m.Locked() {
		return Milestone{}, ErrEvidenceLocked.WithDetail("hold_status", m.HoldStatus)
	}
	return m, nil
}

// RecordSignature stores role's signature. The first signature per role wins;
// signing again is a no-op that returns the current milestone.
func (g *Gate) RecordSignature(ctx context.Context, p SignatureParams) (Milestone, error) {
	if !p.Role.Valid() {
		return Milestone{}, failure.ErrInvalid.WithMessage("milestone: unknown signer role %q", p.Role)
	}
	if strings.TrimSpace(p.EvidenceRef) == "" {
		return Milestone{}, failure.ErrInvalid.WithMessage("milestone: signature evidence ref is required")
	}
	m, err := g.load(ctx, p.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if !m.Requirements.Signature {
		return Milestone{}, ErrSignatureNotRequired.WithDetail("milestone_id", m.ID)
	}
	if m.PartyFor(p.Role) != p.ActorID {
		return Milestone{}, failure.ErrForbidden.WithMessage("milestone: only the %s may sign as %s", p.Role, p.Role)
	}

	sig := Signature{Ref: p.EvidenceRef, SignerName: p.SignerName, SignedBy: p.ActorID, SignedAt: g.now().UTC()}
	applied, err := g.store.SetSignature(ctx, g.pool, m.ID, p.Role, sig)
	if err != nil {
		return Milestone{}, err
	}
	if applied {
		g.logger.InfoContext(ctx, "milestone signed", "milestone_id", m.ID, "hold_id", m.HoldID, "role", p.Role)
	}
	return g.store.Get(ctx, g.pool, m.ID)
}

// RecordPhoto appends a photo reference. Duplicate refs are ignored.
func (g *Gate) RecordPhoto(ctx context.Context, p PhotoParams) (Milestone, error) {
	if strings.TrimSpace(p.EvidenceRef) == "" {
		return Milestone{}, failure.ErrInvalid.WithMessage("milestone: photo evidence ref is required")
	}
	m, err := g.load(ctx, p.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if !m.Requirements.Photos {
		return Milestone{}, ErrPhotosNotRequired.WithDetail("milestone_id", m.ID)
	}
	if !m.IsParty(p.ActorID) {
		return Milestone{}, failure.ErrForbidden.WithMessage("milestone: only the requester or provider may add photos")
	}
	applied, err := g.store.AddPhoto(ctx, g.pool, m.ID, p.EvidenceRef)
	if err != nil {
		return Milestone{}, err
	}
	if applied {
		g.logger.InfoContext(ctx, "milestone photo recorded", "milestone_id", m.ID, "hold_id", m.HoldID)
	}
	return g.store.Get(ctx, g.pool, m.ID)
}

// RecordGPS replaces the milestone's location fix.
func (g *Gate) RecordGPS(ctx context.Context, p GPSParams) (Milestone, error) {
	if err := validateCoordinates(p.Lat, p.Lng); err != nil {
		return Milestone{}, err
	}
	m, err := g.load(ctx, p.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if !m.Requirements.GPS {
		return Milestone{}, ErrGPSNotRequired.WithDetail("milestone_id", m.ID)
	}
	if !m.IsParty(p.ActorID) {
		return Milestone{}, failure.ErrForbidden.WithMessage("milestone: only the requester or provider may record a location")
	}
	fix := GPSFix{Lat: p.Lat, Lng: p.Lng, Address: p.Address, RecordedBy: p.ActorID, RecordedAt: g.now().UTC()}
	if err := g.store.SetGPS(ctx, g.pool, m.ID, fix); err != nil {
		return Milestone{}, err
	}
	return g.store.Get(ctx, g.pool, m.ID)
}

func validateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return failure.ErrInvalid.WithMessage("milestone: coordinates out of range").
			WithDetail("lat", lat).WithDetail("lng", lng)
	}
	return nil
}

// IsReleaseEligible reports whether every required evidence channel of the
// milestone is satisfied.
func (g *Gate) IsReleaseEligible(ctx context.Context, milestoneID string) (bool, error) {
	e, err := g.Eligibility(ctx, milestoneID)
	if err != nil {
		return false, err
	}
	return e.Eligible, nil
}

// Eligibility evaluates one milestone.
func (g *Gate) Eligibility(ctx context.Context, milestoneID string) (Eligibility, error) {
	m, err := g.store.Get(ctx, g.pool, milestoneID)
	if err != nil {
		return Eligibility{}, err
	}
	return Evaluate(m), nil
}

// EvaluateHold evaluates every milestone on a hold.
func (g *Gate) EvaluateHold(ctx context.Context, q db.Querier, holdID string) (HoldEligibility, error) {
	if q == nil {
		q = g.pool
	}
	ms, err := g.store.ListForHold(ctx, q, holdID)
	if err != nil {
		return HoldEligibility{}, err
	}
	return EvaluateAll(holdID, ms), nil
}

// ListForHold returns the hold's milestones in position order.
func (g *Gate) ListForHold(ctx context.Context, holdID string) ([]Milestone, error) {
	return g.store.ListForHold(ctx, g.pool, holdID)
}

// CompleteResult reports the effect of Complete.
type CompleteResult struct {
	Milestone   Milestone
	Newly       bool
	AllComplete bool
}

// Complete marks a milestone complete inside the caller's transaction after
// verifying its evidence. It fails with ErrMilestoneIncomplete listing each
// unmet requirement.
func (g *Gate) Complete(ctx context.Context, q db.Querier, holdID, milestoneID, actorID string) (CompleteResult, error) {
	m, err := g.store.Get(ctx, q, milestoneID)
	if err != nil {
		return CompleteResult{}, err
	}
	if m.HoldID != holdID {
		return CompleteResult{}, ErrNotFound.WithMessage("milestone: %s does not belong to hold %s", milestoneID, holdID)
	}
	if !m.IsParty(actorID) {
		return CompleteResult{}, failure.ErrForbidden.WithMessage("milestone: only the requester or provider may complete a milestone")
	}
	if e := Evaluate(m); !e.Eligible {
		msgs := make([]string, 0, len(e.Missing))
		for _, s := range e.Missing {
			msgs = append(msgs, s.Message)
		}
		return CompleteResult{}, ErrMilestoneIncomplete.
			WithMessage("milestone: %q is incomplete: %s", m.Title, strings.Join(msgs, "; ")).
			WithDetail("milestone_id", m.ID).
			WithDetail("missing", e.Missing)
	}

	at := g.now().UTC()
	newly, err := g.store.MarkComplete(ctx, q, m.ID, actorID, at)
	if err != nil {
		return CompleteResult{}, err
	}
	if newly {
		m.CompletedAt = &at
		m.CompletedBy = &actorID
	}

	all, err := g.store.ListForHold(ctx, q, holdID)
	if err != nil {
		return CompleteResult{}, err
	}
	allDone := len(all) > 0
	for _, other := range all {
		if other.ID != m.ID && other.CompletedAt == nil {
			allDone = false
			break
		}
	}
	return CompleteResult{Milestone: m, Newly: newly, AllComplete: allDone}, nil
}

// EvidenceLinks resolves the milestone's stored evidence refs to viewable
// URLs for one of the parties.
func (g *Gate) EvidenceLinks(ctx context.Context, milestoneID, actorID string) (Evidence, error) {
	if g.evidence == nil {
		return Evidence{}, failure.ErrExternal.WithMessage("milestone: evidence store not configured")
	}
	m, err := g.store.Get(ctx, g.pool, milestoneID)
	if err != nil {
		return Evidence{}, err
	}
	if !m.IsParty(actorID) {
		return Evidence{}, failure.ErrForbidden.WithMessage("milestone: only the requester or provider may view evidence")
	}

	out := Evidence{MilestoneID: m.ID, Signatures: map[Role]string{}}
	resolve := func(ref string) (string, error) {
		u, err := g.evidence.Resolve(ctx, ref)
		if err != nil {
			return "", failure.ErrExternal.WithMessage("milestone: resolve evidence %s", ref).Wrap(err)
		}
		return u, nil
	}
	for role, sig := range map[Role]*Signature{RoleRequester: m.RequesterSignature, RoleProvider: m.ProviderSignature} {
		if sig == nil {
			continue
		}
		u, err := resolve(sig.Ref)
		if err != nil {
			return Evidence{}, err
		}
		out.Signatures[role] = u
	}
	for _, ref := range m.PhotoRefs {
		u, err := resolve(ref)
		if err != nil {
			return Evidence{}, err
		}
		out.Photos = append(out.Photos, u)
	}
	return out, nil
}
