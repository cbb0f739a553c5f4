package milestone

import (
	"time"

	"escrowflow/failure"
)

// Role identifies which party an evidence channel belongs to.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

func (r Role) Valid() bool { return r == RoleRequester || r == RoleProvider }

// SignaturePolicy decides how many parties must sign.
type SignaturePolicy string

const (
	PolicyEither SignaturePolicy = "either"
	PolicyBoth   SignaturePolicy = "both"
)

func (p SignaturePolicy) Valid() bool { return p == PolicyEither || p == PolicyBoth }

// Requirements is the set of verification flags configured for a milestone.
type Requirements struct {
	Signature       bool
	SignaturePolicy SignaturePolicy
	Photos          bool
	MinPhotos       int
	GPS             bool
}

// Signature is one party's sign-off. Once set it is never overwritten.
type Signature struct {
	Ref        string
	SignerName string
	SignedBy   string
	SignedAt   time.Time
}

// GPSFix is the latest recorded location.
type GPSFix struct {
	Lat        float64
	Lng        float64
	Address    *string
	RecordedBy string
	RecordedAt time.Time
}

// Milestone is a verifiable unit of work on an escrow hold. RequesterID,
// ProviderID and HoldStatus are read from the owning hold.
type Milestone struct {
	ID           string
	HoldID       string
	Position     int
	Title        string
	Requirements Requirements

	RequesterSignature *Signature
	ProviderSignature  *Signature
	PhotoRefs          []string
	PhotoCount         int
	GPS                *GPSFix

	CompletedAt *time.Time
	CompletedBy *string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	RequesterID string
	ProviderID  string
	HoldStatus  string
}

// PartyFor returns the user id that owns role's evidence channel.
func (m Milestone) PartyFor(role Role) string {
	switch role {
	case RoleRequester:
		return m.RequesterID
	case RoleProvider:
		return m.ProviderID
	}
	return ""
}

// IsParty reports whether userID is the requester or provider.
func (m Milestone) IsParty(userID string) bool {
	return userID != "" && (userID == m.RequesterID || userID == m.ProviderID)
}

// Locked reports whether the hold is settled and evidence is frozen.
func (m Milestone) Locked() bool {
	return m.HoldStatus == "released" || m.HoldStatus == "refunded"
}

// SignatureParams records a party's signature.
type SignatureParams struct {
	MilestoneID string
	ActorID     string
	Role        Role
	EvidenceRef string
	SignerName  string
}

// PhotoParams records a photo reference.
type PhotoParams struct {
	MilestoneID string
	ActorID     string
	EvidenceRef string
}

// GPSParams records a location fix.
type GPSParams struct {
	MilestoneID string
	ActorID     string
	Lat         float64
	Lng         float64
	Address     *string
}

// Evidence is the resolved, viewable evidence for a milestone.
type Evidence struct {
	MilestoneID string
	Signatures  map[Role]string
	Photos      []string
}

var (
	ErrNotFound             = failure.New(failure.KindNotFound, "milestone_not_found", "milestone: not found")
	ErrSignatureNotRequired = failure.New(failure.KindPrecondition, "signature_not_required", "milestone: signature is not required for this milestone")
	ErrPhotosNotRequired    = failure.New(failure.KindPrecondition, "photos_not_required", "milestone: photos are not required for this milestone")
	ErrGPSNotRequired       = failure.New(failure.KindPrecondition, "gps_not_required", "milestone: GPS is not required for this milestone")
	ErrMilestoneIncomplete  = failure.New(failure.KindPrecondition, "milestone_incomplete", "milestone: requirements not met")
	ErrEvidenceLocked       = failure.New(failure.KindInvalidState, "evidence_locked", "milestone: escrow is settled, evidence is locked")
)
