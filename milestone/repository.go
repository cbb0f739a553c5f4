package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
)

// NewMilestone is a planned milestone to insert.
type NewMilestone struct {
	Position     int
	Title        string
	Requirements Requirements
}

// Repository stores milestones and their evidence channels. Each channel is
// a separate column group written by a single conditional statement.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

const selectMilestone = `
SELECT m.id::text, m.escrow_hold_id::text, m.position, m.title,
       m.require_signature, m.signature_policy::text, m.require_photos, m.min_photos, m.require_gps,
       m.requester_signature_ref, m.requester_signer_name, m.requester_signed_by::text, m.requester_signed_at,
       m.provider_signature_ref, m.provider_signer_name, m.provider_signed_by::text, m.provider_signed_at,
       m.photo_refs, m.photo_count,
       m.gps_lat, m.gps_lng, m.gps_address, m.gps_recorded_by::text, m.gps_recorded_at,
       m.completed_at, m.completed_by::text, m.created_at, m.updated_at,
       h.requester_id::text, h.provider_id::text, h.status::text
FROM milestones m
JOIN escrow_holds h ON h.id = m.escrow_hold_id
`

func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Milestone, error) {
	m, err := scanMilestone(q.QueryRow(ctx, selectMilestone+`WHERE m.id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Milestone{}, ErrNotFound
	}
	return m, err
}

func (r *Repository) ListForHold(ctx context.Context, q db.Querier, holdID string) ([]Milestone, error) {
	rows, err := q.Query(ctx, selectMilestone+`WHERE m.escrow_hold_id = $1::uuid ORDER BY m.position`, holdID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 4)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Insert(ctx context.Context, q db.Querier, holdID string, plan []NewMilestone) error {
	const stmt = `
INSERT INTO milestones (escrow_hold_id, position, title, require_signature, signature_policy,
                        require_photos, min_photos, require_gps)
VALUES ($1::uuid, $2, $3, $4, $5::signature_policy, $6, $7, $8)
`
	for _, m := range plan {
		_, err := q.Exec(ctx, stmt, holdID, m.Position, m.Title,
			m.Requirements.Signature, string(m.Requirements.SignaturePolicy),
			m.Requirements.Photos, m.Requirements.MinPhotos, m.Requirements.GPS)
		if err != nil {
			return fmt.Errorf("milestone: insert %d: %w", m.Position, err)
		}
	}
	return nil
}

const unsettledHold = `
AND EXISTS (
    SELECT 1 FROM escrow_holds h
    WHERE h.id = milestones.escrow_hold_id AND h.status NOT IN ('released', 'refunded')
)`

// SetSignature writes role's signature only if that role has not signed.
// It reports false when the role had already signed.
func (r *Repository) SetSignature(ctx context.Context, q db.Querier, id string, role Role, sig Signature) (bool, error) {
	var stmt string
	switch role {
	case RoleRequester:
		stmt = `
UPDATE milestones
SET requester_signature_ref = $2, requester_signer_name = $3,
    requester_signed_by = $4::uuid, requester_signed_at = $5
WHERE id = $1::uuid AND requester_signature_ref IS NULL` + unsettledHold
	case RoleProvider:
		stmt = `
UPDATE milestones
SET provider_signature_ref = $2, provider_signer_name = $3,
    provider_signed_by = $4::uuid, provider_signed_at = $5
WHERE id = $1::uuid AND provider_signature_ref IS NULL` + unsettledHold
	default:
		return false, fmt.Errorf("milestone: unknown role %q", role)
	}
	tag, err := q.Exec(ctx, stmt, id, sig.Ref, sig.SignerName, sig.SignedBy, sig.SignedAt)
	if err != nil {
		return false, fmt.Errorf("milestone: set signature: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddPhoto appends ref unless it is already recorded.
func (r *Repository) AddPhoto(ctx context.Context, q db.Querier, id, ref string) (bool, error) {
	const stmt = `
UPDATE milestones
SET photo_refs = array_append(photo_refs, $2), photo_count = photo_count + 1
WHERE id = $1::uuid AND NOT ($2 = ANY(photo_refs))` + unsettledHold
	tag, err := q.Exec(ctx, stmt, id, ref)
	if err != nil {
		return false, fmt.Errorf("milestone: add photo: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetGPS replaces the location fix.
func (r *Repository) SetGPS(ctx context.Context, q db.Querier, id string, fix GPSFix) error {
	const stmt = `
UPDATE milestones
SET gps_lat = $2, gps_lng = $3, gps_address = $4, gps_recorded_by = $5::uuid, gps_recorded_at = $6
WHERE id = $1::uuid` + unsettledHold
	tag, err := q.Exec(ctx, stmt, id, fix.Lat, fix.Lng, fix.Address, fix.RecordedBy, fix.RecordedAt)
	if err != nil {
		return fmt.Errorf("milestone: set gps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEvidenceLocked
	}
	return nil
}

// MarkComplete stamps the milestone once; later calls keep the first stamp.
func (r *Repository) MarkComplete(ctx context.Context, q db.Querier, id, actorID string, at time.Time) (bool, error) {
	const stmt = `
UPDATE milestones
SET completed_at = $2, completed_by = $3::uuid
WHERE id = $1::uuid AND completed_at IS NULL`
	tag, err := q.Exec(ctx, stmt, id, at, actorID)
	if err != nil {
		return false, fmt.Errorf("milestone: mark complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		m                                  Milestone
		policy                             string
		rRef, rName, rBy, pRef, pName, pBy *string
		rAt, pAt, gpsAt                    *time.Time
		lat, lng                           *float64
		gpsAddr, gpsBy                     *string
	)
	err := row.Scan(&m.ID, &m.HoldID, &m.Position, &m.Title,
		&m.Requirements.Signature, &policy, &m.Requirements.Photos, &m.Requirements.MinPhotos, &m.Requirements.GPS,
		&rRef, &rName, &rBy, &rAt,
		&pRef, &pName, &pBy, &pAt,
		&m.PhotoRefs, &m.PhotoCount,
		&lat, &lng, &gpsAddr, &gpsBy, &gpsAt,
		&m.CompletedAt, &m.CompletedBy, &m.CreatedAt, &m.UpdatedAt,
		&m.RequesterID, &m.ProviderID, &m.HoldStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, err
		}
		return Milestone{}, fmt.Errorf("milestone: scan: %w", err)
	}
	m.Requirements.SignaturePolicy = SignaturePolicy(policy)
	m.RequesterSignature = signatureFrom(rRef, rName, rBy, rAt)
	m.ProviderSignature = signatureFrom(pRef, pName, pBy, pAt)
	if lat != nil && lng != nil {
		m.GPS = &GPSFix{Lat: *lat, Lng: *lng, Address: gpsAddr}
		if gpsBy != nil {
			m.GPS.RecordedBy = *gpsBy
		}
		if gpsAt != nil {
			m.GPS.RecordedAt = *gpsAt
		}
	}
	return m, nil
}

func signatureFrom(ref, name, by *string, at *time.Time) *Signature {
	if ref == nil {
		return nil
	}
	s := &Signature{Ref: *ref}
	if name != nil {
		s.SignerName = *name
	}
	if by != nil {
		s.SignedBy = *by
	}
	if at != nil {
		s.SignedAt = *at
	}
	return s
}
