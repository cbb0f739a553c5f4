package auth

import (
	"context"
	"time"
)

// Role is the platform role carried in a bearer token. Requester and
// provider are per-order relationships checked against the resource itself,
// so ordinary users carry RoleMember.
type Role string

const (
	RoleMember   Role = "member"
	RoleArbiter  Role = "arbiter"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleArbiter, RoleOperator:
		return true
	default:
		return false
	}
}

// Identity is the verified caller of a request.
type Identity struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}

func (i Identity) IsArbiter() bool { return i.Role == RoleArbiter }

func (i Identity) IsOperator() bool { return i.Role == RoleOperator }

// TokenRequest describes a token to mint.
type TokenRequest struct {
	UserID string        `json:"user_id"`
	Role   Role          `json:"role"`
	TTL    time.Duration `json:"-"`
}

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}
