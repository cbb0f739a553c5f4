package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const aliceID = "8f14e45f-ceea-467a-9c3b-6a0d7a2b4f10"

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService("test-secret")

	token, err := svc.IssueToken(TokenRequest{UserID: aliceID})
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("issue: expected token, got empty string")
	}

	id, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if id.UserID != aliceID {
		t.Fatalf("verify token: expected %q got %q", aliceID, id.UserID)
	}
	if id.Role != RoleMember {
		t.Fatalf("verify token: expected default role %s got %s", RoleMember, id.Role)
	}
	if id.IsArbiter() || id.IsOperator() {
		t.Fatalf("member should carry no platform privileges: %+v", id)
	}
}

func TestService_IssueValidation(t *testing.T) {
	svc := NewService("test-secret")

	if _, err := svc.IssueToken(TokenRequest{UserID: "alice"}); err == nil {
		t.Fatal("expected error for non-uuid user id")
	}
	if _, err := svc.IssueToken(TokenRequest{UserID: aliceID, Role: "broker_admin"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_VerifyRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService("test-secret").WithClock(func() time.Time { return now })

	expired, err := svc.IssueToken(TokenRequest{UserID: aliceID, Role: RoleArbiter, TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	later := NewService("test-secret").WithClock(func() time.Time { return now.Add(time.Hour) })
	if _, err := later.VerifyToken(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	other := NewService("other-secret").WithClock(func() time.Time { return now })
	forged, err := other.IssueToken(TokenRequest{UserID: aliceID, Role: RoleOperator})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyToken(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for forged token, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": aliceID, "role": "operator", "iss": "escrowflow", "exp": now.Add(time.Hour).Unix(),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := svc.VerifyToken(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg=none, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestOperatorKey(t *testing.T) {
	if _, err := HashOperatorKey("short"); !errors.Is(err, ErrWeakKey) {
		t.Fatalf("expected ErrWeakKey, got %v", err)
	}

	key := "sweep-operator-key-0001"
	hash, err := HashOperatorKey(key)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}

	svc := NewService("test-secret").WithOperatorKeyHash(hash)
	if err := svc.CheckOperatorKey(key); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := svc.CheckOperatorKey("sweep-operator-key-0002"); !errors.Is(err, ErrInvalidOperatorKey) {
		t.Fatalf("expected ErrInvalidOperatorKey, got %v", err)
	}

	unset := NewService("test-secret")
	if err := unset.CheckOperatorKey(key); !errors.Is(err, ErrInvalidOperatorKey) {
		t.Fatalf("expected rejection without configured hash, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromContext(ctx); ok {
		t.Fatal("expected no identity on empty context")
	}
	ctx = WithIdentity(ctx, Identity{UserID: aliceID, Role: RoleArbiter})
	id, ok := FromContext(ctx)
	if !ok || !id.IsArbiter() {
		t.Fatalf("unexpected identity: %+v ok=%v", id, ok)
	}
}
