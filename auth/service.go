package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or forged token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidOperatorKey signals a wrong operator key.
	ErrInvalidOperatorKey = errors.New("auth: invalid operator key")
	// ErrWeakKey signals an operator key below the minimum length.
	ErrWeakKey = errors.New("auth: operator key must be at least 16 characters")
)

const defaultTTL = 24 * time.Hour

// Service issues and verifies bearer tokens and checks the operator key
// guarding the scheduler trigger. Identity management itself lives outside
// this system; tokens only carry who the caller is.
type Service struct {
	jwtSecret       []byte
	operatorKeyHash []byte
	issuer          string
	now             func() time.Time
}

// NewService creates a new authentication service.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		issuer:    "escrowflow",
		now:       time.Now,
	}
}

// WithOperatorKeyHash sets the bcrypt hash CheckOperatorKey compares against.
func (s *Service) WithOperatorKeyHash(hash string) *Service {
	s.operatorKeyHash = []byte(strings.TrimSpace(hash))
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// IssueToken signs an HS256 token for the caller.
func (s *Service) IssueToken(req TokenRequest) (string, error) {
	if _, err := uuid.Parse(req.UserID); err != nil {
		return "", fmt.Errorf("auth: user_id must be a uuid: %w", err)
	}
	if req.Role == "" {
		req.Role = RoleMember
	}
	if !req.Role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", req.Role)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := s.now()
	claims := jwt.MapClaims{
		"user_id": req.UserID,
		"role":    string(req.Role),
		"iss":     s.issuer,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a JWT token and returns the caller identity.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}

	id := Identity{UserID: userID, Role: role}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// HashOperatorKey returns the bcrypt hash to store in configuration.
func HashOperatorKey(key string) (string, error) {
	if len(key) < 16 {
		return "", ErrWeakKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash operator key: %w", err)
	}
	return string(hash), nil
}

// CheckOperatorKey compares key against the configured hash. With no hash
// configured every key is rejected.
func (s *Service) CheckOperatorKey(key string) error {
	if len(s.operatorKeyHash) == 0 || key == "" {
		return ErrInvalidOperatorKey
	}
	if err := bcrypt.CompareHashAndPassword(s.operatorKeyHash, []byte(key)); err != nil {
		return ErrInvalidOperatorKey
	}
	return nil
}
