// Package gateway declares the external collaborators the escrow core talks
// to. Production implementations live outside this module; the sandbox
// implementations here back local runs and tests.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrDeclined is returned by processors for a definitive rejection.
var ErrDeclined = errors.New("gateway: payment declined")

// CaptureRequest moves funds from the requester into escrow.
type CaptureRequest struct {
	IdempotencyKey string
	PayerID        string
	Amount         decimal.Decimal
	Reference      string
}

// PayoutRequest moves escrowed funds to a payee.
type PayoutRequest struct {
	IdempotencyKey string
	PayeeID        string
	Amount         decimal.Decimal
	Reference      string
}

// PaymentProcessor is the money-movement boundary. Repeating a call with
// the same idempotency key must not move money twice and must return the
// original reference.
type PaymentProcessor interface {
	Capture(ctx context.Context, req CaptureRequest) (string, error)
	Payout(ctx context.Context, req PayoutRequest) (string, error)
}

// EvidenceStore holds uploaded evidence. The core stores only opaque refs
// and resolves them for display.
type EvidenceStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
}

// Notifier delivers user-facing notifications. Only the outbox dispatcher
// calls it.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]any) error
}
