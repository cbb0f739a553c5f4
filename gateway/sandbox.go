package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SandboxProcessor is an in-memory PaymentProcessor honouring idempotency
// keys. FailNext forces the next n calls to fail, which is how local runs
// exercise the retry paths.
type SandboxProcessor struct {
	mu       sync.Mutex
	refs     map[string]string
	failNext int
	Captures []CaptureRequest
	Payouts  []PayoutRequest
}

func NewSandboxProcessor() *SandboxProcessor {
	return &SandboxProcessor{refs: make(map[string]string)}
}

// FailNext makes the next n calls return an error.
func (p *SandboxProcessor) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *SandboxProcessor) Capture(_ context.Context, req CaptureRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	if p.failNext > 0 {
		p.failNext--
		return "", fmt.Errorf("sandbox: capture %s: processor unavailable", req.IdempotencyKey)
	}
	ref := "cap_" + uuid.NewString()
	p.refs[req.IdempotencyKey] = ref
	p.Captures = append(p.Captures, req)
	return ref, nil
}

func (p *SandboxProcessor) Payout(_ context.Context, req PayoutRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	if p.failNext > 0 {
		p.failNext--
		return "", fmt.Errorf("sandbox: payout %s: processor unavailable", req.IdempotencyKey)
	}
	ref := "po_" + uuid.NewString()
	p.refs[req.IdempotencyKey] = ref
	p.Payouts = append(p.Payouts, req)
	return ref, nil
}

// PayoutCount returns how many distinct payouts moved money.
func (p *SandboxProcessor) PayoutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Payouts)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, userID, kind string, payload map[string]any) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "recipient", userID, "kind", kind, "payload", payload)
	return nil
}

// SignedURLStore resolves evidence refs into HMAC-signed, expiring URLs
// under BaseURL. Store keeps blobs in memory.
type SignedURLStore struct {
	BaseURL string
	Secret  []byte
	TTL     time.Duration
	Now     func() time.Time

	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *SignedURLStore) Store(_ context.Context, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs == nil {
		s.blobs = make(map[string][]byte)
	}
	ref := "ev_" + uuid.NewString()
	s.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (s *SignedURLStore) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("sandbox: empty evidence ref")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expires := strconv.FormatInt(now().Add(ttl).Unix(), 10)

	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(ref + "|" + expires))
	sig := hex.EncodeToString(mac.Sum(nil))

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", sig)
	return fmt.Sprintf("%s/%s?%s", s.BaseURL, url.PathEscape(ref), q.Encode()), nil
}
