package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(KindPrecondition, "bidding_closed", "bid: bidding is closed")
	other := New(KindPrecondition, "not_release_eligible", "escrow: not eligible")

	derived := sentinel.WithDetail("order_id", "o-1").WithMessage("bid: deadline passed for %s", "o-1")
	wrapped := fmt.Errorf("submit: %w", derived)

	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped detail error to match sentinel")
	}
	if errors.Is(wrapped, other) {
		t.Fatalf("did not expect match against a different code")
	}
	if KindOf(wrapped) != KindPrecondition {
		t.Fatalf("expected kind %s, got %s", KindPrecondition, KindOf(wrapped))
	}
	if sentinel.Details != nil {
		t.Fatalf("sentinel must not be mutated by WithDetail, got %v", sentinel.Details)
	}
	if derived.Error() != "bid: deadline passed for o-1" {
		t.Fatalf("unexpected message %q", derived.Error())
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrExternal.Wrap(cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if !errors.Is(err, ErrExternal) {
		t.Fatalf("expected sentinel match")
	}
	fe, ok := As(err)
	if !ok || fe.Kind != KindExternal {
		t.Fatalf("expected external failure, got %+v", fe)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if k := KindOf(errors.New("boom")); k != "" {
		t.Fatalf("expected empty kind, got %q", k)
	}
}
