// Package retry holds the bounded exponential backoff policy used for
// payouts, funding captures and outbox deliveries.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Attempts are 1-based: attempt 1 is the first
// try, so Delay(1) is the wait before the second try.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Default is used when a configured policy is left zero.
var Default = Policy{
	Initial:     30 * time.Second,
	Max:         30 * time.Minute,
	Multiplier:  2,
	MaxAttempts: 8,
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = Default.Initial
	}
	if p.Max <= 0 {
		p.Max = Default.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = Default.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	return p
}

// BackOff returns a deterministic cenkalti ExponentialBackOff for the policy.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.BackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether attempt used up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

// Limit returns the effective attempt budget.
func (p Policy) Limit() int {
	return p.normalized().MaxAttempts
}
