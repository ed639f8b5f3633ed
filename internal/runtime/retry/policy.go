package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Forever disables the attempt bound of a SimplePolicy.
const Forever = -1

// PolicyStatus is the outcome of one policy evaluation: either keep going or
// stop with the cause that exhausted the policy.
type PolicyStatus struct {
	exhausted bool
	cause     error
}

// StatusOK tells the template to run the work again.
func StatusOK() PolicyStatus { return PolicyStatus{} }

// StatusExhausted tells the template to give up with cause.
func StatusExhausted(cause error) PolicyStatus {
	return PolicyStatus{exhausted: true, cause: cause}
}

func (s PolicyStatus) IsOK() bool        { return !s.exhausted }
func (s PolicyStatus) IsExhausted() bool { return s.exhausted }
func (s PolicyStatus) Cause() error      { return s.cause }

// Policy decides, after each failure, whether the work is retried. A Policy
// instance serves exactly one Execute call.
type Policy interface {
	ApplyPolicy(ctx context.Context, cause error) PolicyStatus
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, cause error) PolicyStatus

func (f PolicyFunc) ApplyPolicy(ctx context.Context, cause error) PolicyStatus {
	return f(ctx, cause)
}

// SimplePolicy retries up to count times with a fixed delay between
// attempts. A count of Forever never exhausts.
type SimplePolicy struct {
	count      int
	frequency  time.Duration
	applicable func(error) bool
	attempts   int
}

// NewSimplePolicy returns a counted policy. A nil applicable accepts every
// cause.
func NewSimplePolicy(count int, frequency time.Duration, applicable func(error) bool) *SimplePolicy {
	return &SimplePolicy{count: count, frequency: frequency, applicable: applicable}
}

func (p *SimplePolicy) ApplyPolicy(ctx context.Context, cause error) PolicyStatus {
	if p.applicable != nil && !p.applicable(cause) {
		return StatusExhausted(cause)
	}
	if p.count != Forever && p.attempts >= p.count {
		return StatusExhausted(cause)
	}
	if err := sleep(ctx, p.frequency); err != nil {
		return StatusExhausted(cause)
	}
	p.attempts++
	return StatusOK()
}

// Attempts reports how many retries this policy has granted.
func (p *SimplePolicy) Attempts() int { return p.attempts }

// NoRetryPolicy exhausts on the first failure.
type NoRetryPolicy struct{}

func (NoRetryPolicy) ApplyPolicy(_ context.Context, cause error) PolicyStatus {
	return StatusExhausted(cause)
}

// ExponentialConfig tunes an ExponentialPolicy. Zero values use the
// defaults of backoff.NewExponentialBackOff.
type ExponentialConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxAttempts bounds the retries; zero means unbounded.
	MaxAttempts int
	Applicable  func(error) bool
}

// ExponentialPolicy waits an exponentially growing, jittered delay between
// attempts.
type ExponentialPolicy struct {
	cfg      ExponentialConfig
	backoff  *backoff.ExponentialBackOff
	attempts int
}

func NewExponentialPolicy(cfg ExponentialConfig) *ExponentialPolicy {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	if cfg.RandomizationFactor > 0 {
		b.RandomizationFactor = cfg.RandomizationFactor
	}
	b.Reset()
	return &ExponentialPolicy{cfg: cfg, backoff: b}
}

func (p *ExponentialPolicy) ApplyPolicy(ctx context.Context, cause error) PolicyStatus {
	if p.cfg.Applicable != nil && !p.cfg.Applicable(cause) {
		return StatusExhausted(cause)
	}
	if p.cfg.MaxAttempts > 0 && p.attempts >= p.cfg.MaxAttempts {
		return StatusExhausted(cause)
	}
	next := p.backoff.NextBackOff()
	if next == backoff.Stop {
		return StatusExhausted(cause)
	}
	if err := sleep(ctx, next); err != nil {
		return StatusExhausted(cause)
	}
	p.attempts++
	return StatusOK()
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
