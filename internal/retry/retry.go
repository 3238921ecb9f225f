// Package retry computes when a failed operation may be attempted again.
//
// Decisions depend only on the attempt number, the policy and the reference
// time, so the same inputs always produce the same schedule.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/angelmondragon/recurring-billing/pkg/config"
)

// Policy describes an exponential backoff with optional cap and jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Cap bounds the delay when positive.
	Cap time.Duration
	// Jitter is a fraction in [0,1]; the delay is scaled into [1-Jitter, 1+Jitter].
	Jitter     float64
	JitterSeed uint64
}

// Decision is the outcome of NextAttempt.
type Decision struct {
	ShouldRetry bool
	NotBefore   time.Time
	Delay       time.Duration
}

// FromConfig converts the env-loaded policy.
func FromConfig(cfg config.RetryPolicyConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		Cap:         cfg.Cap,
		Jitter:      cfg.Jitter,
		JitterSeed:  cfg.JitterSeed,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Validate reports policies that cannot produce a sane schedule.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("base delay must be >= 0, got %s", p.BaseDelay)
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("jitter must be within [0,1], got %v", p.Jitter)
	}
	return nil
}

// NextAttempt decides whether attempt number attempt+1 may run after the
// attempt-th attempt failed at from. attempt is 1-based.
func NextAttempt(attempt int, p Policy, from time.Time) Decision {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= p.MaxAttempts {
		return Decision{ShouldRetry: false}
	}
	delay := Backoff(attempt, p)
	return Decision{ShouldRetry: true, NotBefore: from.Add(delay), Delay: delay}
}

// Backoff is BaseDelay * Multiplier^(attempt-1), jittered, then capped.
func Backoff(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		raw *= jitterFactor(attempt, p)
	}
	if p.Cap > 0 && raw > float64(p.Cap) {
		return p.Cap
	}
	if raw >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

func jitterFactor(attempt int, p Policy) float64 {
	j := math.Min(p.Jitter, 1)
	rng := rand.New(rand.NewPCG(p.JitterSeed, uint64(attempt)))
	return 1 - j + 2*j*rng.Float64()
}
