package retry

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

func TestNextAttemptExponentialWithoutJitter(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Minute, Multiplier: 2}

	cases := []struct {
		attempt int
		delay   time.Duration
		retry   bool
	}{
		{1, time.Minute, true},
		{2, 2 * time.Minute, true},
		{3, 4 * time.Minute, true},
		{4, 0, false},
		{9, 0, false},
	}
	for _, tc := range cases {
		d := NextAttempt(tc.attempt, p, epoch)
		if d.ShouldRetry != tc.retry {
			t.Fatalf("attempt %d: expected retry=%v", tc.attempt, tc.retry)
		}
		if !tc.retry {
			if !d.NotBefore.IsZero() {
				t.Fatalf("attempt %d: exhausted decision should not carry a time", tc.attempt)
			}
			continue
		}
		if got := d.NotBefore.Sub(epoch); got != tc.delay {
			t.Fatalf("attempt %d: expected delay %s, got %s", tc.attempt, tc.delay, got)
		}
	}
}

func TestNextAttemptRespectsCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 10, Cap: 3 * time.Hour}
	if got := NextAttempt(3, p, epoch).Delay; got != 3*time.Hour {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

func TestNextAttemptJitterIsDeterministicAndBounded(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2, JitterSeed: 42}
	for attempt := 1; attempt < 5; attempt++ {
		first := NextAttempt(attempt, p, epoch)
		second := NextAttempt(attempt, p, epoch)
		if first != second {
			t.Fatalf("attempt %d: expected identical decisions, got %+v and %+v", attempt, first, second)
		}
		base := Backoff(attempt, Policy{BaseDelay: p.BaseDelay, Multiplier: p.Multiplier})
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		if first.Delay < low || first.Delay > high {
			t.Fatalf("attempt %d: delay %s outside [%s,%s]", attempt, first.Delay, low, high)
		}
	}

	other := p
	other.JitterSeed = 7
	if NextAttempt(1, p, epoch).Delay == NextAttempt(1, other, epoch).Delay {
		t.Fatalf("different seeds should spread retries")
	}
}

func TestNextAttemptSingleAttemptPolicyNeverRetries(t *testing.T) {
	if NextAttempt(1, Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 1}, epoch).ShouldRetry {
		t.Fatal("max attempts 1 must not retry")
	}
}

func TestBackoffOverflowClamps(t *testing.T) {
	p := Policy{MaxAttempts: 1000, BaseDelay: time.Hour, Multiplier: 10}
	if got := Backoff(500, p); got <= 0 {
		t.Fatalf("expected clamped positive delay, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	bad := []Policy{
		{MaxAttempts: 0, Multiplier: 1},
		{MaxAttempts: 1, Multiplier: 0.5},
		{MaxAttempts: 1, Multiplier: 1, Jitter: 2},
		{MaxAttempts: 1, Multiplier: 1, BaseDelay: -time.Second},
	}
	for _, p := range bad {
		if p.Validate() == nil {
			t.Fatalf("expected %+v to be invalid", p)
		}
	}
	if err := (Policy{MaxAttempts: 3, Multiplier: 2, BaseDelay: time.Second}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
