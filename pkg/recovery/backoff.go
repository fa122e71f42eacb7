package recovery

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls the exponential backoff schedule.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// Multiplier grows the delay per attempt.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts bounds the retry loop. Fallback substitutions draw from
	// the same budget.
	MaxAttempts int `yaml:"max_attempts"`

	// JitterFraction is the maximum random jitter added, as a fraction of
	// the computed delay. Clamped to [0, 0.25].
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultRetryPolicy returns the standard schedule: 1s base, doubling,
// capped at 30s, five attempts, up to 25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    5,
		JitterFraction: 0.25,
	}
}

// Delay returns the backoff delay for a 1-based attempt number, without
// jitter. delay = base * multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// DelayWithJitter returns the attempt's delay with random jitter added. The
// jitter never exceeds JitterFraction (at most 25%) of the base delay, so
// synchronized callers spread out instead of retrying in lockstep.
func (p RetryPolicy) DelayWithJitter(attempt int) time.Duration {
	delay := p.Delay(attempt)

	fraction := p.JitterFraction
	if fraction > 0.25 {
		fraction = 0.25
	}
	if fraction <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Float64() * fraction * float64(delay))
	return delay + jitter
}
