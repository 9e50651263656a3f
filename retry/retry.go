// Package retry computes retry decisions and backoff delays for task policies.
// It is pure: no persistence, no clocks beyond the caller-supplied attempt number.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy names a backoff delay curve.
type Strategy string

const (
	// StrategyFixed waits the base delay between every attempt.
	StrategyFixed Strategy = "FIXED"
	// StrategyLinear waits base delay multiplied by the attempt number.
	StrategyLinear Strategy = "LINEAR"
	// StrategyExponential waits base delay multiplied by multiplier^(attempt-1).
	StrategyExponential Strategy = "EXPONENTIAL"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyLinear, StrategyExponential:
		return true
	}
	return false
}

// Policy describes how a task is retried after a handler failure.
type Policy struct {
	// MaxAttempts is the total number of runs allowed, including the first.
	MaxAttempts int

	// Strategy selects the delay curve between attempts.
	Strategy Strategy

	// BaseDelay is the starting delay for the curve.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor. Zero means the default of 2.
	Multiplier float64

	// Jitter spreads each delay uniformly across [0.5d, 1.5d] to avoid
	// synchronized retries across workers.
	Jitter bool
}

// DefaultPolicy returns the engine-wide fallback policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay cannot be negative")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay cannot be negative")
	}
	if p.Multiplier < 0 {
		return fmt.Errorf("multiplier cannot be negative")
	}
	return nil
}

// Normalize fills zero-valued fields from defaults and returns the result.
// Step policies typically set only what they care about; the rest comes from
// the configured engine defaults. A zero policy inherits defaults wholesale.
// Jitter is otherwise left as written: false cannot be told apart from unset.
func (p Policy) Normalize(defaults Policy) Policy {
	if p == (Policy{}) {
		return defaults
	}
	out := p
	if out.MaxAttempts == 0 {
		out.MaxAttempts = defaults.MaxAttempts
	}
	if out.Strategy == "" {
		out.Strategy = defaults.Strategy
	}
	if out.BaseDelay == 0 {
		out.BaseDelay = defaults.BaseDelay
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = defaults.MaxDelay
	}
	if out.Multiplier == 0 {
		out.Multiplier = defaults.Multiplier
	}
	return out
}

// ShouldRetry reports whether another run is allowed after the given number
// of finished attempts.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the wait before the run following the given attempt number
// (1-based: attempt 1 is the first failure). Results are clamped to
// [0, MaxDelay] when MaxDelay is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		scaled := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
		if scaled > math.MaxInt64 {
			scaled = math.MaxInt64
		}
		d = time.Duration(scaled)
	default:
		// StrategyFixed and anything unknown fall back to the base delay.
		d = p.BaseDelay
	}

	if p.Jitter && d > 0 {
		// Uniform in [0.5d, 1.5d].
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}

	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
