// Package retry decides whether and when a failed attempt is tried again.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// Policy is the resolved retry configuration of one task.
type Policy struct {
	MaxAttempts int
	Strategy    api.RetryStrategy
	// Delay is used by the fixed strategy.
	Delay time.Duration
	// Base, Factor and Cap drive the exponential strategy.
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter spreads each delay by up to ±Jitter of its value (0 disables it).
	Jitter float64
}

// DefaultPolicy runs every task once.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 1,
		Strategy:    api.RetryFixed,
		Delay:       time.Second,
		Base:        time.Second,
		Factor:      2.0,
		Cap:         30 * time.Second,
	}
}

// FromSpec overlays the fields set in spec onto def. A nil spec yields def.
func FromSpec(spec *api.RetrySpec, def Policy) Policy {
	p := def
	if spec == nil {
		return p
	}
	if spec.MaxAttempts > 0 {
		p.MaxAttempts = spec.MaxAttempts
	}
	if spec.Strategy != "" {
		p.Strategy = spec.Strategy
	}
	if spec.Delay > 0 {
		p.Delay = spec.Delay
	}
	if spec.Base > 0 {
		p.Base = spec.Base
	}
	if spec.Factor > 0 {
		p.Factor = spec.Factor
	}
	if spec.Cap > 0 {
		p.Cap = spec.Cap
	}
	if spec.Jitter > 0 {
		p.Jitter = spec.Jitter
	}
	return p
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Strategy {
	case api.RetryFixed, "":
	case api.RetryExponential:
		if p.Factor < 1 {
			return fmt.Errorf("retry: exponential factor must be >= 1, got %v", p.Factor)
		}
	default:
		return fmt.Errorf("retry: unknown strategy %q", p.Strategy)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry: jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Backoff is the wait before the attempt following attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay float64
	switch p.Strategy {
	case api.RetryExponential:
		delay = float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
		if p.Cap > 0 && delay > float64(p.Cap) {
			delay = float64(p.Cap)
		}
	default:
		delay = float64(p.Delay)
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}
	if p.Cap > 0 && p.Strategy == api.RetryExponential && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
