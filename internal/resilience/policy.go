package resilience

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/metapod/internal/config"
)

// Policy bounds one invocation of a collaborator.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction of the delay randomly added or removed, in [0,1).
	Jitter float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     time.Minute,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// PolicyFromConfig converts a configured policy.
func PolicyFromConfig(c config.PolicyConfig) Policy {
	return Policy{
		Timeout:     c.Timeout.Duration(),
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay.Duration(),
		MaxDelay:    c.MaxDelay.Duration(),
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}.ApplyDefaults()
}

// ApplyDefaults fills unset fields from DefaultPolicy.
func (p Policy) ApplyDefaults() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// Delay returns the wait after failed attempt n (0-based): BaseDelay *
// Multiplier^n capped at MaxDelay, then scaled by 1 ± Jitter. r is a
// uniform sample in [0,1).
func (p Policy) Delay(n int, r float64) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	d *= 1 + p.Jitter*(2*r-1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
