// Package backoff computes reconnection delays for the sync channel.
package backoff

import (
	"math"
	"time"
)

// Default policy values, matching the connection maintenance loop's
// historical tuning: 1s base, capped at 30s for fast recovery.
const (
	DefaultBase   = 1 * time.Second
	DefaultGrowth = 1.5
	DefaultCap    = 30 * time.Second
)

// Policy is a pure exponential backoff schedule. Given the same
// configuration and attempt number it always returns the same delay.
type Policy struct {
	Base   time.Duration
	Growth float64
	Cap    time.Duration
}

// Default returns the stock reconnection policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Growth: DefaultGrowth, Cap: DefaultCap}
}

// Delay returns the wait before the given reconnection attempt. Attempt 1 is
// the first retry after an abnormal closure; the delay grows by the growth
// factor per attempt and never exceeds the cap.
func (p Policy) Delay(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	growth := p.Growth
	if growth <= 0 {
		growth = DefaultGrowth
	}
	cap := p.Cap
	if cap <= 0 {
		cap = DefaultCap
	}

	d := time.Duration(float64(base) * math.Pow(growth, float64(attempt-1)))
	// Overflow from large attempt counts shows up as a negative duration.
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
