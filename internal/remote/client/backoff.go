package client

import (
	"math"
	"time"
)

// Reconnect defaults. The retry budget is independent of the engine's
// error-policy retry constant.
const (
	DefaultInitialDelay         = 1000 * time.Millisecond
	DefaultMaxDelay             = 30000 * time.Millisecond
	DefaultMultiplier           = 2.0
	DefaultMaxRetries           = 10
	DefaultSilentRetryThreshold = 3
)

// BackoffPolicy computes reconnect delays:
// delay(k) = min(initial * multiplier^(k-1), max) for attempt k >= 1.
type BackoffPolicy struct {
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	Multiplier           float64
	MaxRetries           int
	SilentRetryThreshold int
}

// DefaultBackoff returns the standard policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay:         DefaultInitialDelay,
		MaxDelay:             DefaultMaxDelay,
		Multiplier:           DefaultMultiplier,
		MaxRetries:           DefaultMaxRetries,
		SilentRetryThreshold: DefaultSilentRetryThreshold,
	}
}

// Delay returns the wait before attempt k (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Silent reports whether attempt k should skip user-visible events.
func (p BackoffPolicy) Silent(attempt int) bool {
	return attempt <= p.SilentRetryThreshold
}
