package client

import "time"

// Strategy selects how the reconnect delay grows with the attempt number.
type Strategy string

const (
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

// Backoff bounds reconnection.
type Backoff struct {
	Strategy    Strategy
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 2s, 4s, 6s... and gives up after five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Strategy:    Linear,
		Base:        2 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before attempt (1-based).
//
// Linear:      base * attempt
// Exponential: base * 2^(attempt-1)
//
// Both are capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	var delay time.Duration
	switch b.Strategy {
	case Exponential:
		if attempt > 32 {
			attempt = 32
		}
		delay = b.Base * time.Duration(1<<uint(attempt-1))
	default:
		delay = b.Base * time.Duration(attempt)
	}

	if b.Max > 0 && (delay > b.Max || delay < 0) {
		delay = b.Max
	}
	return delay
}
