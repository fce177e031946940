package engine

import (
	"math"
	"time"
)

// BackoffStrategy defines the interface for retry backoff strategies.
type BackoffStrategy interface {
	// NextDelay calculates the delay before the next retry attempt.
	NextDelay(retryCount int) time.Duration
}

// ExponentialBackoff implements exponential backoff strategy.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// NextDelay calculates the exponential backoff delay.
func (eb *ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(retryCount))
	delayDuration := time.Duration(delay)

	if delayDuration > eb.MaxDelay {
		return eb.MaxDelay
	}
	return delayDuration
}
