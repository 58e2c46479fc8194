// Package retry computes backoff delays and retry eligibility. It holds no
// shared state and performs no I/O; the dispatch service consults it on every
// failed send.
package retry

import (
	"fmt"
	"math/rand"
	"time"
)

type Strategy string

const (
	FixedDelay         Strategy = "fixed_delay"
	Linear             Strategy = "linear"
	ExponentialBackoff Strategy = "exponential_backoff"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case FixedDelay, Linear, ExponentialBackoff:
		return Strategy(s), nil
	case "":
		return ExponentialBackoff, nil
	default:
		return "", fmt.Errorf("unknown retry strategy: %q", s)
	}
}

// Calculator derives the delay before the next attempt. One ceiling applies
// uniformly to every strategy.
type Calculator struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  float64 // fraction of the delay randomized in both directions, 0 disables
}

// Delay returns the backoff before retry number attempt (1-based). The result
// is always positive and never exceeds the ceiling.
func (c Calculator) Delay(attempt int, strategy Strategy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch strategy {
	case FixedDelay:
		d = c.Base
	case Linear:
		d = c.Base * time.Duration(attempt)
	default:
		// base * 2^attempt; shifting past 61 bits overflows int64, clamp
		// to the ceiling instead
		if attempt > 61 {
			d = c.Ceiling
		} else {
			d = c.Base * time.Duration(int64(1)<<uint(attempt))
		}
	}

	if d <= 0 || d > c.Ceiling {
		d = c.Ceiling
	}

	if c.Jitter > 0 {
		// e.g. Jitter 0.2 scales the delay by [0.8, 1.2) to avoid thundering herd
		factor := 1 - c.Jitter + rand.Float64()*2*c.Jitter
		d = time.Duration(float64(d) * factor)
		if d > c.Ceiling {
			d = c.Ceiling
		}
	}

	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Retryable reports whether another attempt is allowed after attempt failures.
func Retryable(attempt, maxRetries int) bool {
	return attempt < maxRetries
}
