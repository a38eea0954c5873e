package middleware

import (
	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
)

// RateLimiter throttles the events a single connection may submit.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps events per second with bursts of up to burst.
// Non-positive values fall back to the defaults.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *RateLimiter) Allow() bool {
	return l.limiter.Allow()
}
