package azure

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket limiter tracking both the request-per-minute
// and token-per-minute budgets of an Azure OpenAI deployment. Staying under the
// deployment quota is cheaper than burning retry attempts on 429 responses.
type RateLimiter struct {
	mu sync.Mutex

	requests       float64 // remaining request budget
	maxRequests    float64
	requestRefill  float64 // requests added per second
	tokens         float64 // remaining token budget
	maxTokens      float64
	tokenRefill    float64 // tokens added per second
	lastRefillTime time.Time
	minInterval    time.Duration // minimum spacing between requests
}

// RateLimiterConfig holds the per-minute budgets for the deployment
type RateLimiterConfig struct {
	RequestsPerMinute int           // RPM quota (default: 60)
	TokensPerMinute   int           // TPM quota (default: 90000)
	MinInterval       time.Duration // minimum time between requests (default: 250ms)
}

// DefaultRateLimiterConfig returns conservative defaults for a standard deployment
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 60,
		TokensPerMinute:   90000,
		MinInterval:       250 * time.Millisecond,
	}
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.TokensPerMinute <= 0 {
		config.TokensPerMinute = 90000
	}
	if config.MinInterval <= 0 {
		config.MinInterval = 250 * time.Millisecond
	}

	return &RateLimiter{
		requests:       float64(config.RequestsPerMinute),
		maxRequests:    float64(config.RequestsPerMinute),
		requestRefill:  float64(config.RequestsPerMinute) / 60.0,
		tokens:         float64(config.TokensPerMinute),
		maxTokens:      float64(config.TokensPerMinute),
		tokenRefill:    float64(config.TokensPerMinute) / 60.0,
		lastRefillTime: time.Now(),
		minInterval:    config.MinInterval,
	}
}

// Wait blocks until both budgets allow a request estimated at estTokens tokens.
// Returns an error only if the context is cancelled while waiting.
func (r *RateLimiter) Wait(ctx context.Context, estTokens int) error {
	need := float64(estTokens)
	if need > r.maxTokens {
		need = r.maxTokens // oversized requests drain the full bucket instead of deadlocking
	}

	for {
		r.mu.Lock()
		r.refill()

		if r.requests >= 1 && r.tokens >= need {
			r.requests--
			r.tokens -= need
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.minInterval):
				return nil
			}
		}

		// Wait long enough for the scarcer budget to recover
		waitRequests := (1 - r.requests) / r.requestRefill
		waitTokens := (need - r.tokens) / r.tokenRefill
		waitSec := waitRequests
		if waitTokens > waitSec {
			waitSec = waitTokens
		}
		r.mu.Unlock()

		if waitSec < 0.05 {
			waitSec = 0.05
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(waitSec * float64(time.Second))):
			// Try again after waiting
		}
	}
}

// SlowDown temporarily shrinks the budgets after a 429 from the provider
func (r *RateLimiter) SlowDown(multiplier float64) {
	if multiplier <= 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestRefill = r.requestRefill / multiplier
	r.tokenRefill = r.tokenRefill / multiplier
	r.minInterval = time.Duration(float64(r.minInterval) * multiplier)
}

// refill adds budget based on elapsed time (must be called with lock held)
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefillTime).Seconds()

	r.requests += elapsed * r.requestRefill
	if r.requests > r.maxRequests {
		r.requests = r.maxRequests
	}

	r.tokens += elapsed * r.tokenRefill
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}

	r.lastRefillTime = now
}
