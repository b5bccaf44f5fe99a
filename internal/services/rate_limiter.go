package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	unauthenticatedBudget = 60
	authenticatedBudget   = 5000
	budgetWindow          = time.Hour
	// resetSkew is added to waits because reset instants have second granularity
	resetSkew = 500 * time.Millisecond
)

// Reservation is the answer of RateLimiter.Reserve
type Reservation struct {
	Allowed bool
	Wait    time.Duration
}

// RateLimitStatus is a point-in-time view of the budget
type RateLimitStatus struct {
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	Reset         time.Time `json:"reset"`
	ResetIn       int64     `json:"resetInSeconds"`
	Authenticated bool      `json:"authenticated"`
}

// RateLimiter tracks the GitHub call budget from response headers and gates calls.
// An optional token bucket paces calls that the budget allows.
type RateLimiter struct {
	mu            sync.Mutex
	limit         int
	remaining     int
	reset         time.Time
	authenticated bool
	maxWait       time.Duration
	pacer         *rate.Limiter
	now           func() time.Time
}

// NewRateLimiter creates a limiter with the default budget for the auth mode.
// requestsPerSecond <= 0 disables pacing; maxWait <= 0 allows any wait.
func NewRateLimiter(authenticated bool, requestsPerSecond int, maxWait time.Duration) *RateLimiter {
	budget := unauthenticatedBudget
	if authenticated {
		budget = authenticatedBudget
	}
	l := &RateLimiter{
		limit:         budget,
		remaining:     budget,
		authenticated: authenticated,
		maxWait:       maxWait,
		now:           time.Now,
	}
	l.reset = l.now().Add(budgetWindow)
	if requestsPerSecond > 0 {
		l.pacer = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
	return l
}

// Reserve takes one call from the budget if any is left before reset
func (l *RateLimiter) Reserve() Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.remaining <= 0 && !now.Before(l.reset) {
		// The window rolled over without fresh headers; assume a full budget until told otherwise.
		l.remaining = l.limit
		l.reset = now.Add(budgetWindow)
	}

	if l.remaining > 0 {
		l.remaining--
		return Reservation{Allowed: true}
	}
	return Reservation{Allowed: false, Wait: l.reset.Sub(now)}
}

// Observe refreshes the budget from response metadata
func (l *RateLimiter) Observe(limit, remaining int, reset time.Time) {
	if limit <= 0 && reset.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit > 0 {
		l.limit = limit
	}
	if remaining < 0 {
		remaining = 0
	}
	l.remaining = remaining
	if !reset.IsZero() {
		l.reset = reset
	}
}

// Exhaust marks the budget as spent until reset, overriding the local counter
func (l *RateLimiter) Exhaust(reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if reset.Before(now) {
		reset = now.Add(time.Second)
	}
	l.remaining = 0
	l.reset = reset
}

// Wait blocks until a call is allowed, the context ends, or the wait would exceed maxWait
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		res := l.Reserve()
		if res.Allowed {
			break
		}
		if l.maxWait > 0 && res.Wait > l.maxWait {
			return models.NewPipelineError(models.ErrorKindRateLimitExhausted,
				fmt.Sprintf("GitHub rate limit exhausted; resets in %s", res.Wait.Round(time.Second)), nil)
		}

		logger.WithField("wait", res.Wait.Round(time.Millisecond).String()).Info("GitHub rate limit reached, suspending")
		timer := time.NewTimer(res.Wait + resetSkew)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if l.pacer != nil {
		return l.pacer.Wait(ctx)
	}
	return nil
}

// Status returns the current budget
func (l *RateLimiter) Status() RateLimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	resetIn := l.reset.Sub(l.now())
	if resetIn < 0 {
		resetIn = 0
	}
	return RateLimitStatus{
		Limit:         l.limit,
		Remaining:     l.remaining,
		Reset:         l.reset,
		ResetIn:       int64(resetIn / time.Second),
		Authenticated: l.authenticated,
	}
}
