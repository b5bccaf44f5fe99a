package services

import (
	"context"
	"testing"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBudget(t *testing.T) {
	t.Run("default budgets", func(t *testing.T) {
		assert.Equal(t, 60, NewRateLimiter(false, 0, 0).Status().Limit)
		assert.Equal(t, 5000, NewRateLimiter(true, 0, 0).Status().Limit)
	})

	t.Run("never allows a call at zero before reset", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		l := NewRateLimiter(false, 0, 0)
		l.now = func() time.Time { return now }
		l.Observe(60, 2, now.Add(10*time.Minute))

		assert.True(t, l.Reserve().Allowed)
		assert.True(t, l.Reserve().Allowed)

		for i := 0; i < 3; i++ {
			res := l.Reserve()
			assert.False(t, res.Allowed)
			assert.Equal(t, 10*time.Minute, res.Wait)
		}

		now = now.Add(10 * time.Minute)
		assert.True(t, l.Reserve().Allowed, "budget refills once reset elapsed")
		assert.Equal(t, 59, l.Status().Remaining)
	})

	t.Run("observe ignores responses without rate metadata", func(t *testing.T) {
		l := NewRateLimiter(true, 0, 0)
		l.Observe(0, 0, time.Time{})
		assert.Equal(t, 5000, l.Status().Remaining)
	})

	t.Run("exhaust overrides the local counter", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		l := NewRateLimiter(true, 0, 0)
		l.now = func() time.Time { return now }

		l.Exhaust(now.Add(time.Minute))
		res := l.Reserve()
		assert.False(t, res.Allowed)
		assert.Equal(t, time.Minute, res.Wait)

		l.Exhaust(now.Add(-time.Hour))
		res = l.Reserve()
		assert.False(t, res.Allowed)
		assert.Equal(t, time.Second, res.Wait, "stale reset instants are pushed forward")
	})
}

func TestRateLimiterWait(t *testing.T) {
	t.Run("suspends until reset", func(t *testing.T) {
		l := NewRateLimiter(false, 0, time.Minute)
		l.Exhaust(time.Now().Add(200 * time.Millisecond))

		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("reports exhaustion when reset is too far away", func(t *testing.T) {
		l := NewRateLimiter(false, 0, time.Minute)
		l.Exhaust(time.Now().Add(2 * time.Hour))

		err := l.Wait(context.Background())
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.ErrorKindRateLimitExhausted))
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		l := NewRateLimiter(false, 0, time.Hour)
		l.Exhaust(time.Now().Add(30 * time.Minute))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
	})

	t.Run("pacing spaces calls", func(t *testing.T) {
		l := NewRateLimiter(true, 10, 0)
		ctx := context.Background()

		start := time.Now()
		for i := 0; i < 12; i++ {
			require.NoError(t, l.Wait(ctx))
		}
		assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	})
}
