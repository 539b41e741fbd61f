package dispatcher

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out consecutive batches.
type Pacer interface {
	// Wait is called before every batch except the first.
	Wait(ctx context.Context, interval time.Duration) error
}

// SleepPacer pauses for the full interval between batches.
type SleepPacer struct{}

func (SleepPacer) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTimer(interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TokenBucketPacer lets a batch through per interval, measured from the
// previous batch rather than from the end of its submission.
type TokenBucketPacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

func NewTokenBucketPacer() *TokenBucketPacer {
	return &TokenBucketPacer{}
}

func (p *TokenBucketPacer) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	if p.limiter == nil || p.interval != interval {
		p.interval = interval
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
		// the first batch already went out
		p.limiter.Allow()
	}
	return p.limiter.Wait(ctx)
}
