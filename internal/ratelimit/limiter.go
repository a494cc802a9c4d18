package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/model"
	"api-guardian/internal/util"
)

// Limiter implements the admission quota checks: a fixed-window token bucket
// for the per-minute cap and sliding windows for the hour/day ceilings.
// All state lives in the counter store; the limiter itself is stateless and
// safe for concurrent use.
type Limiter struct {
	store     BucketStore
	bucketTTL time.Duration
	now       func() time.Time
}

func NewLimiter(store BucketStore, bucketTTL time.Duration) *Limiter {
	if bucketTTL <= 0 {
		bucketTTL = time.Hour
	}
	return &Limiter{
		store:     store,
		bucketTTL: bucketTTL,
		now:       time.Now,
	}
}

// Allow performs one atomic token-bucket check-and-consume.
func (l *Limiter) Allow(ctx context.Context, identifier string, cfg model.RateLimitConfig) (TokenTake, error) {
	take, err := l.store.TakeToken(ctx, identifier, cfg.Capacity, cfg.RefillInterval, l.bucketTTL, l.now())
	if err != nil {
		return TokenTake{}, err
	}

	if !take.Allowed {
		util.Debug("token bucket exhausted",
			zap.String("identifier", identifier),
			zap.String("tier", cfg.Tier.String()))
	}
	return take, nil
}

// AllowWindow checks one sliding-window ceiling (hour or day caps layered on
// top of the per-minute bucket).
func (l *Limiter) AllowWindow(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, int64, error) {
	return l.store.TakeWindowSlot(ctx, identifier, limit, window, l.now())
}

// RemainingTokens reports the bucket's current tokens; a bucket that does not
// exist yet reports the full capacity.
func (l *Limiter) RemainingTokens(ctx context.Context, identifier string, cfg model.RateLimitConfig) (int64, error) {
	tokens, ok, err := l.store.BucketTokens(ctx, identifier)
	if err != nil {
		return 0, err
	}
	if !ok {
		return cfg.Capacity, nil
	}
	return tokens, nil
}

// RetryAfterSeconds reports the seconds until the next full refill, floored
// at zero.
func (l *Limiter) RetryAfterSeconds(ctx context.Context, identifier string, cfg model.RateLimitConfig) (int64, error) {
	lastRefill, ok, err := l.store.LastRefill(ctx, identifier)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	remaining := cfg.RefillInterval - l.now().Sub(lastRefill)
	if remaining < 0 {
		return 0, nil
	}
	return int64(remaining.Seconds()), nil
}

// ResetTime reports the absolute epoch second of the next refill.
func (l *Limiter) ResetTime(ctx context.Context, identifier string, cfg model.RateLimitConfig) (int64, error) {
	lastRefill, ok, err := l.store.LastRefill(ctx, identifier)
	if err != nil {
		return 0, err
	}
	if !ok {
		return l.now().Add(cfg.RefillInterval).Unix(), nil
	}
	return lastRefill.Add(cfg.RefillInterval).Unix(), nil
}

// WindowCount reports the live request count in one sliding window.
func (l *Limiter) WindowCount(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	return l.store.WindowCount(ctx, identifier, window)
}

// Reset deletes all quota state for one identifier. Administrative.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.store.ResetBucket(ctx, identifier); err != nil {
		return err
	}
	util.Info("rate limit reset", zap.String("identifier", identifier))
	return nil
}
