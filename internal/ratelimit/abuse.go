package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/model"
	"api-guardian/internal/util"
)

// AbuseEventSink receives violation and ban events. Publishing is
// fire-and-forget; implementations must never block the caller.
type AbuseEventSink interface {
	PublishViolation(event model.RateLimitViolationEvent)
	PublishBan(event model.BanEvent)
}

// BanThreshold pairs a minimum violation count with the ban it earns.
type BanThreshold struct {
	MinCount int64
	Duration time.Duration
}

// DefaultBanLadder is ordered highest threshold first so a count that jumps
// straight past several thresholds bans at the severe duration.
var DefaultBanLadder = []BanThreshold{
	{MinCount: 10, Duration: 30 * time.Minute},
	{MinCount: 5, Duration: 5 * time.Minute},
	{MinCount: 3, Duration: time.Minute},
}

// AbuseDetector tracks rejected requests per identifier and escalates
// repeated violations into time-boxed bans. Per identifier the state machine
// is CLEAN -> FLAGGED(count) -> BANNED(expiry), returning to CLEAN only via
// natural TTL expiry or administrative clear.
type AbuseDetector struct {
	store  AbuseStore
	events AbuseEventSink
	window time.Duration
	ladder []BanThreshold
	now    func() time.Time
}

func NewAbuseDetector(store AbuseStore, events AbuseEventSink, window time.Duration) *AbuseDetector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &AbuseDetector{
		store:  store,
		events: events,
		window: window,
		ladder: DefaultBanLadder,
		now:    time.Now,
	}
}

// IsBanned reports whether the identifier is currently banned. Read-only.
func (d *AbuseDetector) IsBanned(ctx context.Context, identifier string) (bool, error) {
	banned, err := d.store.IsBanned(ctx, identifier)
	if err != nil {
		return false, err
	}
	if banned {
		util.Warn("banned identifier attempted access", zap.String("identifier", identifier))
	}
	return banned, nil
}

// RecordViolation counts one rejected request, emits a violation event, and
// applies a ban when the count crosses a threshold. Returns the violation
// count inside the current window.
func (d *AbuseDetector) RecordViolation(ctx context.Context, identifier, endpoint, tier string) (int64, error) {
	count, err := d.store.IncrementViolations(ctx, identifier, d.window)
	if err != nil {
		return 0, err
	}

	util.Warn("rate limit violation",
		zap.String("identifier", identifier),
		zap.Int64("count", count))

	banDuration := d.banDuration(count)

	d.events.PublishViolation(model.RateLimitViolationEvent{
		Identifier:        identifier,
		Endpoint:          endpoint,
		Tier:              tier,
		ViolationCount:    count,
		RetryAfterSeconds: int64(banDuration.Seconds()),
		Timestamp:         d.now(),
	})

	if banDuration > 0 {
		if err := d.applyBan(ctx, identifier, count, banDuration); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (d *AbuseDetector) applyBan(ctx context.Context, identifier string, count int64, duration time.Duration) error {
	if err := d.store.ApplyBan(ctx, identifier, duration); err != nil {
		return err
	}

	now := d.now()
	util.Error("ban applied",
		zap.String("identifier", identifier),
		zap.Duration("duration", duration),
		zap.Int64("violations", count))

	d.events.PublishBan(model.BanEvent{
		Identifier:         identifier,
		Reason:             fmt.Sprintf("Exceeded rate limit %d times", count),
		ViolationCount:     count,
		BanDurationSeconds: int64(duration.Seconds()),
		BannedAt:           now,
		ExpiresAt:          now.Add(duration),
	})
	return nil
}

// banDuration walks the ladder highest threshold first.
func (d *AbuseDetector) banDuration(count int64) time.Duration {
	for _, threshold := range d.ladder {
		if count >= threshold.MinCount {
			return threshold.Duration
		}
	}
	return 0
}

// ViolationCount reports the count in the current window, 0 when clean.
func (d *AbuseDetector) ViolationCount(ctx context.Context, identifier string) (int64, error) {
	return d.store.ViolationCount(ctx, identifier)
}

// RemainingBanTime reports the seconds left on an active ban, 0 otherwise.
func (d *AbuseDetector) RemainingBanTime(ctx context.Context, identifier string) (int64, error) {
	ttl, err := d.store.BanTTL(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return int64(ttl.Seconds()), nil
}

// ClearBan removes ban and violation state for one identifier, returning it
// to a clean slate.
func (d *AbuseDetector) ClearBan(ctx context.Context, identifier string) error {
	if err := d.store.ClearIdentifier(ctx, identifier); err != nil {
		return err
	}
	util.Info("ban cleared", zap.String("identifier", identifier))
	return nil
}

// ClearAllBans removes every ban and violation record and reports how many of
// each were cleared.
func (d *AbuseDetector) ClearAllBans(ctx context.Context) (int64, int64, error) {
	bans, violations, err := d.store.ClearAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	util.Info("all bans cleared",
		zap.Int64("bans", bans),
		zap.Int64("violations", violations))
	return bans, violations, nil
}
