package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps counter-store failures so callers can apply the
// configured fail-open or fail-closed policy.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// TokenTake is the outcome of one atomic token-bucket check-and-consume.
type TokenTake struct {
	Allowed   bool
	Remaining int64
}

// BucketStore is the quota side of the counter store. Every method that
// mutates state must execute its read-decide-write sequence as a single
// atomic unit; separate read-then-write calls reintroduce the admission race
// the store exists to prevent.
type BucketStore interface {
	// TakeToken initializes the bucket on first access (capacity-1 tokens),
	// fully refills it once refillInterval has elapsed, then consumes one
	// token if available. The bucket TTL is refreshed on every access.
	TakeToken(ctx context.Context, identifier string, capacity int64, refillInterval, ttl time.Duration, now time.Time) (TokenTake, error)

	// TakeWindowSlot prunes entries older than the window, then inserts a new
	// member if the pruned cardinality is below limit. Returns the admission
	// verdict and the post-check count.
	TakeWindowSlot(ctx context.Context, identifier string, limit int64, window time.Duration, now time.Time) (bool, int64, error)

	// BucketTokens reports the current token count; ok is false when no
	// bucket state exists.
	BucketTokens(ctx context.Context, identifier string) (tokens int64, ok bool, err error)

	// LastRefill reports the bucket's last refill instant; ok is false when
	// no bucket state exists.
	LastRefill(ctx context.Context, identifier string) (at time.Time, ok bool, err error)

	// WindowCount reports the live cardinality of one sliding window.
	WindowCount(ctx context.Context, identifier string, window time.Duration) (int64, error)

	// ResetBucket deletes all bucket and window state for one identifier.
	ResetBucket(ctx context.Context, identifier string) error
}

// AbuseStore is the violation/ban side of the counter store.
type AbuseStore interface {
	// IncrementViolations atomically bumps the violation counter. The expiry
	// window is set only when this is the first increment; later increments
	// never extend it.
	IncrementViolations(ctx context.Context, identifier string, window time.Duration) (int64, error)

	ViolationCount(ctx context.Context, identifier string) (int64, error)

	// ApplyBan marks the identifier banned for the given duration.
	ApplyBan(ctx context.Context, identifier string, duration time.Duration) error

	IsBanned(ctx context.Context, identifier string) (bool, error)

	// BanTTL reports the remaining ban duration, 0 when not banned.
	BanTTL(ctx context.Context, identifier string) (time.Duration, error)

	// ClearIdentifier deletes ban and violation state for one identifier.
	ClearIdentifier(ctx context.Context, identifier string) error

	// ClearAll deletes every ban and violation record using an incremental
	// scan; it must never load the full key space into memory at once.
	ClearAll(ctx context.Context) (bans, violations int64, err error)
}

// CounterStore is the full atomic check-and-update contract shared by the
// rate limiter and the abuse detector.
type CounterStore interface {
	BucketStore
	AbuseStore
}
