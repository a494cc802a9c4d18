package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"api-guardian/internal/client"
)

// Redis key layout, shared with the admin surface:
//
//	bucket:<id>:tokens      token count (string int)
//	bucket:<id>:lastRefill  last full refill, unix millis
//	sliding:<id>:<window>   sorted set of admitted request timestamps
//	abuse:<id>:violations   violation counter inside one escalation window
//	ban:<id>                presence + TTL only
const (
	bucketPrefix    = "bucket:"
	slidingPrefix   = "sliding:"
	violationPrefix = "abuse:"
	banPrefix       = "ban:"
)

// The whole read-decide-write sequence runs server-side so two concurrent
// requests can never both observe the last token. The bucket refills in full
// after the interval elapses, it does not trickle.
const tokenBucketScript = `
local tokens = tonumber(redis.call("GET", KEYS[1]))
local lastRefill = tonumber(redis.call("GET", KEYS[2]))
local capacity = tonumber(ARGV[1])
local refillInterval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if tokens == nil or lastRefill == nil then
    redis.call("SET", KEYS[1], capacity - 1, "EX", ttl)
    redis.call("SET", KEYS[2], now, "EX", ttl)
    return {1, capacity - 1}
end

if now - lastRefill >= refillInterval then
    tokens = capacity
    redis.call("SET", KEYS[2], now, "EX", ttl)
end

if tokens > 0 then
    redis.call("SET", KEYS[1], tokens - 1, "EX", ttl)
    redis.call("EXPIRE", KEYS[2], ttl)
    return {1, tokens - 1}
end

redis.call("EXPIRE", KEYS[1], ttl)
redis.call("EXPIRE", KEYS[2], ttl)
return {0, 0}
`

// Pruning happens before the capacity comparison, so a request arriving
// exactly at the window boundary is judged against the just-pruned count.
// Members are unique per request; the score carries the timestamp.
const slidingWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]
local clearBefore = now - window

redis.call('ZREMRANGEBYSCORE', key, 0, clearBefore)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window)
    return {1, count + 1}
end

return {0, count}
`

// The expiry is fixed at the first violation of a window and never extended
// by later ones.
const violationScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// RedisCounterStore implements CounterStore against the shared Redis
// instance. All mutating operations are single Lua evaluations.
type RedisCounterStore struct {
	client *client.RedisClient
}

func NewRedisCounterStore(c *client.RedisClient) *RedisCounterStore {
	return &RedisCounterStore{client: c}
}

func bucketTokensKey(identifier string) string {
	return bucketPrefix + identifier + ":tokens"
}

func bucketRefillKey(identifier string) string {
	return bucketPrefix + identifier + ":lastRefill"
}

func slidingKey(identifier string, window time.Duration) string {
	return fmt.Sprintf("%s%s:%d", slidingPrefix, identifier, int64(window.Seconds()))
}

func violationKey(identifier string) string {
	return violationPrefix + identifier + ":violations"
}

func banKey(identifier string) string {
	return banPrefix + identifier
}

func (s *RedisCounterStore) TakeToken(ctx context.Context, identifier string, capacity int64, refillInterval, ttl time.Duration, now time.Time) (TokenTake, error) {
	result, err := s.client.Eval(ctx, tokenBucketScript,
		[]string{bucketTokensKey(identifier), bucketRefillKey(identifier)},
		capacity,
		refillInterval.Milliseconds(),
		now.UnixMilli(),
		int64(ttl.Seconds()),
	)
	if err != nil {
		return TokenTake{}, fmt.Errorf("%w: token bucket eval: %v", ErrStoreUnavailable, err)
	}

	allowed, remaining, err := parsePair(result)
	if err != nil {
		return TokenTake{}, fmt.Errorf("token bucket script: %w", err)
	}
	return TokenTake{Allowed: allowed == 1, Remaining: remaining}, nil
}

func (s *RedisCounterStore) TakeWindowSlot(ctx context.Context, identifier string, limit int64, window time.Duration, now time.Time) (bool, int64, error) {
	result, err := s.client.Eval(ctx, slidingWindowScript,
		[]string{slidingKey(identifier, window)},
		limit,
		int64(window.Seconds()),
		now.Unix(),
		uuid.NewString(),
	)
	if err != nil {
		return false, 0, fmt.Errorf("%w: sliding window eval: %v", ErrStoreUnavailable, err)
	}

	allowed, count, err := parsePair(result)
	if err != nil {
		return false, 0, fmt.Errorf("sliding window script: %w", err)
	}
	return allowed == 1, count, nil
}

func (s *RedisCounterStore) BucketTokens(ctx context.Context, identifier string) (int64, bool, error) {
	val, ok, err := s.client.Get(ctx, bucketTokensKey(identifier))
	if err != nil {
		return 0, false, fmt.Errorf("%w: get tokens: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return 0, false, nil
	}

	tokens, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid token count %q: %w", val, err)
	}
	return tokens, true, nil
}

func (s *RedisCounterStore) LastRefill(ctx context.Context, identifier string) (time.Time, bool, error) {
	val, ok, err := s.client.Get(ctx, bucketRefillKey(identifier))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: get last refill: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}

	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid refill timestamp %q: %w", val, err)
	}
	return time.UnixMilli(millis), true, nil
}

func (s *RedisCounterStore) WindowCount(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	count, err := s.client.ZCard(ctx, slidingKey(identifier, window))
	if err != nil {
		return 0, fmt.Errorf("%w: window count: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func (s *RedisCounterStore) ResetBucket(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, bucketTokensKey(identifier), bucketRefillKey(identifier)); err != nil {
		return fmt.Errorf("%w: reset bucket: %v", ErrStoreUnavailable, err)
	}

	pattern := slidingPrefix + identifier + ":*"
	err := s.client.ScanKeys(ctx, pattern, 100, func(keys []string) error {
		return s.client.Del(ctx, keys...)
	})
	if err != nil {
		return fmt.Errorf("%w: reset windows: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisCounterStore) IncrementViolations(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	result, err := s.client.Eval(ctx, violationScript,
		[]string{violationKey(identifier)},
		int64(window.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: violation eval: %v", ErrStoreUnavailable, err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("violation script: unexpected result %T", result)
	}
	return count, nil
}

func (s *RedisCounterStore) ViolationCount(ctx context.Context, identifier string) (int64, error) {
	val, ok, err := s.client.Get(ctx, violationKey(identifier))
	if err != nil {
		return 0, fmt.Errorf("%w: get violations: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return 0, nil
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid violation count %q: %w", val, err)
	}
	return count, nil
}

func (s *RedisCounterStore) ApplyBan(ctx context.Context, identifier string, duration time.Duration) error {
	if err := s.client.Set(ctx, banKey(identifier), "1", duration); err != nil {
		return fmt.Errorf("%w: apply ban: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisCounterStore) IsBanned(ctx context.Context, identifier string) (bool, error) {
	banned, err := s.client.Exists(ctx, banKey(identifier))
	if err != nil {
		return false, fmt.Errorf("%w: ban check: %v", ErrStoreUnavailable, err)
	}
	return banned, nil
}

func (s *RedisCounterStore) BanTTL(ctx context.Context, identifier string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, banKey(identifier))
	if err != nil {
		return 0, fmt.Errorf("%w: ban ttl: %v", ErrStoreUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisCounterStore) ClearIdentifier(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, banKey(identifier), violationKey(identifier)); err != nil {
		return fmt.Errorf("%w: clear identifier: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisCounterStore) ClearAll(ctx context.Context) (int64, int64, error) {
	bans, err := s.deleteMatching(ctx, banPrefix+"*")
	if err != nil {
		return 0, 0, err
	}

	violations, err := s.deleteMatching(ctx, violationPrefix+"*")
	if err != nil {
		return bans, 0, err
	}
	return bans, violations, nil
}

func (s *RedisCounterStore) deleteMatching(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	err := s.client.ScanKeys(ctx, pattern, 100, func(keys []string) error {
		if err := s.client.Del(ctx, keys...); err != nil {
			return err
		}
		deleted += int64(len(keys))
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("%w: clear %q: %v", ErrStoreUnavailable, pattern, err)
	}
	return deleted, nil
}

func parsePair(result interface{}) (int64, int64, error) {
	slice, ok := result.([]interface{})
	if !ok || len(slice) != 2 {
		return 0, 0, fmt.Errorf("unexpected result format: %T", result)
	}

	first, ok1 := slice[0].(int64)
	second, ok2 := slice[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected result elements: %T, %T", slice[0], slice[1])
	}
	return first, second, nil
}
