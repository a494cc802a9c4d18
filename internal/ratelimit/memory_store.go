package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memBucket struct {
	tokens     int64
	lastRefill time.Time
	expiresAt  time.Time
}

type memWindow struct {
	window  time.Duration
	entries []time.Time
}

type memViolations struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore implements CounterStore with a single process-wide lock.
// It mirrors the Redis semantics exactly, including lazy TTL expiry, and backs
// tests plus the redis-less development mode.
type MemoryCounterStore struct {
	mu         sync.Mutex
	buckets    map[string]*memBucket
	windows    map[string]*memWindow
	violations map[string]*memViolations
	bans       map[string]time.Time

	// clock is consulted for TTL checks on read paths that carry no
	// caller-supplied timestamp; overridable in tests.
	clock func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		buckets:    make(map[string]*memBucket),
		windows:    make(map[string]*memWindow),
		violations: make(map[string]*memViolations),
		bans:       make(map[string]time.Time),
		clock:      time.Now,
	}
}

// SetClock replaces the store's clock. Test hook.
func (s *MemoryCounterStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryCounterStore) TakeToken(_ context.Context, identifier string, capacity int64, refillInterval, ttl time.Duration, now time.Time) (TokenTake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[identifier]
	if ok && now.After(bucket.expiresAt) {
		delete(s.buckets, identifier)
		ok = false
	}

	if !ok {
		s.buckets[identifier] = &memBucket{
			tokens:     capacity - 1,
			lastRefill: now,
			expiresAt:  now.Add(ttl),
		}
		return TokenTake{Allowed: true, Remaining: capacity - 1}, nil
	}

	if now.Sub(bucket.lastRefill) >= refillInterval {
		bucket.tokens = capacity
		bucket.lastRefill = now
	}

	bucket.expiresAt = now.Add(ttl)

	if bucket.tokens > 0 {
		bucket.tokens--
		return TokenTake{Allowed: true, Remaining: bucket.tokens}, nil
	}
	return TokenTake{Allowed: false, Remaining: 0}, nil
}

func (s *MemoryCounterStore) TakeWindowSlot(_ context.Context, identifier string, limit int64, window time.Duration, now time.Time) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slidingKey(identifier, window)
	win, ok := s.windows[key]
	if !ok {
		win = &memWindow{window: window}
		s.windows[key] = win
	}

	win.prune(now)

	count := int64(len(win.entries))
	if count < limit {
		win.entries = append(win.entries, now)
		return true, count + 1, nil
	}
	return false, count, nil
}

func (w *memWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.entries[:0]
	for _, at := range w.entries {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	w.entries = kept
}

func (s *MemoryCounterStore) BucketTokens(_ context.Context, identifier string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.liveBucket(identifier)
	if !ok {
		return 0, false, nil
	}
	return bucket.tokens, true, nil
}

func (s *MemoryCounterStore) LastRefill(_ context.Context, identifier string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.liveBucket(identifier)
	if !ok {
		return time.Time{}, false, nil
	}
	return bucket.lastRefill, true, nil
}

func (s *MemoryCounterStore) liveBucket(identifier string) (*memBucket, bool) {
	bucket, ok := s.buckets[identifier]
	if !ok {
		return nil, false
	}
	if s.clock().After(bucket.expiresAt) {
		delete(s.buckets, identifier)
		return nil, false
	}
	return bucket, true
}

func (s *MemoryCounterStore) WindowCount(_ context.Context, identifier string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	win, ok := s.windows[slidingKey(identifier, window)]
	if !ok {
		return 0, nil
	}
	win.prune(s.clock())
	return int64(len(win.entries)), nil
}

func (s *MemoryCounterStore) ResetBucket(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, identifier)
	prefix := slidingPrefix + identifier + ":"
	for key := range s.windows {
		if strings.HasPrefix(key, prefix) {
			delete(s.windows, key)
		}
	}
	return nil
}

func (s *MemoryCounterStore) IncrementViolations(_ context.Context, identifier string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	record, ok := s.violations[identifier]
	if ok && now.After(record.expiresAt) {
		ok = false
	}

	if !ok {
		// window fixed at the first violation, later ones never extend it
		s.violations[identifier] = &memViolations{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	record.count++
	return record.count, nil
}

func (s *MemoryCounterStore) ViolationCount(_ context.Context, identifier string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.violations[identifier]
	if !ok || s.clock().After(record.expiresAt) {
		return 0, nil
	}
	return record.count, nil
}

func (s *MemoryCounterStore) ApplyBan(_ context.Context, identifier string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bans[identifier] = s.clock().Add(duration)
	return nil
}

func (s *MemoryCounterStore) IsBanned(_ context.Context, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.bans[identifier]
	if !ok {
		return false, nil
	}
	if s.clock().After(expiry) {
		delete(s.bans, identifier)
		return false, nil
	}
	return true, nil
}

func (s *MemoryCounterStore) BanTTL(_ context.Context, identifier string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.bans[identifier]
	if !ok {
		return 0, nil
	}
	remaining := expiry.Sub(s.clock())
	if remaining < 0 {
		delete(s.bans, identifier)
		return 0, nil
	}
	return remaining, nil
}

func (s *MemoryCounterStore) ClearIdentifier(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bans, identifier)
	delete(s.violations, identifier)
	return nil
}

func (s *MemoryCounterStore) ClearAll(_ context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bans := int64(len(s.bans))
	violations := int64(len(s.violations))
	s.bans = make(map[string]time.Time)
	s.violations = make(map[string]*memViolations)
	return bans, violations, nil
}
