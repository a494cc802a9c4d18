package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	flushes  []Counters
	totals   map[string]Counters
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{totals: make(map[string]Counters)}
}

func (s *fakeStore) AddUsageCounters(_ context.Context, credentialID string, delta Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext {
		s.failNext = false
		return errors.New("store down")
	}

	s.flushes = append(s.flushes, delta)
	total := s.totals[credentialID]
	total.TotalRequests += delta.TotalRequests
	total.SuccessfulRequests += delta.SuccessfulRequests
	total.FailedRequests += delta.FailedRequests
	if delta.LastUsedAt.After(total.LastUsedAt) {
		total.LastUsedAt = delta.LastUsedAt
	}
	s.totals[credentialID] = total
	return nil
}

func (s *fakeStore) FindUsageCounters(_ context.Context, credentialID string) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[credentialID], nil
}

func (s *fakeStore) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushes)
}

func TestAggregatorFlushesAtBatchThreshold(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	agg := NewAggregator(store, 100, 8)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 150; i++ {
		agg.RecordUsage(ctx, "key-1", i%10 != 0, at)
	}

	// Exactly one flush at the 100th increment; the remaining 50 stay pending.
	if got := store.flushCount(); got != 1 {
		t.Fatalf("flushes = %d, want 1", got)
	}
	if store.flushes[0].TotalRequests != 100 {
		t.Fatalf("flushed total = %d, want 100", store.flushes[0].TotalRequests)
	}

	pending, ok := agg.Pending("key-1")
	if !ok {
		t.Fatal("no pending counters after partial batch")
	}
	if pending.TotalRequests != 50 {
		t.Fatalf("pending total = %d, want 50", pending.TotalRequests)
	}

	stored, _ := store.FindUsageCounters(ctx, "key-1")
	if stored.TotalRequests+pending.TotalRequests != 150 {
		t.Fatalf("stored %d + pending %d != 150", stored.TotalRequests, pending.TotalRequests)
	}
}

func TestAggregatorTracksSuccessAndFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	agg := NewAggregator(store, 100, 8)
	ctx := context.Background()
	at := time.Now()

	agg.RecordUsage(ctx, "key-1", true, at)
	agg.RecordUsage(ctx, "key-1", true, at)
	agg.RecordUsage(ctx, "key-1", false, at)

	pending, _ := agg.Pending("key-1")
	if pending.SuccessfulRequests != 2 || pending.FailedRequests != 1 {
		t.Fatalf("pending success=%d failed=%d, want 2 and 1",
			pending.SuccessfulRequests, pending.FailedRequests)
	}
}

func TestAggregatorSweepFlushesEverything(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	agg := NewAggregator(store, 100, 8)
	ctx := context.Background()
	at := time.Now()

	agg.RecordUsage(ctx, "key-1", true, at)
	agg.RecordUsage(ctx, "key-2", false, at)

	agg.Sweep(ctx)

	if _, ok := agg.Pending("key-1"); ok {
		t.Fatal("key-1 still pending after sweep")
	}
	if _, ok := agg.Pending("key-2"); ok {
		t.Fatal("key-2 still pending after sweep")
	}

	one, _ := store.FindUsageCounters(ctx, "key-1")
	two, _ := store.FindUsageCounters(ctx, "key-2")
	if one.TotalRequests != 1 || two.TotalRequests != 1 {
		t.Fatalf("stored totals = %d and %d, want 1 and 1", one.TotalRequests, two.TotalRequests)
	}
	if one.SuccessfulRequests != 1 || two.FailedRequests != 1 {
		t.Fatal("success/failure split lost in sweep")
	}
}

func TestAggregatorDiscardsFailedFlush(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	agg := NewAggregator(store, 10, 8)
	ctx := context.Background()
	at := time.Now()

	store.mu.Lock()
	store.failNext = true
	store.mu.Unlock()

	for i := 0; i < 10; i++ {
		agg.RecordUsage(ctx, "key-1", true, at)
	}

	// The batch hit a failing store and was discarded, not retried.
	if got := store.flushCount(); got != 0 {
		t.Fatalf("flushes = %d, want 0", got)
	}
	if _, ok := agg.Pending("key-1"); ok {
		t.Fatal("discarded batch still pending")
	}

	// The aggregator keeps working afterwards.
	agg.RecordUsage(ctx, "key-1", true, at)
	pending, ok := agg.Pending("key-1")
	if !ok || pending.TotalRequests != 1 {
		t.Fatalf("pending after recovery = %+v, want total 1", pending)
	}
}

func TestAggregatorConcurrentIncrementsAreLossless(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	agg := NewAggregator(store, 1000, 8)
	ctx := context.Background()
	at := time.Now()

	const (
		goroutines = 8
		perWorker  = 250
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.RecordUsage(ctx, "key-1", true, at)
			}
		}()
	}
	wg.Wait()
	agg.Sweep(ctx)

	stored, _ := store.FindUsageCounters(ctx, "key-1")
	if stored.TotalRequests != goroutines*perWorker {
		t.Fatalf("stored total = %d, want %d", stored.TotalRequests, goroutines*perWorker)
	}
}
