package usage

import (
	"context"
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"api-guardian/internal/util"
)

// Counters is one credential's accumulated usage delta.
type Counters struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	LastUsedAt         time.Time
}

// Store persists usage counters. AddUsageCounters must be additive so that
// flushes from independent replicas never clobber each other.
type Store interface {
	AddUsageCounters(ctx context.Context, credentialID string, delta Counters) error
	FindUsageCounters(ctx context.Context, credentialID string) (Counters, error)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Counters
}

// Aggregator batches per-credential usage counters in memory and flushes them
// to the store either when a credential crosses the batch threshold or on the
// periodic sweep, whichever comes first. A flushed entry is removed entirely;
// the next increment starts fresh.
//
// Credentials are partitioned across shards so concurrent requests rarely
// contend on the same lock. Increment and flush-then-clear for a given
// credential always run under that credential's shard lock, which keeps
// flushes of one credential serialized.
//
// A failed flush is logged and the delta is discarded: this is an analytics
// path, not a billing ledger.
type Aggregator struct {
	store      Store
	batchSize  int64
	shards     []*shard
	hasherPool sync.Pool
}

func NewAggregator(store Store, batchSize, shardCount int) *Aggregator {
	if batchSize <= 0 {
		batchSize = 100
	}
	if shardCount <= 0 {
		shardCount = 64
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Counters)}
	}

	return &Aggregator{
		store:     store,
		batchSize: int64(batchSize),
		shards:    shards,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

func (a *Aggregator) shardFor(credentialID string) *shard {
	hasher := a.hasherPool.Get().(hash.Hash64)
	hasher.Reset()
	_, _ = hasher.Write([]byte(credentialID))
	sum := hasher.Sum64()
	a.hasherPool.Put(hasher)

	return a.shards[sum%uint64(len(a.shards))]
}

// RecordUsage counts one admitted credential-based request. Concurrent calls
// for the same credential never lose increments.
func (a *Aggregator) RecordUsage(ctx context.Context, credentialID string, success bool, at time.Time) {
	s := a.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[credentialID]
	if !ok {
		entry = &Counters{}
		s.entries[credentialID] = entry
	}

	entry.TotalRequests++
	if success {
		entry.SuccessfulRequests++
	} else {
		entry.FailedRequests++
	}
	entry.LastUsedAt = at

	if entry.TotalRequests%a.batchSize == 0 {
		delta := *entry
		delete(s.entries, credentialID)
		a.flush(ctx, credentialID, delta)
	}
}

// flush writes one delta. Callers hold the credential's shard lock; the entry
// was already removed, so the delta is lost if the write fails.
func (a *Aggregator) flush(ctx context.Context, credentialID string, delta Counters) {
	if err := a.store.AddUsageCounters(ctx, credentialID, delta); err != nil {
		util.Error("failed to flush usage counters, discarding batch",
			zap.String("credential_id", credentialID),
			zap.Int64("total_requests", delta.TotalRequests),
			zap.Error(err))
		return
	}

	util.Debug("flushed usage counters",
		zap.String("credential_id", credentialID),
		zap.Int64("total_requests", delta.TotalRequests))
}

// Sweep flushes every outstanding accumulator regardless of size, giving
// low-traffic credentials eventual consistency.
func (a *Aggregator) Sweep(ctx context.Context) {
	var flushed int
	for _, s := range a.shards {
		s.mu.Lock()
		for credentialID, entry := range s.entries {
			delta := *entry
			delete(s.entries, credentialID)
			a.flush(ctx, credentialID, delta)
			flushed++
		}
		s.mu.Unlock()
	}

	if flushed > 0 {
		util.Info("usage sweep complete", zap.Int("credentials", flushed))
	}
}

// Pending reports the unflushed counters for one credential. Diagnostic.
func (a *Aggregator) Pending(credentialID string) (Counters, bool) {
	s := a.shardFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[credentialID]
	if !ok {
		return Counters{}, false
	}
	return *entry, true
}

// Run sweeps on the given cadence until ctx is cancelled, then performs a
// final sweep so shutdown does not strand accumulated counters.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Sweep(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.Sweep(flushCtx)
			cancel()
			return
		}
	}
}
