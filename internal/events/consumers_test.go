package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"api-guardian/internal/model"
	"api-guardian/internal/usage"
)

type channelSource struct {
	messages chan kafka.Message
}

func (s *channelSource) ConsumeMessage(ctx context.Context) (*kafka.Message, error) {
	select {
	case msg, ok := <-s.messages:
		if !ok {
			return nil, io.EOF
		}
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryUsageStore struct {
	mu     sync.Mutex
	totals map[string]usage.Counters
}

func (s *memoryUsageStore) AddUsageCounters(_ context.Context, credentialID string, delta usage.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.totals[credentialID]
	total.TotalRequests += delta.TotalRequests
	total.SuccessfulRequests += delta.SuccessfulRequests
	total.FailedRequests += delta.FailedRequests
	s.totals[credentialID] = total
	return nil
}

func (s *memoryUsageStore) FindUsageCounters(_ context.Context, credentialID string) (usage.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[credentialID], nil
}

func TestConsumerFeedsUsageAggregator(t *testing.T) {
	t.Parallel()

	store := &memoryUsageStore{totals: make(map[string]usage.Counters)}
	agg := usage.NewAggregator(store, 100, 4)
	source := &channelSource{messages: make(chan kafka.Message, 8)}
	consumer := NewConsumer("usage", source, UsageHandler(agg), 1)

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(model.APIKeyUsageEvent{
			APIKeyID:  "key-1",
			Success:   i != 0,
			Timestamp: time.Now(),
		})
		source.messages <- kafka.Message{Value: payload}
	}
	close(source.messages)

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pending, ok := agg.Pending("key-1")
	if !ok {
		t.Fatal("no pending counters after consuming usage events")
	}
	if pending.TotalRequests != 3 || pending.SuccessfulRequests != 2 || pending.FailedRequests != 1 {
		t.Fatalf("pending = %+v, want total 3, success 2, failed 1", pending)
	}
}

func TestConsumerSkipsMalformedMessages(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var handled int
	handler := func(_ context.Context, _, value []byte) error {
		var event model.APIKeyUsageEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}

	source := &channelSource{messages: make(chan kafka.Message, 8)}
	consumer := NewConsumer("usage", source, handler, 1)

	good, _ := json.Marshal(model.APIKeyUsageEvent{APIKeyID: "key-1"})
	source.messages <- kafka.Message{Value: []byte("not json")}
	source.messages <- kafka.Message{Value: good}
	close(source.messages)

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Fatalf("handled %d messages, want 1 (malformed skipped)", handled)
	}
}

func TestConsumerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	source := &channelSource{messages: make(chan kafka.Message)}
	consumer := NewConsumer("idle", source, func(context.Context, []byte, []byte) error {
		return nil
	}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}

type captureIndexer struct {
	mu        sync.Mutex
	documents []string
	indexes   []string
}

func (c *captureIndexer) Index(_ context.Context, index string, document []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = append(c.indexes, index)
	c.documents = append(c.documents, string(document))
	return nil
}

func TestBanIncidentHandlerIndexesEvent(t *testing.T) {
	t.Parallel()

	indexer := &captureIndexer{}
	handler := BanIncidentHandler(indexer, "ban-incidents")

	payload, _ := json.Marshal(model.BanEvent{
		Identifier:         "IP:1.2.3.4",
		Reason:             "Exceeded rate limit 3 times",
		BanDurationSeconds: 60,
	})
	if err := handler(context.Background(), nil, payload); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(indexer.documents) != 1 {
		t.Fatalf("indexed %d documents, want 1", len(indexer.documents))
	}
	if indexer.indexes[0] != "ban-incidents" {
		t.Fatalf("index = %q, want ban-incidents", indexer.indexes[0])
	}

	if err := handler(context.Background(), nil, []byte("garbage")); err == nil {
		t.Fatal("malformed ban event accepted")
	}
}
