package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"api-guardian/internal/config"
	"api-guardian/internal/model"
)

func testTopics() config.KafkaTopics {
	return config.KafkaTopics{
		APIRequests:        "api-requests",
		RateLimitViolation: "rate-limit-violations",
		APIKeyUsage:        "api-key-usage",
		BanEvents:          "ban-events",
	}
}

func TestPublisherRoutesEventsToTopics(t *testing.T) {
	t.Parallel()

	sink := NewCaptureSink()
	pub := NewPublisher(sink, testTopics(), 16, 1)

	pub.PublishAPIRequest(model.APIRequestEvent{Identifier: "IP:1.2.3.4", Decision: "ALLOW"})
	pub.PublishViolation(model.RateLimitViolationEvent{Identifier: "IP:1.2.3.4"})
	pub.PublishBan(model.BanEvent{Identifier: "IP:1.2.3.4"})
	pub.PublishUsage(model.APIKeyUsageEvent{APIKeyID: "key-1"})

	pub.Close(time.Second)

	messages := sink.Messages()
	if len(messages) != 4 {
		t.Fatalf("emitted %d messages, want 4", len(messages))
	}

	byTopic := make(map[string]CapturedMessage)
	for _, msg := range messages {
		byTopic[msg.Topic] = msg
	}
	for _, topic := range []string{"api-requests", "rate-limit-violations", "api-key-usage", "ban-events"} {
		if _, ok := byTopic[topic]; !ok {
			t.Fatalf("no message on topic %q", topic)
		}
	}

	var request model.APIRequestEvent
	if err := json.Unmarshal(byTopic["api-requests"].Payload, &request); err != nil {
		t.Fatalf("unmarshal request payload: %v", err)
	}
	if request.Decision != "ALLOW" {
		t.Fatalf("decision = %q, want ALLOW", request.Decision)
	}
	if byTopic["api-requests"].Key != "IP:1.2.3.4" {
		t.Fatalf("key = %q, want identifier", byTopic["api-requests"].Key)
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(ctx context.Context, _, _ string, _ []byte) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{release: make(chan struct{})}
	pub := NewPublisher(sink, testTopics(), 2, 1)
	defer func() {
		close(sink.release)
		pub.Close(time.Second)
	}()

	// One event occupies the worker, two fill the queue; the rest must be
	// dropped without blocking the caller.
	for i := 0; i < 10; i++ {
		pub.PublishAPIRequest(model.APIRequestEvent{Identifier: "IP:1.2.3.4"})
	}

	done := make(chan struct{})
	go func() {
		pub.PublishAPIRequest(model.APIRequestEvent{Identifier: "IP:1.2.3.4"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}

	if pub.Dropped() == 0 {
		t.Fatal("no events counted as dropped")
	}
}

func TestPublisherDrainsQueueOnClose(t *testing.T) {
	t.Parallel()

	sink := NewCaptureSink()
	pub := NewPublisher(sink, testTopics(), 64, 2)

	const events = 50
	for i := 0; i < events; i++ {
		pub.PublishUsage(model.APIKeyUsageEvent{APIKeyID: "key-1"})
	}

	pub.Close(5 * time.Second)

	if got := len(sink.Messages()); got+int(pub.Dropped()) != events {
		t.Fatalf("delivered %d + dropped %d != %d published", got, pub.Dropped(), events)
	}
	if got := len(sink.Messages()); got == 0 {
		t.Fatal("nothing delivered before close")
	}
}

func TestPublisherRejectsAfterClose(t *testing.T) {
	t.Parallel()

	sink := NewCaptureSink()
	pub := NewPublisher(sink, testTopics(), 16, 1)
	pub.Close(time.Second)

	before := len(sink.Messages())
	pub.PublishBan(model.BanEvent{Identifier: "IP:1.2.3.4"})
	time.Sleep(50 * time.Millisecond)

	if got := len(sink.Messages()); got != before {
		t.Fatalf("message delivered after close: %d -> %d", before, got)
	}
	if pub.Dropped() == 0 {
		t.Fatal("post-close publish not counted as dropped")
	}
}
