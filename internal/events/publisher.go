package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/client"
	"api-guardian/internal/config"
	"api-guardian/internal/model"
	"api-guardian/internal/util"
)

// Sink is the delivery channel behind the publisher. At-least-once; ordering
// is not guaranteed and not required since all consumers apply events
// additively.
type Sink interface {
	Emit(ctx context.Context, topic, key string, payload []byte) error
}

// KafkaSink emits through the shared Kafka producer.
type KafkaSink struct {
	producer *client.KafkaProducer
}

func NewKafkaSink(producer *client.KafkaProducer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Emit(ctx context.Context, topic, key string, payload []byte) error {
	return s.producer.ProduceMessage(ctx, topic, []byte(key), payload)
}

// DiscardSink drops every event. Used when the broker is unavailable so the
// decision path keeps working without telemetry.
type DiscardSink struct{}

func (DiscardSink) Emit(context.Context, string, string, []byte) error { return nil }

type envelope struct {
	topic   string
	key     string
	payload []byte
}

// Publisher decouples event emission from the request path: events are
// serialized at enqueue time into a bounded queue worked off by a small pool.
// When the queue is full the event is dropped and counted. Publish methods
// never block and never return errors to the caller.
type Publisher struct {
	sink    Sink
	topics  config.KafkaTopics
	queue   chan envelope
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

func NewPublisher(sink Sink, topics config.KafkaTopics, queueSize, workers int) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}

	p := &Publisher{
		sink:   sink,
		topics: topics,
		queue:  make(chan envelope, queueSize),
		done:   make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Publisher) PublishAPIRequest(event model.APIRequestEvent) {
	p.enqueue(p.topics.APIRequests, event.Identifier, event)
}

func (p *Publisher) PublishViolation(event model.RateLimitViolationEvent) {
	p.enqueue(p.topics.RateLimitViolation, event.Identifier, event)
}

func (p *Publisher) PublishBan(event model.BanEvent) {
	p.enqueue(p.topics.BanEvents, event.Identifier, event)
}

func (p *Publisher) PublishUsage(event model.APIKeyUsageEvent) {
	p.enqueue(p.topics.APIKeyUsage, event.APIKeyID, event)
}

// Dropped reports how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) enqueue(topic, key string, event interface{}) {
	select {
	case <-p.done:
		p.dropped.Add(1)
		return
	default:
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("failed to marshal event", zap.String("topic", topic), zap.Error(err))
		return
	}

	select {
	case p.queue <- envelope{topic: topic, key: key, payload: payload}:
	default:
		p.dropped.Add(1)
		util.Warn("event queue full, dropping event", zap.String("topic", topic))
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.queue:
			p.emit(env)
		case <-p.done:
			// drain whatever is already queued, then stop
			for {
				select {
				case env := <-p.queue:
					p.emit(env)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) emit(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.sink.Emit(ctx, env.topic, env.key, env.payload); err != nil {
		// telemetry loss is acceptable, the decision already happened
		util.Error("failed to publish event",
			zap.String("topic", env.topic),
			zap.Error(err))
	}
}

// Close stops accepting events and drains the queue, waiting at most grace
// before giving up on in-flight deliveries.
func (p *Publisher) Close(grace time.Duration) {
	p.once.Do(func() {
		close(p.done)

		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(grace):
			util.Warn("event publisher drain timed out",
				zap.Int("pending", len(p.queue)))
		}

		if dropped := p.dropped.Load(); dropped > 0 {
			util.Warn("events dropped during lifetime", zap.Int64("count", dropped))
		}
	})
}
