package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"api-guardian/internal/model"
	"api-guardian/internal/repository/clickhouse"
	"api-guardian/internal/usage"
	"api-guardian/internal/util"
)

// Handler processes one consumed message. A returned error is logged and the
// message is skipped; consumption never stalls on a poison message.
type Handler func(ctx context.Context, key, value []byte) error

// MessageSource abstracts a Kafka reader bound to one topic.
type MessageSource interface {
	ConsumeMessage(ctx context.Context) (*kafka.Message, error)
}

// Consumer drains one topic with a fixed pool of workers.
type Consumer struct {
	name    string
	source  MessageSource
	handler Handler
	workers int
}

func NewConsumer(name string, source MessageSource, handler Handler, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		name:    name,
		source:  source,
		handler: handler,
		workers: workers,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and an
// error only if the source fails permanently.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			return c.loop(ctx)
		})
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		msg, err := c.source.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			util.Warn("consumer read failed",
				zap.String("consumer", c.name),
				zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			util.Error("consumer handler failed, skipping message",
				zap.String("consumer", c.name),
				zap.ByteString("key", msg.Key),
				zap.Error(err))
		}
	}
}

// ConsumerGroup runs several consumers and stops them together.
type ConsumerGroup struct {
	consumers []*Consumer
}

func NewConsumerGroup(consumers ...*Consumer) *ConsumerGroup {
	return &ConsumerGroup{consumers: consumers}
}

func (g *ConsumerGroup) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.consumers {
		c := c
		eg.Go(func() error {
			return c.Run(ctx)
		})
	}
	return eg.Wait()
}

// UsageHandler feeds API key usage events into the aggregator.
func UsageHandler(agg *usage.Aggregator) Handler {
	return func(ctx context.Context, _, value []byte) error {
		var event model.APIKeyUsageEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		at := event.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		agg.RecordUsage(ctx, event.APIKeyID, event.Success, at)
		return nil
	}
}

// RequestLogHandler appends request events to the analytics batch writer.
func RequestLogHandler(writer *clickhouse.RequestLogWriter) Handler {
	return func(ctx context.Context, _, value []byte) error {
		var event model.APIRequestEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		return writer.Append(ctx, event)
	}
}

// Indexer indexes one document. Satisfied by the Elasticsearch client.
type Indexer interface {
	Index(ctx context.Context, index string, document []byte) error
}

// BanIncidentHandler indexes ban events as searchable incidents.
func BanIncidentHandler(indexer Indexer, index string) Handler {
	return func(ctx context.Context, _, value []byte) error {
		var event model.BanEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		return indexer.Index(ctx, index, value)
	}
}
