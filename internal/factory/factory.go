package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/admission"
	"api-guardian/internal/audit"
	"api-guardian/internal/client"
	"api-guardian/internal/config"
	"api-guardian/internal/events"
	"api-guardian/internal/handler"
	"api-guardian/internal/ratelimit"
	"api-guardian/internal/repository/clickhouse"
	"api-guardian/internal/repository/scylla"
	"api-guardian/internal/security"
	"api-guardian/internal/usage"
	"api-guardian/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Domain components
	counterStore  ratelimit.CounterStore
	limiter       *ratelimit.Limiter
	detector      *ratelimit.AbuseDetector
	publisher     *events.Publisher
	aggregator    *usage.Aggregator
	apiKeyRepo    *scylla.APIKeyRepository
	requestLog    *clickhouse.RequestLogWriter
	auditLogger   *audit.Logger
	pipeline      *admission.Pipeline
	authenticator *security.APIKeyAuthenticator
	consumers     *events.ConsumerGroup

	kafkaReaders []*client.KafkaConsumer

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	util.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.Bool("fail_open", cfg.RateLimit.FailOpen),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks.
// In development a missing backend is a warning; in production it is fatal.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis holds the authoritative counters; without it only the in-memory
	// store remains.
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is the telemetry path; the decision path works without it.
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// ==============================
// Domain Components
// ==============================

// CounterStore returns the shared counter store. Redis when available,
// otherwise the in-memory store for local development.
func (f *Factory) CounterStore() ratelimit.CounterStore {
	if f.counterStore == nil {
		if f.redisClient != nil {
			f.counterStore = ratelimit.NewRedisCounterStore(f.redisClient)
		} else {
			util.Warn("Redis unavailable, using in-memory counter store")
			f.counterStore = ratelimit.NewMemoryCounterStore()
		}
	}
	return f.counterStore
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	if f.limiter == nil {
		f.limiter = ratelimit.NewLimiter(f.CounterStore(), f.config.RateLimit.BucketTTL)
	}
	return f.limiter
}

func (f *Factory) AbuseDetector() *ratelimit.AbuseDetector {
	if f.detector == nil {
		f.detector = ratelimit.NewAbuseDetector(
			f.CounterStore(),
			f.Publisher(),
			f.config.RateLimit.ViolationWindow,
		)
	}
	return f.detector
}

func (f *Factory) Publisher() *events.Publisher {
	if f.publisher == nil {
		var sink events.Sink
		if f.kafkaProducer != nil {
			sink = events.NewKafkaSink(f.kafkaProducer)
		} else {
			sink = events.DiscardSink{}
		}
		f.publisher = events.NewPublisher(
			sink,
			f.config.Kafka.Topics,
			f.config.RateLimit.PublishQueueSize,
			f.config.RateLimit.PublishWorkers,
		)
	}
	return f.publisher
}

func (f *Factory) APIKeyRepository() *scylla.APIKeyRepository {
	if f.apiKeyRepo == nil {
		f.apiKeyRepo = scylla.NewAPIKeyRepository(f.scyllaClient)
	}
	return f.apiKeyRepo
}

func (f *Factory) Aggregator() *usage.Aggregator {
	if f.aggregator == nil {
		f.aggregator = usage.NewAggregator(
			f.APIKeyRepository(),
			f.config.Usage.BatchSize,
			f.config.Usage.Shards,
		)
	}
	return f.aggregator
}

func (f *Factory) RequestLogWriter() *clickhouse.RequestLogWriter {
	if f.requestLog == nil {
		f.requestLog = clickhouse.NewRequestLogWriter(f.clickhouseClient, 500)
	}
	return f.requestLog
}

func (f *Factory) AuditLogger() *audit.Logger {
	if f.auditLogger == nil {
		var indexer audit.Indexer
		if f.esClient != nil {
			indexer = f.esClient
		}
		f.auditLogger = audit.NewLogger(indexer, f.config.Elasticsearch.AuditIndex, 1024)
	}
	return f.auditLogger
}

func (f *Factory) Pipeline() *admission.Pipeline {
	if f.pipeline == nil {
		f.pipeline = admission.NewPipeline(
			f.Limiter(),
			f.AbuseDetector(),
			f.Publisher(),
			f.AuditLogger(),
			admission.ContextResolver{},
			admission.Options{
				FailOpen:     f.config.RateLimit.FailOpen,
				StoreTimeout: f.config.RateLimit.StoreTimeout,
			},
		)
	}
	return f.pipeline
}

func (f *Factory) Authenticator() *security.APIKeyAuthenticator {
	if f.authenticator == nil {
		f.authenticator = security.NewAPIKeyAuthenticator(f.APIKeyRepository())
	}
	return f.authenticator
}

// Consumers wires the telemetry consumers for whichever downstream stores are
// available. Nil when Kafka itself is unavailable.
func (f *Factory) Consumers() *events.ConsumerGroup {
	if f.consumers == nil && f.kafkaProducer != nil {
		workers := f.config.Kafka.ConsumerWorkers
		topics := f.config.Kafka.Topics
		var consumers []*events.Consumer

		if f.scyllaClient != nil {
			reader := client.NewKafkaConsumer(f.config, topics.APIKeyUsage, "api-guardian-usage")
			f.kafkaReaders = append(f.kafkaReaders, reader)
			consumers = append(consumers,
				events.NewConsumer("usage", reader, events.UsageHandler(f.Aggregator()), workers))
		}
		if f.clickhouseClient != nil {
			reader := client.NewKafkaConsumer(f.config, topics.APIRequests, "api-guardian-analytics")
			f.kafkaReaders = append(f.kafkaReaders, reader)
			consumers = append(consumers,
				events.NewConsumer("request-log", reader, events.RequestLogHandler(f.RequestLogWriter()), workers))
		}
		if f.esClient != nil {
			reader := client.NewKafkaConsumer(f.config, topics.BanEvents, "api-guardian-incidents")
			f.kafkaReaders = append(f.kafkaReaders, reader)
			consumers = append(consumers,
				events.NewConsumer("ban-incidents", reader, events.BanIncidentHandler(f.esClient, f.config.Elasticsearch.BanIndex), 1))
		}

		if len(consumers) > 0 {
			f.consumers = events.NewConsumerGroup(consumers...)
		}
	}
	return f.consumers
}

func (f *Factory) AdminHandler() *handler.AdminHandler {
	return handler.NewAdminHandler(f.Limiter(), f.AbuseDetector(), f.Aggregator(), f.APIKeyRepository())
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy reports whether the decision path is serviceable. Kafka is
// telemetry only, so its failure never fails readiness.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Stop accepting telemetry first, then drain downstream writers.
		if f.publisher != nil {
			f.publisher.Close(5 * time.Second)
			util.Info("Event publisher drained")
		}

		for _, reader := range f.kafkaReaders {
			if err := reader.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.auditLogger != nil {
			f.auditLogger.Close()
			util.Info("Audit logger drained")
		}

		if f.requestLog != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.requestLog.Flush(flushCtx); err != nil {
				util.Error("Failed to flush request log", util.ErrorField(err))
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}
