package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Scylla        ScyllaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	RateLimit     RateLimitConfig
	Usage         UsageConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers []string
	Topics  KafkaTopics

	// Consumer side
	ConsumerWorkers int
}

type KafkaTopics struct {
	APIRequests        string
	RateLimitViolation string
	APIKeyUsage        string
	BanEvents          string
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
	BanIndex   string
}

type RateLimitConfig struct {
	// FailOpen admits requests when the counter store is unreachable.
	// Fail-closed rejects them with 503.
	FailOpen bool

	BucketTTL        time.Duration
	ViolationWindow  time.Duration
	StoreTimeout     time.Duration
	PublishQueueSize int
	PublishWorkers   int
}

type UsageConfig struct {
	BatchSize     int
	SweepInterval time.Duration
	Shards        int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig reads configuration from the environment, loading a .env file
// first when present. Invalid values are a startup failure, never per-request.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		cfg := &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Brokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topics: KafkaTopics{
					APIRequests:        getEnv("KAFKA_TOPIC_API_REQUESTS", "api-requests"),
					RateLimitViolation: getEnv("KAFKA_TOPIC_VIOLATIONS", "rate-limit-violations"),
					APIKeyUsage:        getEnv("KAFKA_TOPIC_API_KEY_USAGE", "api-key-usage"),
					BanEvents:          getEnv("KAFKA_TOPIC_BAN_EVENTS", "ban-events"),
				},
				ConsumerWorkers: getEnvInt("KAFKA_CONSUMER_WORKERS", 2),
			},
			Scylla: ScyllaConfig{
				Hosts:    getEnvSlice("SCYLLA_HOSTS", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "api_guardian"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: getEnv("CLICKHOUSE_DATABASE", "api_guardian"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "audit-logs"),
				BanIndex:   getEnv("ELASTICSEARCH_BAN_INDEX", "ban-incidents"),
			},
			RateLimit: RateLimitConfig{
				FailOpen:         getEnvBool("RATE_LIMIT_FAIL_OPEN", true),
				BucketTTL:        getEnvDuration("RATE_LIMIT_BUCKET_TTL", time.Hour),
				ViolationWindow:  getEnvDuration("RATE_LIMIT_VIOLATION_WINDOW", 5*time.Minute),
				StoreTimeout:     getEnvDuration("RATE_LIMIT_STORE_TIMEOUT", 2*time.Second),
				PublishQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 4096),
				PublishWorkers:   getEnvInt("EVENT_PUBLISH_WORKERS", 4),
			},
			Usage: UsageConfig{
				BatchSize:     getEnvInt("USAGE_BATCH_SIZE", 100),
				SweepInterval: getEnvDuration("USAGE_SWEEP_INTERVAL", 5*time.Minute),
				Shards:        getEnvInt("USAGE_SHARDS", 64),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}

		if err := cfg.Validate(); err != nil {
			panic("invalid configuration: " + err.Error())
		}

		globalConfig = cfg
	})

	return globalConfig
}

// Get returns the loaded configuration.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	if c.RateLimit.StoreTimeout <= 0 {
		return fmt.Errorf("rate limit store timeout must be positive")
	}
	if c.RateLimit.ViolationWindow <= 0 {
		return fmt.Errorf("violation window must be positive")
	}
	if c.Usage.BatchSize <= 0 {
		return fmt.Errorf("usage batch size must be positive")
	}
	if c.Usage.Shards <= 0 {
		return fmt.Errorf("usage shard count must be positive")
	}
	if c.Usage.SweepInterval <= 0 {
		return fmt.Errorf("usage sweep interval must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("invalid integer for %s: %q", key, value))
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		panic(fmt.Sprintf("invalid boolean for %s: %q", key, value))
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("invalid duration for %s: %q", key, value))
	}
	return parsed
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
