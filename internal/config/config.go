package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  string `env:"SERVER_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Postgres
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"smsleopard"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxOpen  int    `env:"DB_MAX_OPEN" envDefault:"20"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"smsleopard"`

	// RabbitMQ. An empty URL disables the broker.
	RabbitMQURL        string `env:"RABBITMQ_URL" envDefault:""`
	StartQueue         string `env:"RABBITMQ_START_QUEUE" envDefault:"campaign.start"`
	EventsQueue        string `env:"RABBITMQ_EVENTS_QUEUE" envDefault:"dispatch.events"`
	RabbitMQMaxRetries int    `env:"RABBITMQ_MAX_RETRIES" envDefault:"3"`

	// memory or postgres; holds campaigns, jobs and suppressions
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	// memory, postgres or redis
	BlacklistBackend string `env:"BLACKLIST_BACKEND" envDefault:"memory"`
	// memory or postgres
	DirectoryBackend string `env:"DIRECTORY_BACKEND" envDefault:"memory"`

	// Gateway
	GatewayName             string        `env:"GATEWAY_NAME" envDefault:"simulator"`
	GatewaySenderID         string        `env:"GATEWAY_SENDER_ID" envDefault:"SMSLEOPARD"`
	GatewayMaxBatchSize     int           `env:"GATEWAY_MAX_BATCH_SIZE" envDefault:"100"`
	GatewayMaxRatePerWindow int           `env:"GATEWAY_MAX_RATE_PER_WINDOW" envDefault:"500"`
	GatewayRateWindow       time.Duration `env:"GATEWAY_RATE_WINDOW" envDefault:"1s"`
	GatewaySubmitTimeout    time.Duration `env:"GATEWAY_SUBMIT_TIMEOUT" envDefault:"30s"`
	GatewaySuccessRate      float64       `env:"GATEWAY_SUCCESS_RATE" envDefault:"0.95"`
	GatewayDeliveryRate     float64       `env:"GATEWAY_DELIVERY_RATE" envDefault:"0.9"`
	GatewayCostPerMessage   float64       `env:"GATEWAY_COST_PER_MESSAGE" envDefault:"0.8"`

	// Retry policy
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoffBase  time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"2s"`
	RetryBackoffMax   time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"5m"`
	BatchRequeueDelay time.Duration `env:"BATCH_REQUEUE_DELAY" envDefault:"10s"`

	// In-process batch queue; a batch that exhausts its retries goes back to its run.
	BatchMaxRetries int           `env:"BATCH_MAX_RETRIES" envDefault:"2"`
	BatchRetryDelay time.Duration `env:"BATCH_RETRY_DELAY" envDefault:"500ms"`

	// A/B testing
	ABMinSampleSize  int           `env:"AB_MIN_SAMPLE_SIZE" envDefault:"100"`
	ABConfidence     float64       `env:"AB_CONFIDENCE" envDefault:"0.95"`
	ABTestingTimeout time.Duration `env:"AB_TESTING_TIMEOUT" envDefault:"2h"`

	DefaultCountryCode int `env:"DEFAULT_COUNTRY_CODE" envDefault:"254"`

	DispatchWorkers int           `env:"DISPATCH_WORKERS" envDefault:"4"`
	RunnerTick      time.Duration `env:"RUNNER_TICK" envDefault:"500ms"`
	// How long finished campaigns stay in memory. 0 keeps them until exit.
	RunRetention    time.Duration `env:"RUN_RETENTION" envDefault:"1h"`
	PollSchedule    string        `env:"POLL_SCHEDULE" envDefault:"@every 10s"`

	SnowflakeNode int64 `env:"SNOWFLAKE_NODE" envDefault:"1"`

	LoggerLevel  string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("WARN: no .env file found, relying on OS environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GatewayMaxBatchSize < 1 {
		return fmt.Errorf("GATEWAY_MAX_BATCH_SIZE must be positive")
	}
	if c.GatewayMaxRatePerWindow < 1 || c.GatewayRateWindow <= 0 {
		return fmt.Errorf("GATEWAY_MAX_RATE_PER_WINDOW and GATEWAY_RATE_WINDOW must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.ABConfidence <= 0 || c.ABConfidence >= 1 {
		return fmt.Errorf("AB_CONFIDENCE must be in (0,1)")
	}
	if c.BatchMaxRetries < 0 || c.BatchRetryDelay < 0 {
		return fmt.Errorf("BATCH_MAX_RETRIES and BATCH_RETRY_DELAY cannot be negative")
	}
	if c.RunRetention < 0 {
		return fmt.Errorf("RUN_RETENTION cannot be negative")
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive")
	}
	switch c.BlacklistBackend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("unknown BLACKLIST_BACKEND %q", c.BlacklistBackend)
	}
	for name, v := range map[string]string{"STORE_BACKEND": c.StoreBackend, "DIRECTORY_BACKEND": c.DirectoryBackend} {
		if v != "memory" && v != "postgres" {
			return fmt.Errorf("unknown %s %q", name, v)
		}
	}
	return nil
}

// UsesPostgres reports whether any backend needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.StoreBackend == "postgres" || c.BlacklistBackend == "postgres" || c.DirectoryBackend == "postgres"
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
