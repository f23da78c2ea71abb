// Package config defines the process configuration for the occasion
// scheduler. Configuration is loaded once at startup and immutable
// thereafter, following 12-Factor principles.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails the process immediately
// on startup (fail fast).
package config

import (
	"time"

	"occasion/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct shared by the scheduler and
// delivery-worker processes. Sub-components receive only the subsets they
// require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"occasion-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	AWSRegion   string `envconfig:"AWS_REGION" default:"us-east-1"`

	Database DatabaseConfig
	Broker   BrokerConfig
	Sender   SenderConfig
	Jobs     JobsConfig
	Ops      OpsConfig
}

// DatabaseConfig holds Postgres connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BrokerConfig holds the RabbitMQ connection and topology names. The
// defaults describe the durable topology declared by queue.DeclareTopology;
// overriding them is intended for test isolation, not production use.
type BrokerConfig struct {
	URL SecretString `envconfig:"AMQP_URL" validate:"required"`

	Exchange           string `envconfig:"AMQP_EXCHANGE" default:"occasions"`
	DeliveryQueue      string `envconfig:"AMQP_DELIVERY_QUEUE" default:"occasions.deliveries"`
	RetryQueue         string `envconfig:"AMQP_RETRY_QUEUE" default:"occasions.retry"`
	DeadLetterExchange string `envconfig:"AMQP_DLX" default:"occasions.dlx"`
	DeadLetterQueue    string `envconfig:"AMQP_DEAD_LETTER_QUEUE" default:"occasions.dead-letter"`

	// Prefetch bounds the in-flight deliveries per worker process
	// (backpressure; prevents one worker from starving others).
	Prefetch       int           `envconfig:"AMQP_PREFETCH" default:"8" validate:"min=1"`
	PublishTimeout time.Duration `envconfig:"AMQP_PUBLISH_TIMEOUT" default:"5s"`
	// PublishRetries is how many times the enqueue job re-attempts a failed
	// publish before leaving the row for the recovery job.
	PublishRetries int `envconfig:"AMQP_PUBLISH_RETRIES" default:"3"`
}

// SenderConfig holds the external delivery API client settings, including
// the circuit breaker tuning.
type SenderConfig struct {
	BaseURL string       `envconfig:"SENDER_BASE_URL" validate:"required,url"`
	APIKey  SecretString `envconfig:"SENDER_API_KEY"`

	Timeout   time.Duration `envconfig:"SENDER_TIMEOUT" default:"5s"`
	UserAgent string        `envconfig:"SENDER_USER_AGENT" default:"occasion-scheduler/1.0"`

	// Circuit breaker: trips when the failure ratio over the rolling
	// interval exceeds the threshold with at least MinRequests observed.
	BreakerInterval     time.Duration `envconfig:"SENDER_BREAKER_INTERVAL" default:"60s"`
	BreakerCooldown     time.Duration `envconfig:"SENDER_BREAKER_COOLDOWN" default:"30s"`
	BreakerFailureRatio float64       `envconfig:"SENDER_BREAKER_FAILURE_RATIO" default:"0.6"`
	BreakerMinRequests  uint32        `envconfig:"SENDER_BREAKER_MIN_REQUESTS" default:"10"`
	BreakerMaxHalfOpen  uint32        `envconfig:"SENDER_BREAKER_MAX_HALF_OPEN" default:"2"`
}

// JobsConfig holds the scheduling policy constants. The cron specs drive the
// periodic triggers; the job logic itself always takes "now" as an explicit
// parameter.
type JobsConfig struct {
	SendHour int `envconfig:"JOB_SEND_HOUR" default:"9" validate:"min=0,max=23"`

	PrecalcSpec  string `envconfig:"JOB_PRECALC_SPEC" default:"30 0 * * *"`
	EnqueueSpec  string `envconfig:"JOB_ENQUEUE_SPEC" default:"* * * * *"`
	RecoverySpec string `envconfig:"JOB_RECOVERY_SPEC" default:"*/5 * * * *"`

	// LookaheadWindow trades query frequency against blast radius: a
	// shorter window keeps rows fresher but queries more often; a longer
	// one queries less but re-enqueues more after a missed run.
	LookaheadWindow time.Duration `envconfig:"JOB_LOOKAHEAD_WINDOW" default:"60m"`
	StaleThreshold  time.Duration `envconfig:"JOB_STALE_THRESHOLD" default:"15m"`

	MaxRetries     int           `envconfig:"JOB_MAX_RETRIES" default:"3" validate:"min=0"`
	RetryBaseDelay time.Duration `envconfig:"JOB_RETRY_BASE_DELAY" default:"30s"`
	RetryMaxDelay  time.Duration `envconfig:"JOB_RETRY_MAX_DELAY" default:"15m"`

	PrecalcBatchSize int `envconfig:"JOB_PRECALC_BATCH_SIZE" default:"500" validate:"min=1"`
	EnqueueBatchSize int `envconfig:"JOB_ENQUEUE_BATCH_SIZE" default:"200" validate:"min=1"`

	// LockTTL bounds how long a crashed scheduler can hold a job lock.
	// Locks are an efficiency measure only; correctness rests on the
	// store's guarded transitions.
	LockTTL time.Duration `envconfig:"JOB_LOCK_TTL" default:"10m"`
}

// OpsConfig holds the operational HTTP server settings.
type OpsConfig struct {
	Port            string        `envconfig:"OPS_PORT" default:"8090"`
	ShutdownTimeout time.Duration `envconfig:"OPS_SHUTDOWN_TIMEOUT" default:"10s"`
}
