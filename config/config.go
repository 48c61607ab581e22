package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

const (
	ModeListener    = "listener"
	ModeBroadcaster = "broadcaster"

	TransportPubsub = "pubsub"
	TransportKafka  = "kafka"
)

var config *Config

// Config hold entire app configuration seetings. All value are read from environment variables
type Config struct {
	Mode        string `env:"APP_MODE" env-default:"listener"`
	Port        string `env:"PORT" env-default:"8080"`
	LogLevel    string `env:"LOG_LEVEL"`
	TraceSample string `env:"TRACE_SAMPLE"`
	InstanceID  string `env:"INSTANCE_ID"`

	Transport          string   `env:"TRANSPORT" env-default:"pubsub"`
	PubsubProject      string   `env:"PUBSUB_PROJECT"`
	PubsubHost         string   `env:"PUBSUB_HOST"`
	PubsubTopic        string   `env:"PUBSUB_TOPIC" env-default:"events"`
	PubSubSubscription string   `env:"PUBSUB_SUBSCRIPTION"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaTopic         string   `env:"KAFKA_TOPIC" env-default:"events"`
	KafkaGroupPrefix   string   `env:"KAFKA_GROUP_PREFIX" env-default:"listener"`
	MaxConcurrency     int      `env:"MAX_CONCURRENCY" env-default:"16"`

	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	KeyPrefix     string `env:"KEY_PREFIX"`
	PostgresURL   string `env:"POSTGRES_URL"`

	LockTTL           time.Duration `env:"LOCK_TTL" env-default:"60s"`
	ProcessedTTL      time.Duration `env:"PROCESSED_TTL" env-default:"24h"`
	ReleaseOwnerCheck bool          `env:"RELEASE_OWNER_CHECK" env-default:"false"`

	WorkMinDelay    time.Duration `env:"WORK_MIN_DELAY" env-default:"50ms"`
	WorkMaxDelay    time.Duration `env:"WORK_MAX_DELAY" env-default:"200ms"`
	WorkFailureRate float64       `env:"WORK_FAILURE_RATE" env-default:"0"`

	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL" env-default:"3s"`

	BigQueryProject string `env:"BIGQUERY_PROJECT"`
	BigQueryDataset string `env:"BIGQUERY_DATASET"`
	BigQueryTable   string `env:"BIGQUERY_TABLE"`
}

// Setup read all the environment variables and validate the configuration
func Setup() error {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return errors.Wrap(err, "failed to read environment")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "listener-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	config = cfg
	return nil
}

// Validate checks the values that cannot be expressed with defaults
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeListener, ModeBroadcaster:
	default:
		return fmt.Errorf("APP_MODE must be %q or %q, got %q", ModeListener, ModeBroadcaster, c.Mode)
	}

	switch c.Transport {
	case TransportPubsub:
		if c.PubsubProject == "" && c.PubsubHost == "" {
			return errors.New("PUBSUB_PROJECT environment variable is required")
		}
		if c.PubsubTopic == "" {
			return errors.New("PUBSUB_TOPIC environment variable is required")
		}
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS environment variable is required")
		}
		if c.KafkaTopic == "" {
			return errors.New("KAFKA_TOPIC environment variable is required")
		}
	default:
		return fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportPubsub, TransportKafka, c.Transport)
	}

	if c.LockTTL <= 0 {
		return errors.New("LOCK_TTL must be positive")
	}
	if c.ProcessedTTL <= c.LockTTL {
		return errors.New("PROCESSED_TTL must be greater than LOCK_TTL")
	}
	if c.WorkMinDelay < 0 || c.WorkMaxDelay < c.WorkMinDelay {
		return errors.New("WORK_MIN_DELAY must be in range [0, WORK_MAX_DELAY]")
	}
	if c.WorkFailureRate < 0 || c.WorkFailureRate > 1 {
		return errors.New("WORK_FAILURE_RATE must be in range [0, 1]")
	}
	if c.MaxConcurrency < 1 {
		return errors.New("MAX_CONCURRENCY must be at least 1")
	}
	if c.BigQueryTable != "" && (c.BigQueryProject == "" || c.BigQueryDataset == "") {
		return errors.New("BIGQUERY_PROJECT and BIGQUERY_DATASET are required when BIGQUERY_TABLE is set")
	}
	return nil
}

// GetConfig returns the current app configuration
func GetConfig() *Config {
	return config
}
