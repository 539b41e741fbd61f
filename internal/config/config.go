package config

import (
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/message-dispatcher/internal/queue"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
	"github.com/pkg/errors"
)

const (
	PacerSleep       = "sleep"
	PacerTokenBucket = "token_bucket"
)

var config *Config

// Config holds every setting of the dispatcher binaries. Nothing else reads
// the environment directly.
type Config struct {
	AppEnv  string `env:"APP_ENV,default=dev"`
	AppName string `env:"APP_NAME,default=message_dispatcher"`

	HttpListenAddr     string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=5s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST,default=localhost"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST,default=localhost"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE,default=message_dispatcher"`
	PromAddr      string `env:"PROM_ADDR,default=:9100"`

	QueueName              string        `env:"QUEUE_NAME,default=messages:delivery"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=dispatcher"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=45s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	ProcessorConsumers  int `env:"PROCESSOR_CONSUMERS,default=1"`
	ProcessorWorkers    int `env:"PROCESSOR_WORKERS,default=10"`
	ProcessorBufferSize int `env:"PROCESSOR_BUFFER_SIZE,default=100"`

	MessageRateLimit    int           `env:"MESSAGE_RATE_LIMIT,default=2"`
	MessageRateInterval time.Duration `env:"MESSAGE_RATE_INTERVAL,default=5s"`
	MessageMaxLength    int           `env:"MESSAGE_MAX_LENGTH,default=160"`

	DispatchLimit int    `env:"DISPATCH_LIMIT,default=100"`
	DispatchPacer string `env:"DISPATCH_PACER,default=sleep"`

	WebhookURL            string        `env:"WEBHOOK_URL"`
	WebhookAuthKey        string        `env:"WEBHOOK_AUTH_KEY"`
	WebhookConnectTimeout time.Duration `env:"WEBHOOK_CONNECT_TIMEOUT,default=5s"`
	WebhookTimeout        time.Duration `env:"WEBHOOK_TIMEOUT,default=10s"`

	DeliveryMaxAttempts    int           `env:"DELIVERY_MAX_ATTEMPTS,default=3"`
	DeliveryAttemptTimeout time.Duration `env:"DELIVERY_ATTEMPT_TIMEOUT,default=30s"`
	DeliveryCacheTTL       time.Duration `env:"DELIVERY_CACHE_TTL,default=24h"`
}

// Load reads an optional dotenv file, then maps the environment onto Config.
func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to configuration")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	config = c
	return nil
}

func (c *Config) Validate() error {
	if c.MessageRateLimit <= 0 {
		return errors.Errorf("MESSAGE_RATE_LIMIT must be positive, got %d", c.MessageRateLimit)
	}
	if c.MessageRateInterval < 0 {
		return errors.Errorf("MESSAGE_RATE_INTERVAL must not be negative, got %s", c.MessageRateInterval)
	}
	if c.MessageMaxLength <= 0 {
		return errors.Errorf("MESSAGE_MAX_LENGTH must be positive, got %d", c.MessageMaxLength)
	}
	if c.DeliveryMaxAttempts <= 0 {
		return errors.Errorf("DELIVERY_MAX_ATTEMPTS must be positive, got %d", c.DeliveryMaxAttempts)
	}
	if c.DispatchPacer != PacerSleep && c.DispatchPacer != PacerTokenBucket {
		return errors.Errorf("DISPATCH_PACER must be %q or %q, got %q", PacerSleep, PacerTokenBucket, c.DispatchPacer)
	}
	if c.WebhookTimeout >= c.DeliveryAttemptTimeout || c.WebhookConnectTimeout >= c.DeliveryAttemptTimeout {
		return errors.Errorf("webhook timeouts must be shorter than DELIVERY_ATTEMPT_TIMEOUT (%s)", c.DeliveryAttemptTimeout)
	}
	// a reclaimed entry must not overlap an attempt still in flight
	if c.QueueVisibilityTimeout <= c.DeliveryAttemptTimeout {
		return errors.Errorf("QUEUE_VISIBILITY_TIMEOUT must exceed DELIVERY_ATTEMPT_TIMEOUT (%s)", c.DeliveryAttemptTimeout)
	}
	return nil
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

func (c *Config) Queue() queue.QueueConfig {
	return queue.QueueConfig{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      c.QueueConsumerName,
		MaxAttempts:       c.DeliveryMaxAttempts,
		VisibilityTimeout: c.QueueVisibilityTimeout,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// ArgValue returns the value of a --name=value argument, or "".
func ArgValue(args []string, name string) string {
	prefix := "--" + name + "="
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v
		}
	}
	return ""
}

// EnvPathFromArgs returns the --env= file when it exists.
func EnvPathFromArgs(args []string) string {
	p := ArgValue(args, "env")
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		logger.Error("failed to open the passed env file", "path", p, "error", err)
		return ""
	}
	return p
}
