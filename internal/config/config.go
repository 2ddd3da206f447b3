package config

import (
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/processor"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/internal/services"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"github.com/nimasrn/email-gateway/pkg/redis"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every tunable of the api and processor binaries. Nothing
// else in the module reads the environment directly.
type Config struct {
	AppEnv     string `env:"APP_ENV,default=dev"`
	AppName    string `env:"APP_NAME,default=email_gateway"`
	AppBaseUrl string `env:"APP_BASE_URL,default=http://localhost:8080"`

	HttpListenAddr         string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout     time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`
	HttpServerReadTimeout  time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=5s"`
	HttpServerWriteTimeout time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=30s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=email:"`

	PromNamespace  string `env:"PROM_NAMESPACE,default=email_gateway"`
	PromListenAddr string `env:"PROM_LISTEN_ADDR,default=:9100"`

	SchedulerQueueName         string        `env:"SCHEDULER_QUEUE_NAME,default=emails"`
	SchedulerConsumerGroup     string        `env:"SCHEDULER_CONSUMER_GROUP,default=dispatchers"`
	SchedulerConsumerName      string        `env:"SCHEDULER_CONSUMER_NAME"`
	SchedulerConsumers         int           `env:"SCHEDULER_CONSUMERS,default=2"`
	SchedulerPollInterval      time.Duration `env:"SCHEDULER_POLL_INTERVAL,default=1s"`
	SchedulerVisibilityTimeout time.Duration `env:"SCHEDULER_VISIBILITY_TIMEOUT,default=2m"`
	SchedulerBatchSize         int64         `env:"SCHEDULER_BATCH_SIZE,default=50"`
	SchedulerMaxAttempts       int           `env:"SCHEDULER_MAX_ATTEMPTS,default=3"`
	SchedulerBackoffBase       time.Duration `env:"SCHEDULER_BACKOFF_BASE,default=2s"`
	SchedulerCleanupInterval   time.Duration `env:"SCHEDULER_CLEANUP_INTERVAL,default=1h"`
	SchedulerDeadLetterMaxLen  int64         `env:"SCHEDULER_DLQ_MAXLEN,default=10000"`

	WorkerCount      int           `env:"WORKER_COUNT,default=20"`
	WorkerBufferSize int           `env:"WORKER_BUFFER_SIZE,default=1000"`
	DispatchTimeout  time.Duration `env:"DISPATCH_TIMEOUT,default=30s"`
	DispatchLockTTL  time.Duration `env:"DISPATCH_LOCK_TTL,default=2m"`

	ProviderDriver string `env:"PROVIDER_DRIVER,default=smtp"`
	MailFrom       string `env:"MAIL_FROM,default=no-reply@localhost"`
	MailFromName   string `env:"MAIL_FROM_NAME"`

	SmtpHost          string `env:"SMTP_HOST,default=localhost"`
	SmtpPort          int    `env:"SMTP_PORT,default=587"`
	SmtpUser          string `env:"SMTP_USER"`
	SmtpPassword      string `env:"SMTP_PASS"`
	SmtpSkipTLSVerify bool   `env:"SMTP_SKIP_TLS_VERIFY,default=false"`

	RelayPrimaryUrl   string        `env:"RELAY_PRIMARY_URL"`
	RelaySecondaryUrl string        `env:"RELAY_SECONDARY_URL"`
	RelayApiKey       string        `env:"RELAY_API_KEY"`
	RelayTimeout      time.Duration `env:"RELAY_TIMEOUT,default=10s"`

	SesRegion           string `env:"SES_REGION,default=us-east-1"`
	SesAccessKey        string `env:"SES_ACCESS_KEY"`
	SesSecretKey        string `env:"SES_SECRET_KEY"`
	SesConfigurationSet string `env:"SES_CONFIGURATION_SET"`

	BulkBatchSize     int           `env:"BULK_BATCH_SIZE,default=10"`
	BulkBatchPause    time.Duration `env:"BULK_BATCH_PAUSE,default=1s"`
	BulkMaxRecipients int           `env:"BULK_MAX_RECIPIENTS,default=1000"`

	TrackingEnabled bool `env:"TRACKING_ENABLED,default=true"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Config")
	}
	if err := c.validate(); err != nil {
		return err
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// Set replaces the global config. Used by tests and tools that build a
// Config by hand.
func Set(c *Config) {
	config = c
}

func (c *Config) validate() error {
	switch c.ProviderDriver {
	case "smtp", "relay", "ses":
	default:
		return errors.Errorf("unsupported PROVIDER_DRIVER %q", c.ProviderDriver)
	}
	if c.ProviderDriver == "relay" && c.RelayPrimaryUrl == "" {
		return errors.New("RELAY_PRIMARY_URL is required for the relay driver")
	}
	if c.SchedulerMaxAttempts < 1 {
		return errors.New("SCHEDULER_MAX_ATTEMPTS must be at least 1")
	}
	if c.BulkBatchSize < 1 {
		return errors.New("BULK_BATCH_SIZE must be at least 1")
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

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

func (c *Config) Redis(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

// Scheduler builds the scheduler config. The consumer name defaults to the
// hostname so every processor replica reads as its own consumer.
func (c *Config) Scheduler() scheduler.Config {
	name := c.SchedulerConsumerName
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}
	return scheduler.Config{
		Name:              c.SchedulerQueueName,
		ConsumerGroup:     c.SchedulerConsumerGroup,
		ConsumerName:      name,
		Consumers:         c.SchedulerConsumers,
		PollInterval:      c.SchedulerPollInterval,
		VisibilityTimeout: c.SchedulerVisibilityTimeout,
		BatchSize:         c.SchedulerBatchSize,
		MaxAttempts:       c.SchedulerMaxAttempts,
		BackoffBase:       c.SchedulerBackoffBase,
		DeadLetterMaxLen:  c.SchedulerDeadLetterMaxLen,
	}
}

func (c *Config) Gateway() gateway.Config {
	providers := []gateway.ProviderConfig{
		{Name: "primary", URL: c.RelayPrimaryUrl, Weight: 100},
	}
	if c.RelaySecondaryUrl != "" {
		providers = append(providers, gateway.ProviderConfig{Name: "secondary", URL: c.RelaySecondaryUrl, Weight: 80})
	}
	return gateway.Config{
		Driver: c.ProviderDriver,
		SMTP: gateway.SMTPConfig{
			Host:          c.SmtpHost,
			Port:          c.SmtpPort,
			Username:      c.SmtpUser,
			Password:      c.SmtpPassword,
			SkipTLSVerify: c.SmtpSkipTLSVerify,
		},
		Relay: gateway.RelayConfig{
			Providers: providers,
			APIKey:    c.RelayApiKey,
			Timeout:   c.RelayTimeout,
		},
		SES: gateway.SESConfig{
			Region:           c.SesRegion,
			AccessKey:        c.SesAccessKey,
			SecretKey:        c.SesSecretKey,
			ConfigurationSet: c.SesConfigurationSet,
		},
	}
}

func (c *Config) Dispatch() processor.EmailProcessorConfig {
	return processor.EmailProcessorConfig{
		From:            c.MailFrom,
		FromName:        c.MailFromName,
		BaseURL:         c.AppBaseUrl,
		TrackingEnabled: c.TrackingEnabled,
		Timeout:         c.DispatchTimeout,
	}
}

func (c *Config) Idempotency() processor.IdempotencyConfig {
	return processor.IdempotencyConfig{
		LockTTL: c.DispatchLockTTL,
	}
}

func (c *Config) Workers() processor.ServiceConfig {
	return processor.ServiceConfig{
		Workers:         c.WorkerCount,
		BufferSize:      c.WorkerBufferSize,
		JobTimeout:      c.SchedulerVisibilityTimeout,
		CleanupInterval: c.SchedulerCleanupInterval,
	}
}

func (c *Config) Bulk() services.BulkConfig {
	return services.BulkConfig{
		BatchSize:     c.BulkBatchSize,
		BatchPause:    c.BulkBatchPause,
		MaxRecipients: c.BulkMaxRecipients,
	}
}
