package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "eventbus"
	envPrefix  = "EVENTBUS"
)

// Defaults applied to zero-valued settings.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultBatchSize      = 50
	DefaultMaxRetries     = 5
	DefaultConnectRetries = 5
	DefaultRetryBackoff   = time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultPoolSize       = 4
	DefaultPrefetch       = 10
	DefaultConcurrency    = 1
	DefaultQueue          = "eventbus"
	DefaultOutboxTable    = "outbox"
	DefaultInboxTable     = "inbox"
)

type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	Broker        BrokerSettings `mapstructure:"broker"`
	Outbox        OutboxSettings `mapstructure:"outbox"`
	Inbox         InboxSettings  `mapstructure:"inbox"`
	Observability Observability  `mapstructure:"observability"` // Observability settings
}

var envKeys = []string{
	"database.type",
	"database.dsn",
	"database.uri",
	"broker.type",
	"broker.url",
	"broker.exchange",
	"broker.queue",
	"broker.project_id",
	"broker.topic",
	"broker.pool_size",
	"broker.connect_retries",
	"broker.retry_backoff",
	"broker.reconnect_delay",
	"broker.prefetch",
	"broker.concurrency",
	"outbox.table",
	"outbox.poll_interval",
	"outbox.batch_size",
	"outbox.max_retries",
	"inbox.type",
	"inbox.table",
	"inbox.uri",
	"inbox.database",
	"inbox.collection",
	"observability.service_name",
	"observability.tracing_url",
	"observability.metrics_addr",
	"observability.log_level",
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ApplyDefaults fills every unset tuning knob.
func (c *Settings) ApplyDefaults() {
	c.Outbox.ApplyDefaults()
	c.Inbox.ApplyDefaults()
	c.Broker.ApplyDefaults()
}

func (o *OutboxSettings) ApplyDefaults() {
	if o.Table == "" {
		o.Table = DefaultOutboxTable
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
}

func (i *InboxSettings) ApplyDefaults() {
	if i.Type == "" {
		i.Type = "sql"
	}
	if i.Table == "" {
		i.Table = DefaultInboxTable
	}
	if i.Collection == "" {
		i.Collection = DefaultInboxTable
	}
}

// ApplyDefaults fills unset broker knobs.
func (b *BrokerSettings) ApplyDefaults() {
	if b.Queue == "" {
		b.Queue = DefaultQueue
	}
	if b.PoolSize <= 0 {
		b.PoolSize = DefaultPoolSize
	}
	if b.ConnectRetries <= 0 {
		b.ConnectRetries = DefaultConnectRetries
	}
	if b.RetryBackoff <= 0 {
		b.RetryBackoff = DefaultRetryBackoff
	}
	if b.ReconnectDelay <= 0 {
		b.ReconnectDelay = DefaultReconnectDelay
	}
	if b.Prefetch <= 0 {
		b.Prefetch = DefaultPrefetch
	}
	if b.Concurrency <= 0 {
		b.Concurrency = DefaultConcurrency
	}
}

// LoadFromFile reads eventbus.yaml from dir, merges eventbus.<ENVIRONMENT>.yaml
// on top, then applies EVENTBUS_* environment variables.
func LoadFromFile(dir string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	v.SetConfigType("yaml") // Set the config type to YAML
	v.SetConfigName(configName)
	v.AddConfigPath(dir) // path to config
	v.AddConfigPath(".") // current directory

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := mergeConfig(v, dir, configName+"."+env); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
	}

	cfg := &Settings{}
	if err := cfg.loadFromEnv(v); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv populates c from EVENTBUS_* environment variables only.
func (c *Settings) LoadFromEnv() error {
	return c.loadFromEnv(viper.New())
}

func (c *Settings) loadFromEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like EVENTBUS_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return v.Unmarshal(c)
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
