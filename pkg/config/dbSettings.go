package config

import "time"

// DbSettings selects the transactional store backing the outbox and inbox tables.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres sqlite spanner"`
	DSN  string `mapstructure:"dsn" validate:"required_unless=Type spanner"`
	URI  string `mapstructure:"uri" validate:"required_if=Type spanner"` // projects/p/instances/i/databases/d
}

// OutboxSettings tunes the dispatcher loop.
type OutboxSettings struct {
	Table        string        `mapstructure:"table"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=0,lte=1000"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
}

// InboxSettings selects where processed message ids are recorded.
type InboxSettings struct {
	Type       string `mapstructure:"type" validate:"omitempty,oneof=sql mongo"`
	Table      string `mapstructure:"table"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo"`
	Database   string `mapstructure:"database" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"`
}
