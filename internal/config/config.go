package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration, parsed from the environment.
type Config struct {
	Port     string `env:"CENTSIBLE_PORT" envDefault:"8080"`
	DBPath   string `env:"CENTSIBLE_DB_PATH" envDefault:"centsible.db"`
	LogLevel string `env:"CENTSIBLE_LOG_LEVEL" envDefault:"info"`

	// Timezone is the operator's local civil time zone, used to compute
	// schedule slots (morning/evening split at local noon).
	Timezone string `env:"CENTSIBLE_TIMEZONE" envDefault:"Local"`

	// CronSecret authenticates the internal trigger endpoints. Empty disables them.
	CronSecret string `env:"CENTSIBLE_CRON_SECRET"`

	// InternalCron enables the in-process schedule timer (morning/evening
	// trigger runs plus nightly log retention). External schedulers can hit
	// the HTTP trigger instead.
	InternalCron bool `env:"CENTSIBLE_INTERNAL_CRON" envDefault:"true"`

	Push    PushConfig
	Archive ArchiveConfig
}

// PushConfig holds VAPID credentials and delivery tuning.
type PushConfig struct {
	VAPIDPublicKey  string        `env:"CENTSIBLE_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `env:"CENTSIBLE_VAPID_PRIVATE_KEY"`
	Subscriber      string        `env:"CENTSIBLE_VAPID_SUBSCRIBER" envDefault:"mailto:noreply@centsible.app"`
	SendTimeout     time.Duration `env:"CENTSIBLE_PUSH_SEND_TIMEOUT" envDefault:"10s"`
	MaxConcurrent   int           `env:"CENTSIBLE_PUSH_MAX_CONCURRENT" envDefault:"8"`
	SendsPerSecond  int           `env:"CENTSIBLE_PUSH_SENDS_PER_SECOND" envDefault:"50"`
}

// Enabled reports whether push delivery is configured.
func (c PushConfig) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// ArchiveConfig holds notification-log retention settings. Archival to
// S3-compatible storage is skipped when the credentials are absent; pruning
// still runs.
type ArchiveConfig struct {
	RetentionDays int    `env:"CENTSIBLE_LOG_RETENTION_DAYS" envDefault:"90"`
	S3Endpoint    string `env:"CENTSIBLE_ARCHIVE_S3_ENDPOINT"`
	S3Bucket      string `env:"CENTSIBLE_ARCHIVE_S3_BUCKET"`
	S3Region      string `env:"CENTSIBLE_ARCHIVE_S3_REGION" envDefault:"auto"`
	S3AccessKey   string `env:"CENTSIBLE_ARCHIVE_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"CENTSIBLE_ARCHIVE_S3_SECRET_KEY"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
