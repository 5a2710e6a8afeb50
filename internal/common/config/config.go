// internal/common/config/config.go
package config

import (
	"fmt"
	"time"

	"notification-dispatch/internal/models"
)

// Config is the main application configuration struct.
type Config struct {
	App          AppConfig               `mapstructure:"app"`
	Camunda      CamundaConfig           `mapstructure:"camunda"`
	Database     DatabaseConfig          `mapstructure:"database"`
	RabbitMQ     RabbitMQConfig          `mapstructure:"rabbitmq"`
	HTTP         HTTPConfig              `mapstructure:"http"`
	Workers      map[string]WorkerConfig `mapstructure:"workers"`
	Dispatch     DispatchConfig          `mapstructure:"dispatch"`
	Retry        map[string]RetryConfig  `mapstructure:"retry"`
	RateLimits   map[string]models.Quota `mapstructure:"rate_limits"`
	QuietHours   QuietHoursConfig        `mapstructure:"quiet_hours"`
	Webhooks     WebhookConfig           `mapstructure:"webhooks"`
	Channels     ChannelsConfig          `mapstructure:"channels"`
	Integrations IntegrationConfig       `mapstructure:"integrations"`
	Storage      StorageConfig           `mapstructure:"storage"`
	Logging      LoggingConfig           `mapstructure:"logging"`
	Tracing      TracingConfig           `mapstructure:"tracing"`
	RegistryPath string                  `mapstructure:"registry_path"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name            string `mapstructure:"name"`
	Version         string `mapstructure:"version"`
	Environment     string `mapstructure:"environment"`
	DefaultLanguage string `mapstructure:"default_language"`
}

type CamundaConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BrokerAddress     string `mapstructure:"broker_address"`
	MaxJobsActive     int    `mapstructure:"max_jobs_active"`
	Timeout           int    `mapstructure:"timeout"`             // milliseconds
	RequestTimeout    int    `mapstructure:"request_timeout"`     // milliseconds
	SettledMessageTTL int    `mapstructure:"settled_message_ttl"` // milliseconds, 0 disables
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addresses   []string `mapstructure:"addresses"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	URL         string   `mapstructure:"url"`
	EventsIndex string   `mapstructure:"events_index"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// TenantCacheTTL is in milliseconds.
	TenantCacheTTL int `mapstructure:"tenant_cache_ttl"`
}

type RabbitMQConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	EventsExchange string `mapstructure:"events_exchange"`
	InAppExchange  string `mapstructure:"in_app_exchange"`
	AnalyticsQueue string `mapstructure:"analytics_queue"`
}

type HTTPConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeout     int `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int `mapstructure:"shutdown_timeout"` // milliseconds
}

// WorkerConfig holds the core settings applicable to every Zeebe job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// --- Dispatch Configuration ---

// DispatchConfig sizes the dispatcher pool. Durations are milliseconds.
type DispatchConfig struct {
	Workers               int `mapstructure:"workers"`
	BatchSize             int `mapstructure:"batch_size"`
	PollInterval          int `mapstructure:"poll_interval"`
	VisibilityTimeout     int `mapstructure:"visibility_timeout"`
	SendTimeout           int `mapstructure:"send_timeout"`
	MaxRateLimitDeferrals int `mapstructure:"max_rate_limit_deferrals"`
}

// RetryConfig is the backoff policy of one channel. Delays are milliseconds.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelay   int `mapstructure:"base_delay"`
	MaxDelay    int `mapstructure:"max_delay"`
}

type QuietHoursConfig struct {
	Default  *models.QuietHours `mapstructure:"default"`
	Channels []string           `mapstructure:"channels"`
}

type WebhookConfig struct {
	Timeout              int `mapstructure:"timeout"` // milliseconds
	RetryAttempts        int `mapstructure:"retry_attempts"`
	AutoDisableAfter     int `mapstructure:"auto_disable_after"`
	PerTenantConcurrency int `mapstructure:"per_tenant_concurrency"`
	// ConcurrencyDeferral is how long an entry waits when its tenant has no
	// free slot, in milliseconds.
	ConcurrencyDeferral int `mapstructure:"concurrency_deferral"`
}

// ChannelsConfig selects the providers behind each channel sender.
type ChannelsConfig struct {
	Email struct {
		Provider  string `mapstructure:"provider"` // ses | smtp | log
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled  bool   `mapstructure:"enabled"`
		SenderID string `mapstructure:"sender_id"`
		MaxTPS   int    `mapstructure:"max_tps"`
	} `mapstructure:"sms"`
	Push struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"push"`
	InApp struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"in_app"`
}

// IntegrationConfig holds settings for AWS and the SMTP relay.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`

	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"smtp"`
}

// StorageConfig picks the persistence backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type TracingConfig struct {
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// TenantDefaults builds the system-wide TenantConfig every stored tenant
// override is merged onto.
func (c *Config) TenantDefaults() models.TenantConfig {
	def := models.TenantConfig{
		DefaultLanguage:         c.App.DefaultLanguage,
		ChannelRateLimits:       make(map[models.Channel]models.Quota, len(c.RateLimits)),
		ChannelRetry:            make(map[models.Channel]models.RetryPolicy, len(c.Retry)),
		QuietHours:              c.QuietHours.Default,
		WebhookTimeoutSeconds:   int(GetDuration(c.Webhooks.Timeout) / time.Second),
		WebhookRetryAttempts:    c.Webhooks.RetryAttempts,
		WebhookAutoDisableAfter: c.Webhooks.AutoDisableAfter,
		WebhookConcurrency:      c.Webhooks.PerTenantConcurrency,
		MaxRateLimitDeferrals:   c.Dispatch.MaxRateLimitDeferrals,
	}
	for ch, q := range c.RateLimits {
		def.ChannelRateLimits[models.Channel(ch)] = q
	}
	for ch, r := range c.Retry {
		def.ChannelRetry[models.Channel(ch)] = models.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			BaseDelay:   models.Duration(GetDuration(r.BaseDelay)),
			MaxDelay:    models.Duration(GetDuration(r.MaxDelay)),
		}
	}
	return def
}

// QuietHoursChannels returns the channels that hold messages during quiet hours.
func (c *Config) QuietHoursChannels() []models.Channel {
	out := make([]models.Channel, 0, len(c.QuietHours.Channels))
	for _, ch := range c.QuietHours.Channels {
		out = append(out, models.Channel(ch))
	}
	return out
}
