package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Duration wraps time.Duration so YAML values like "10s" or "5m" parse
// through time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	History   HistoryConfig   `yaml:"history"`
	Events    EventsConfig    `yaml:"events"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	User            string   `yaml:"user"`
	Password        string   `yaml:"password"`
	Database        string   `yaml:"database"`
	SSLMode         string   `yaml:"sslmode"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryInterval     Duration `yaml:"retry_interval"`
	Heartbeat         Duration `yaml:"heartbeat"`
	ConnectionTimeout Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryInterval     Duration `yaml:"retry_interval"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// SchedulerConfig holds batch scheduler configuration
type SchedulerConfig struct {
	Workers          int      `yaml:"workers"`
	QueueDepth       int      `yaml:"queue_depth"`
	Backpressure     string   `yaml:"backpressure"`
	SubmitWait       Duration `yaml:"submit_wait"`
	MaxAttempts      int      `yaml:"max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffCap       Duration `yaml:"backoff_cap"`
	JobTimeout       Duration `yaml:"job_timeout"`
	RetentionWindow  Duration `yaml:"retention_window"`
	SubscriberBuffer int      `yaml:"subscriber_buffer"`
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	Enabled       bool     `yaml:"enabled"`
	CapacityBytes int64    `yaml:"capacity_bytes"`
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// HistoryConfig toggles the PostgreSQL terminal-job archive
type HistoryConfig struct {
	Enabled  bool `yaml:"enabled"`
	PageSize int  `yaml:"page_size"`
}

// EventsConfig toggles the RabbitMQ lifecycle event publisher
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PipelineConfig holds the external transcriber/translator commands.
// Argument placeholders {source}, {model} and {target_lang} are replaced
// per job before the command is spawned.
type PipelineConfig struct {
	TranscribeCommand []string `yaml:"transcribe_command"`
	TranslateCommand  []string `yaml:"translate_command"`
	WorkDir           string   `yaml:"work_dir"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be greater than 0")
	}

	if c.Scheduler.QueueDepth < 0 {
		return fmt.Errorf("scheduler queue_depth must not be negative")
	}

	switch c.Scheduler.Backpressure {
	case "", "block", "fail-fast":
	default:
		return fmt.Errorf("invalid scheduler backpressure: %q (must be block or fail-fast)", c.Scheduler.Backpressure)
	}

	if c.Scheduler.MaxAttempts < 0 {
		return fmt.Errorf("scheduler max_attempts must not be negative")
	}

	if c.Cache.Enabled && c.Cache.CapacityBytes <= 0 {
		return fmt.Errorf("cache capacity_bytes must be greater than 0 when the cache is enabled")
	}

	if c.History.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Events.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if len(c.Pipeline.TranscribeCommand) == 0 {
		return fmt.Errorf("pipeline transcribe_command is required")
	}

	if len(c.Pipeline.TranslateCommand) == 0 {
		return fmt.Errorf("pipeline translate_command is required")
	}

	return nil
}
