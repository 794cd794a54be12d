package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Events      EventsConfig      `mapstructure:"events"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore"`
	Pseudonym   PseudonymConfig   `mapstructure:"pseudonym"`
	Mapping     MappingConfig     `mapstructure:"mapping"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Parking     ParkingConfig     `mapstructure:"parking"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig represents the Redis connection used by the event bus
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// EventsConfig controls delivery, redelivery and parking of pipeline events
type EventsConfig struct {
	Driver         string        `mapstructure:"driver"` // "redis", "memory"
	ConsumerGroup  string        `mapstructure:"consumer_group"`
	ConsumerName   string        `mapstructure:"consumer_name"`
	Concurrency    int           `mapstructure:"concurrency"`
	BatchSize      int64         `mapstructure:"batch_size"`
	BlockTimeout   time.Duration `mapstructure:"block_timeout"`
	ClaimMinIdle   time.Duration `mapstructure:"claim_min_idle"`
	MaxDeliveries  int64         `mapstructure:"max_deliveries"`
	HandlerRetries uint64        `mapstructure:"handler_retries"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	StreamMaxLen   int64         `mapstructure:"stream_max_len"`
}

// ObjectStoreConfig selects and configures the raw document store
type ObjectStoreConfig struct {
	Driver    string `mapstructure:"driver"` // "minio", "filesystem"
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	BasePath  string `mapstructure:"base_path"`
}

// PseudonymConfig selects the pseudonymization implementation
type PseudonymConfig struct {
	Mode           string        `mapstructure:"mode"` // "hash", "remote"
	Secret         string        `mapstructure:"secret"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	CacheSize      int           `mapstructure:"cache_size"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// MappingConfig locates the versioned code mapping tables
type MappingConfig struct {
	Directory      string `mapstructure:"directory"`
	DefaultVersion string `mapstructure:"default_version"`
	Watch          bool   `mapstructure:"watch"`
}

// MatchingConfig holds case matching parameters
type MatchingConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

// ParkingConfig selects the dead-letter store
type ParkingConfig struct {
	Driver     string `mapstructure:"driver"` // "postgres", "sqlite"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// WorkerConfig holds settings for the stage worker process
type WorkerConfig struct {
	MetricsHost string `mapstructure:"metrics_host"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
