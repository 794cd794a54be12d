package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/spf13/viper"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

var _ domain.ConfigManager = (*Manager)(nil)

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	return NewManagerFromFile("")
}

// NewManagerFromFile loads configuration from an explicit file when path is
// not empty, otherwise from the default search paths.
func NewManagerFromFile(path string) (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(path); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig(path string) error {
	v := m.v

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/case-surveillance/")
	}

	v.SetEnvPrefix("CASESURV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults and environment variables suffice
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 10<<20)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "case_surveillance")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.migrations_path", "")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.pool_timeout", "4s")

	// Event delivery defaults
	v.SetDefault("events.driver", "redis")
	v.SetDefault("events.consumer_group", "case-surveillance")
	v.SetDefault("events.consumer_name", "")
	v.SetDefault("events.concurrency", 4)
	v.SetDefault("events.batch_size", 16)
	v.SetDefault("events.block_timeout", "5s")
	v.SetDefault("events.claim_min_idle", "1m")
	v.SetDefault("events.max_deliveries", 5)
	v.SetDefault("events.handler_retries", 3)
	v.SetDefault("events.retry_initial", "200ms")
	v.SetDefault("events.retry_max", "5s")
	v.SetDefault("events.stream_max_len", 1000000)

	// Object store defaults
	v.SetDefault("objectstore.driver", "minio")
	v.SetDefault("objectstore.endpoint", "localhost:9000")
	v.SetDefault("objectstore.access_key", "")
	v.SetDefault("objectstore.secret_key", "")
	v.SetDefault("objectstore.bucket", "lab-raw-data")
	v.SetDefault("objectstore.region", "")
	v.SetDefault("objectstore.use_ssl", false)
	v.SetDefault("objectstore.base_path", "./data/objects")

	// Pseudonymization defaults
	v.SetDefault("pseudonym.mode", "hash")
	v.SetDefault("pseudonym.secret", "")
	v.SetDefault("pseudonym.base_url", "")
	v.SetDefault("pseudonym.api_key", "")
	v.SetDefault("pseudonym.timeout", "5s")
	v.SetDefault("pseudonym.rate_limit", 50)
	v.SetDefault("pseudonym.rate_burst", 10)
	v.SetDefault("pseudonym.cache_size", 10000)
	v.SetDefault("pseudonym.breaker_timeout", "30s")

	// Mapping table defaults
	v.SetDefault("mapping.directory", "./mappings")
	v.SetDefault("mapping.default_version", "1.0.0")
	v.SetDefault("mapping.watch", true)

	v.SetDefault("matching.window_days", domain.DefaultWindowDays)

	v.SetDefault("parking.driver", "postgres")
	v.SetDefault("parking.sqlite_path", "./data/parked.db")

	v.SetDefault("worker.metrics_host", "0.0.0.0")
	v.SetDefault("worker.metrics_port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig(m.v.ConfigFileUsed())
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	switch config.Events.Driver {
	case "redis":
		if config.Redis.URL == "" {
			return fmt.Errorf("Redis URL is required for the redis event driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid events driver: %s", config.Events.Driver)
	}
	if config.Events.MaxDeliveries < 1 {
		return fmt.Errorf("events.max_deliveries must be at least 1")
	}
	if config.Events.Concurrency < 1 {
		return fmt.Errorf("events.concurrency must be at least 1")
	}

	switch config.ObjectStore.Driver {
	case "minio":
		if config.ObjectStore.Endpoint == "" || config.ObjectStore.Bucket == "" {
			return fmt.Errorf("objectstore endpoint and bucket are required for the minio driver")
		}
	case "filesystem":
		if config.ObjectStore.BasePath == "" {
			return fmt.Errorf("objectstore base_path is required for the filesystem driver")
		}
	default:
		return fmt.Errorf("invalid objectstore driver: %s", config.ObjectStore.Driver)
	}

	switch config.Pseudonym.Mode {
	case "hash":
		if config.Pseudonym.Secret == "" {
			return fmt.Errorf("pseudonym secret is required for hash mode")
		}
	case "remote":
		if config.Pseudonym.BaseURL == "" {
			return fmt.Errorf("pseudonym base_url is required for remote mode")
		}
	default:
		return fmt.Errorf("invalid pseudonym mode: %s", config.Pseudonym.Mode)
	}

	if config.Mapping.Directory == "" {
		return fmt.Errorf("mapping directory is required")
	}
	if config.Matching.WindowDays < 1 {
		return fmt.Errorf("matching.window_days must be positive, got %d", config.Matching.WindowDays)
	}

	switch config.Parking.Driver {
	case "postgres":
	case "sqlite":
		if config.Parking.SQLitePath == "" {
			return fmt.Errorf("parking sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid parking driver: %s", config.Parking.Driver)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database connection as a URL, the form expected
// by golang-migrate.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Database,
		RawQuery: "sslmode=" + url.QueryEscape(db.SSLMode),
	}
	return u.String()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Redis.URL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
