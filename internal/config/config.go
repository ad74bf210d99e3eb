package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Redis (coordination store) configuration
	Redis RedisConfig `env:",prefix=REDIS_"`

	// Distributed lock configuration
	Lock LockConfig `env:",prefix=LOCK_"`

	// Batch consumer configuration
	Consumer ConsumerConfig `env:",prefix=CONSUMER_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=coupon_system"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	MaxConns int    `env:"MAX_CONNS,default=25"`
	MinConns int    `env:"MIN_CONNS,default=5"`
}

// RedisConfig holds the coordination store configuration
type RedisConfig struct {
	Addr      string `env:"ADDR,default=localhost:6379"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB,default=0"`
	PoolSize  int    `env:"POOL_SIZE,default=50"`
	KeyPrefix string `env:"KEY_PREFIX"`
}

// LockConfig holds defaults for lock-guarded operations
type LockConfig struct {
	DefaultType   string        `env:"DEFAULT_TYPE,default=pubsub"`
	Wait          time.Duration `env:"WAIT,default=3s"`
	Lease         time.Duration `env:"LEASE,default=5s"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL,default=100ms"`
}

// ConsumerConfig holds issuance batch consumer configuration
type ConsumerConfig struct {
	Enabled             bool          `env:"ENABLED,default=true"`
	IssueSchedule       string        `env:"ISSUE_SCHEDULE,default=@every 2s"`
	FailedSchedule      string        `env:"FAILED_SCHEDULE,default=@every 2s"`
	OutOfStockSchedule  string        `env:"OUT_OF_STOCK_SCHEDULE,default=@every 2s"`
	BatchSize           int           `env:"BATCH_SIZE,default=100"`
	FailedBatchSize     int           `env:"FAILED_BATCH_SIZE,default=100"`
	OutOfStockBatchSize int           `env:"OUT_OF_STOCK_BATCH_SIZE,default=500"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS,default=5"`
	LockLease           time.Duration `env:"LOCK_LEASE,default=30s"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`
	Migrate     bool   `env:"MIGRATE,default=false"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Consumer.BatchSize <= 0 || c.Consumer.FailedBatchSize <= 0 || c.Consumer.OutOfStockBatchSize <= 0 {
		return fmt.Errorf("consumer batch sizes must be positive")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return fmt.Errorf("consumer max attempts must be positive")
	}
	if c.Lock.Lease <= 0 {
		return fmt.Errorf("lock lease must be positive")
	}
	if c.Consumer.LockLease <= 0 {
		return fmt.Errorf("consumer lock lease must be positive")
	}
	return nil
}

// GetDatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
