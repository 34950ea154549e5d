// Package config provides configuration management for the copy-trader
// service. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Solana   SolanaConfig
	Monitor  MonitorConfig
	Executor ExecutorConfig
	Ledger   LedgerConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	// DefaultUserID scopes API requests that carry no X-User-ID header.
	DefaultUserID string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SolanaConfig holds RPC endpoints and the managed wallet identity.
type SolanaConfig struct {
	RPCHTTPURL    string
	RPCWSURL      string
	WalletAddress string
	// CreditBudget is the provider credits/s plan limit; zero disables
	// credit gating on RPC calls.
	CreditBudget int
	// CreditReserved is the credits/s share held back for trade-path
	// reads.
	CreditReserved int
}

// MonitorConfig holds event-source consumption configuration.
type MonitorConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HealthInterval time.Duration
}

// ExecutorConfig holds trade execution configuration.
type ExecutorConfig struct {
	// BackendURL is the execution service that owns keys and swap routing.
	BackendURL    string
	SubmitTimeout time.Duration
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

// LedgerConfig holds wallet ledger configuration.
type LedgerConfig struct {
	// DriftToleranceLamports is the allowed divergence between the
	// delta-accumulated balance and a wholesale refresh before drift is
	// logged.
	DriftToleranceLamports int64
	RefreshInterval        time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestsPerSec:  getEnvAsInt("SERVER_REQUESTS_PER_SEC", 50),
			DefaultUserID:   getEnv("SERVER_DEFAULT_USER_ID", "default"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "copy_trader"),
				User:           getEnv("POSTGRES_USER", "trader"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Solana: SolanaConfig{
			RPCHTTPURL:     getEnv("SOLANA_RPC_HTTP_URL", ""),
			RPCWSURL:       getEnv("SOLANA_RPC_WS_URL", ""),
			WalletAddress:  getEnv("SERVER_WALLET_ADDRESS", ""),
			CreditBudget:   getEnvAsInt("SOLANA_RPC_CREDIT_BUDGET", 0),
			CreditReserved: getEnvAsInt("SOLANA_RPC_CREDIT_RESERVED", 0),
		},
		Monitor: MonitorConfig{
			InitialBackoff: getEnvAsDuration("MONITOR_INITIAL_BACKOFF", 1*time.Second),
			MaxBackoff:     getEnvAsDuration("MONITOR_MAX_BACKOFF", 60*time.Second),
			HealthInterval: getEnvAsDuration("MONITOR_HEALTH_INTERVAL", 30*time.Second),
		},
		Executor: ExecutorConfig{
			BackendURL:    getEnv("EXECUTOR_BACKEND_URL", ""),
			SubmitTimeout: getEnvAsDuration("EXECUTOR_SUBMIT_TIMEOUT", 30*time.Second),
			MaxAttempts:   getEnvAsInt("EXECUTOR_MAX_ATTEMPTS", 5),
			InitialDelay:  getEnvAsDuration("EXECUTOR_INITIAL_DELAY", 1*time.Second),
			MaxDelay:      getEnvAsDuration("EXECUTOR_MAX_DELAY", 60*time.Second),
		},
		Ledger: LedgerConfig{
			DriftToleranceLamports: getEnvAsInt64("LEDGER_DRIFT_TOLERANCE_LAMPORTS", 10_000),
			RefreshInterval:        getEnvAsDuration("LEDGER_REFRESH_INTERVAL", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if config.Solana.RPCHTTPURL == "" {
		return nil, fmt.Errorf("SOLANA_RPC_HTTP_URL must be set")
	}
	if config.Solana.RPCWSURL == "" {
		return nil, fmt.Errorf("SOLANA_RPC_WS_URL must be set")
	}
	if config.Solana.WalletAddress == "" {
		return nil, fmt.Errorf("SERVER_WALLET_ADDRESS must be set")
	}
	if config.Executor.BackendURL == "" {
		return nil, fmt.Errorf("EXECUTOR_BACKEND_URL must be set")
	}

	return config, nil
}

// LoadPostgresConfig loads only the Postgres configuration. Tooling
// that never touches the chain or the bus uses this instead of
// LoadConfig so it runs without the full service environment.
func LoadPostgresConfig() *PostgresConfig {
	_ = godotenv.Load()

	return &PostgresConfig{
		Host:           getEnv("POSTGRES_HOST", "localhost"),
		Port:           getEnv("POSTGRES_PORT", "5432"),
		Database:       getEnv("POSTGRES_DB", "copy_trader"),
		User:           getEnv("POSTGRES_USER", "trader"),
		Password:       getEnv("POSTGRES_PASSWORD", ""),
		MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
	}
}

// PostgresURL returns the connection URL used by migrations.
func (c *PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
