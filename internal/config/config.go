package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. Every option is overridable
// through the environment; defaults are documented next to each field.
type Config struct {
	Environment string

	Server     ServerConfig
	OTP        OTPConfig
	Gateway    GatewayConfig
	Cache      CacheConfig
	Pool       PoolConfig
	Scylla     ScyllaConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// OTPConfig controls verification session behavior.
type OTPConfig struct {
	CodeExpiry      time.Duration // OTP_CODE_EXPIRY_MINUTES, default 5m
	MaxAttempts     int           // OTP_MAX_ATTEMPTS, default 3
	ResendCooldown  time.Duration // OTP_RESEND_COOLDOWN_SECONDS, default 60s
	CleanupInterval time.Duration // OTP_CLEANUP_INTERVAL, default 5m
	DefaultCountry  string        // OTP_DEFAULT_COUNTRY_CODE, default "66"
}

type GatewayConfig struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration // GATEWAY_TIMEOUT, default 10s
}

type CacheConfig struct {
	MaxSize         int           // CACHE_MAX_SIZE, default 1000
	DefaultTTL      time.Duration // CACHE_DEFAULT_TTL, default 5m
	CleanupInterval time.Duration // CACHE_CLEANUP_INTERVAL, default 60s
}

type PoolConfig struct {
	MaxConnections int           // POOL_MAX_CONNECTIONS, default 10
	IdleTimeout    time.Duration // POOL_IDLE_TIMEOUT, default 30s
	ConnTimeout    time.Duration // POOL_CONN_TIMEOUT, default 5s
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string // empty disables the distributed tracker
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers    []string // empty disables the Kafka audit publisher
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string // empty disables the profile sink
	Database string
	Username string
	Password string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var loaded *Config

// LoadConfig reads .env (if present) and builds the configuration.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		OTP: OTPConfig{
			CodeExpiry:      time.Duration(getEnvInt("OTP_CODE_EXPIRY_MINUTES", 5)) * time.Minute,
			MaxAttempts:     getEnvInt("OTP_MAX_ATTEMPTS", 3),
			ResendCooldown:  time.Duration(getEnvInt("OTP_RESEND_COOLDOWN_SECONDS", 60)) * time.Second,
			CleanupInterval: getEnvDuration("OTP_CLEANUP_INTERVAL", 5*time.Minute),
			DefaultCountry:  getEnv("OTP_DEFAULT_COUNTRY_CODE", "66"),
		},
		Gateway: GatewayConfig{
			BaseURL:   getEnv("GATEWAY_BASE_URL", "https://otp.example.com/api/v2"),
			APIKey:    getEnv("GATEWAY_API_KEY", ""),
			SecretKey: getEnv("GATEWAY_SECRET_KEY", ""),
			Timeout:   getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Cache: CacheConfig{
			MaxSize:         getEnvInt("CACHE_MAX_SIZE", 1000),
			DefaultTTL:      getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 60*time.Second),
		},
		Pool: PoolConfig{
			MaxConnections: getEnvInt("POOL_MAX_CONNECTIONS", 10),
			IdleTimeout:    getEnvDuration("POOL_IDLE_TIMEOUT", 30*time.Second),
			ConnTimeout:    getEnvDuration("POOL_CONN_TIMEOUT", 5*time.Second),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "otp_service"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", nil),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "otp-audit-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "otp_analytics"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	loaded = cfg
	return cfg
}

// Get returns the last loaded config, loading it if necessary.
func Get() *Config {
	if loaded == nil {
		return LoadConfig()
	}
	return loaded
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
