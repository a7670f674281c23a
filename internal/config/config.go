package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHARTCREDITS"

type Config struct {
	DBUser           string        `mapstructure:"POSTGRES_USER"`
	DBPass           string        `mapstructure:"POSTGRES_PASSWORD"`
	DBHost           string        `mapstructure:"POSTGRES_HOST"`
	DBPort           string        `mapstructure:"POSTGRES_PORT"`
	DBName           string        `mapstructure:"POSTGRES_DB"`
	SSLMode          string        `mapstructure:"POSTGRES_SSLMODE"`
	RedisHost        string        `mapstructure:"REDIS_HOST"`
	RedisPort        string        `mapstructure:"REDIS_PORT"`
	BusProvider      string        `mapstructure:"BUS_PROVIDER"`
	NatsHost         string        `mapstructure:"NATS_HOST"`
	NatsPort         string        `mapstructure:"NATS_PORT"`
	AmqpURL          string        `mapstructure:"AMQP_URL"`
	ApiPort          string        `mapstructure:"API_PORT"`
	GRPCPort         string        `mapstructure:"GRPC_PORT"`
	WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	StorageTimeout   time.Duration `mapstructure:"STORAGE_TIMEOUT"`
	ClaimTTL         time.Duration `mapstructure:"CLAIM_TTL"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_HOST", "POSTGRES_PORT",
	"POSTGRES_DB", "POSTGRES_SSLMODE", "REDIS_HOST", "REDIS_PORT",
	"BUS_PROVIDER", "NATS_HOST", "NATS_PORT", "AMQP_URL", "API_PORT",
	"GRPC_PORT", "WEBHOOK_SECRET", "WEBHOOK_TOLERANCE", "STORAGE_TIMEOUT",
	"CLAIM_TTL", "LOG_LEVEL",
}

// New loads and validates configuration from CHARTCREDITS_* environment
// variables, reading a local .env first when present.
// The gRPC health server is optional: GRPCAddr() returns an error when
// CHARTCREDITS_GRPC_PORT is unset and the server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("BUS_PROVIDER", "nats")
	v.SetDefault("NATS_PORT", "4222")
	v.SetDefault("API_PORT", "8080")
	v.SetDefault("WEBHOOK_TOLERANCE", 5*time.Minute)
	v.SetDefault("STORAGE_TIMEOUT", 5*time.Second)
	v.SetDefault("CLAIM_TTL", 2*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	// Required: database
	if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
		return fmt.Errorf("missing required env for database: %s_POSTGRES_USER/HOST/DB", envPrefix)
	}

	// Required: redis
	if c.RedisHost == "" {
		return fmt.Errorf("missing required env for redis: %s_REDIS_HOST", envPrefix)
	}

	// Required: webhook signing secret
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("missing required env: %s_WEBHOOK_SECRET", envPrefix)
	}

	switch c.BusProvider {
	case "nats":
		if c.NatsHost == "" {
			return fmt.Errorf("missing required env for nats bus: %s_NATS_HOST", envPrefix)
		}
	case "amqp":
		if c.AmqpURL == "" {
			return fmt.Errorf("missing required env for amqp bus: %s_AMQP_URL", envPrefix)
		}
	case "none":
	default:
		return fmt.Errorf("invalid bus provider %q, must be 'nats', 'amqp' or 'none'", c.BusProvider)
	}

	if c.StorageTimeout <= 0 {
		return fmt.Errorf("%s_STORAGE_TIMEOUT must be positive", envPrefix)
	}
	if c.ClaimTTL < c.StorageTimeout {
		return fmt.Errorf("%s_CLAIM_TTL (%s) must not be shorter than %s_STORAGE_TIMEOUT (%s)",
			envPrefix, c.ClaimTTL, envPrefix, c.StorageTimeout)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}

// GRPCAddr returns the listen address of the gRPC health server.
// Returns an error if CHARTCREDITS_GRPC_PORT is unset; callers skip the server.
func (c *Config) GRPCAddr() (string, error) {
	if c.GRPCPort == "" {
		return "", fmt.Errorf("gRPC health server is disabled (%s_GRPC_PORT is empty)", envPrefix)
	}
	return ":" + c.GRPCPort, nil
}
