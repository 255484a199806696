package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       logger.Config    `mapstructure:"log"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Health    HealthConfig     `mapstructure:"health"`
	Cost      CostConfig       `mapstructure:"cost"`
	Analytics AnalyticsConfig  `mapstructure:"analytics"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	Budgets   []BudgetConfig   `mapstructure:"budgets"`
	Providers []ProviderConfig `mapstructure:"providers"`

	// UserID owns the providers loaded at startup.
	UserID string `mapstructure:"user_id"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	APIKeys         []string      `mapstructure:"api_keys"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// UpdateCheckURL points at a GitHub "latest release" endpoint. Empty
	// disables the check.
	UpdateCheckURL  string        `mapstructure:"update_check_url"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type HealthConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	AutoDisable      bool          `mapstructure:"auto_disable"`
}

type CostConfig struct {
	KeyPrefix  string        `mapstructure:"key_prefix"`
	DetailTTL  time.Duration `mapstructure:"detail_ttl"`
	DailyTTL   time.Duration `mapstructure:"daily_ttl"`
	MonthlyTTL time.Duration `mapstructure:"monthly_ttl"`
}

type AnalyticsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type BudgetConfig struct {
	UserID         string  `mapstructure:"user_id"`
	Limit          float64 `mapstructure:"limit"`
	Period         string  `mapstructure:"period"`
	AlertThreshold float64 `mapstructure:"alert_threshold"`
}

// ProviderConfig is one entry of the providers list. Everything besides the
// identity fields is kept as the free-form settings map that the loader
// decodes per provider type.
type ProviderConfig struct {
	ID       string                 `mapstructure:"id"`
	Type     string                 `mapstructure:"type"`
	Default  bool                   `mapstructure:"default"`
	Settings map[string]interface{} `mapstructure:",remain"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	for i := range cfg.Providers {
		resolveEnv(v, cfg.Providers[i].Settings)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.dsn", "gateway.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.interval", "60s")
	v.SetDefault("health.timeout", "10s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.auto_disable", false)
	v.SetDefault("cost.key_prefix", "cost")
	v.SetDefault("cost.detail_ttl", "2160h")
	v.SetDefault("cost.daily_ttl", "2160h")
	v.SetDefault("cost.monthly_ttl", "8760h")
	v.SetDefault("analytics.buffer_size", 1000)
	v.SetDefault("analytics.batch_size", 100)
	v.SetDefault("analytics.flush_interval", "2s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "provider-gateway")
	v.SetDefault("user_id", "default")
}

// resolveEnv replaces "ENV:NAME" string values with the named variable.
func resolveEnv(v *viper.Viper, settings map[string]interface{}) {
	for k, raw := range settings {
		s, ok := raw.(string)
		if !ok || !strings.HasPrefix(s, "ENV:") {
			continue
		}
		envVar := strings.TrimPrefix(s, "ENV:")
		// Check process environment first (explicit override)
		val := os.Getenv(envVar)
		if val == "" {
			val = v.GetString(envVar)
		}
		settings[k] = val
	}
}
