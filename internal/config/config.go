package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/ratelimit"
)

// Rate limit backends.
const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment string
	HTTPPort    string
	Debug       bool
	LogDir      string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	RateLimitBackend string
	RateLimit        ratelimit.Rules
	Redis            RedisConfig

	BotBlockDuration time.Duration
	PolicyFile       string
	AdminJWTSecret   string

	AlertURL        string
	AlertsPerMinute int

	LogRetention      time.Duration
	RetentionSchedule string
}

// RedisConfig holds the connection settings for the redis rate limit backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	defaults := ratelimit.DefaultRules()
	cfg := Config{
		Environment:      getEnv("BOTGUARD_ENV", "development"),
		HTTPPort:         getEnv("BOTGUARD_HTTP_PORT", "8080"),
		Debug:            getEnvBool("BOTGUARD_DEBUG", false),
		LogDir:           getEnv("BOTGUARD_LOG_DIR", filepath.Join("data", "logs")),
		DatabaseDriver:   getEnv("BOTGUARD_DB_DRIVER", "sqlite"),
		DatabasePath:     getEnv("BOTGUARD_DB_PATH", filepath.Join("data", "botguard.db")),
		DatabaseDSN:      getEnv("BOTGUARD_DB_DSN", ""),
		RateLimitBackend: getEnv("BOTGUARD_RATE_LIMIT_BACKEND", BackendSQL),
		RateLimit: ratelimit.Rules{
			Window:      getEnvDuration("BOTGUARD_RATE_LIMIT_WINDOW", defaults.Window),
			MaxRequests: getEnvInt("BOTGUARD_RATE_LIMIT_MAX_REQUESTS", defaults.MaxRequests),
			BlockStep:   getEnvDuration("BOTGUARD_RATE_LIMIT_BLOCK_STEP", defaults.BlockStep),
			MaxBlock:    getEnvDuration("BOTGUARD_RATE_LIMIT_MAX_BLOCK", defaults.MaxBlock),
		},
		Redis: RedisConfig{
			Addr:     getEnv("BOTGUARD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("BOTGUARD_REDIS_PASSWORD", ""),
			DB:       getEnvInt("BOTGUARD_REDIS_DB", 0),
		},
		BotBlockDuration:  getEnvDuration("BOTGUARD_BOT_BLOCK_DURATION", time.Hour),
		PolicyFile:        getEnv("BOTGUARD_POLICY_FILE", ""),
		AdminJWTSecret:    getEnv("BOTGUARD_ADMIN_JWT_SECRET", ""),
		AlertURL:          getEnv("BOTGUARD_ALERT_URL", ""),
		AlertsPerMinute:   getEnvInt("BOTGUARD_ALERTS_PER_MINUTE", 6),
		LogRetention:      getEnvDuration("BOTGUARD_LOG_RETENTION", 0),
		RetentionSchedule: getEnv("BOTGUARD_RETENTION_SCHEDULE", "@daily"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return Config{}, fmt.Errorf("ensure data directory: %w", err)
		}
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("BOTGUARD_DB_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}

	switch c.RateLimitBackend {
	case BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("unsupported rate limit backend %q", c.RateLimitBackend)
	}

	r := c.RateLimit
	if r.Window <= 0 || r.MaxRequests <= 0 || r.BlockStep <= 0 || r.MaxBlock < r.BlockStep {
		return fmt.Errorf("invalid rate limit rules: window=%s max=%d step=%s cap=%s",
			r.Window, r.MaxRequests, r.BlockStep, r.MaxBlock)
	}
	if c.BotBlockDuration <= 0 {
		return fmt.Errorf("BOTGUARD_BOT_BLOCK_DURATION must be positive")
	}
	return nil
}

// LoadPolicy returns the default classifier policy overlaid with the YAML file
// at path. An empty path yields the defaults.
func LoadPolicy(path string) (detection.Policy, error) {
	policy := detection.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return detection.Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	// Lists in the file replace the defaults instead of merging index by index.
	if v.IsSet("user_agent_patterns") {
		policy.UserAgentPatterns = nil
	}
	if v.IsSet("expected_headers") {
		policy.ExpectedHeaders = nil
	}
	if err := v.Unmarshal(&policy); err != nil {
		return detection.Policy{}, fmt.Errorf("decode policy file: %w", err)
	}
	if policy.BlockThreshold < policy.BotThreshold {
		return detection.Policy{}, fmt.Errorf("block_threshold %d below bot_threshold %d",
			policy.BlockThreshold, policy.BotThreshold)
	}
	return policy, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
