package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	GinMode   string
	LogFormat string

	DBDriver string
	DBDSN    string

	PortOne   PortOneConfig
	Reconcile ReconcileConfig

	JWTSecret  string
	CORSOrigin string

	RateLimitBackend string
	RateLimitRPS     float64
	RateLimitBurst   int
	RedisAddr        string
}

// PortOneConfig holds the payment gateway credentials.
type PortOneConfig struct {
	APIURL        string
	APISecret     string
	StoreID       string
	WebhookSecret string
	Timeout       time.Duration
}

// ReconcileConfig holds the tunables of the gateway search loop. None of the
// values affect correctness, only how long a reconcile call may take.
type ReconcileConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	FallbackWindow time.Duration
	FallbackLimit  int
	SentinelBidID  uint
	// Timeout bounds one shared search, independent of the callers' contexts.
	Timeout        time.Duration
	// SweepInterval enables the background pass over stale READY rows.
	// Zero disables it.
	SweepInterval  time.Duration
	SweepMinAge    time.Duration
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		GinMode:   getEnv("GIN_MODE", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		DBDriver:  getEnv("DB_DRIVER", "mysql"),
		DBDSN:     getEnv("DB_DSN", "root:@tcp(127.0.0.1:3306)/plant_market?charset=utf8mb4&parseTime=True&loc=Local"),
		PortOne: PortOneConfig{
			APIURL:        getEnv("PORTONE_API_URL", "https://api.portone.io"),
			APISecret:     os.Getenv("PORTONE_API_SECRET"),
			StoreID:       os.Getenv("PORTONE_STORE_ID"),
			WebhookSecret: os.Getenv("PORTONE_WEBHOOK_SECRET"),
			Timeout:       getEnvDuration("PORTONE_TIMEOUT", 10*time.Second),
		},
		Reconcile: ReconcileConfig{
			MaxAttempts:    getEnvInt("RECONCILE_MAX_ATTEMPTS", 6),
			BaseDelay:      getEnvDuration("RECONCILE_BASE_DELAY", 500*time.Millisecond),
			FallbackWindow: getEnvDuration("RECONCILE_FALLBACK_WINDOW", 24*time.Hour),
			FallbackLimit:  getEnvInt("RECONCILE_FALLBACK_LIMIT", 100),
			SentinelBidID:  uint(getEnvInt("SENTINEL_BID_ID", 1)),
			Timeout:        getEnvDuration("RECONCILE_TIMEOUT", 2*time.Minute),
			SweepInterval:  getEnvDuration("RECONCILE_SWEEP_INTERVAL", 0),
			SweepMinAge:    getEnvDuration("RECONCILE_SWEEP_MIN_AGE", 10*time.Minute),
		},
		JWTSecret:        getEnv("JWT_SECRET", ""),
		CORSOrigin:       getEnv("CORS_ORIGIN", "http://localhost:5173"),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "memory"),
		RateLimitRPS:     getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 20),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.PortOne.APISecret == "" {
		return fmt.Errorf("PORTONE_API_SECRET is not set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1")
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	return nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
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
