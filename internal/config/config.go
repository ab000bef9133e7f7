package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	AppURL      string
	Environment string
	HTTPAddr    string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CronSecret       string
	PSPSecret        string
	PSPWebhookSecret string

	TaxRate             float64
	InvoiceDueDays      int
	IdempotencyTTL      time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	RequestTimeout      time.Duration
	InvoiceBuildTimeout time.Duration

	SeedDemo bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		AppURL:      strings.TrimRight(getenv("APP_URL", "http://localhost:8080"), "/"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		CronSecret:       strings.TrimSpace(getenv("CRON_SECRET", "")),
		PSPSecret:        strings.TrimSpace(getenv("PSP_SECRET", "")),
		PSPWebhookSecret: strings.TrimSpace(getenv("PSP_WEBHOOK_SECRET", "")),

		TaxRate:             getenvFloat("TAX_RATE", 0.10),
		InvoiceDueDays:      getenvInt("INVOICE_DUE_DAYS", 30),
		IdempotencyTTL:      time.Duration(getenvInt("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour,
		BreakerThreshold:    getenvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:     time.Duration(getenvInt("BREAKER_COOLDOWN_SECONDS", 30)) * time.Second,
		RequestTimeout:      time.Duration(getenvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		InvoiceBuildTimeout: time.Duration(getenvInt("INVOICE_BUILD_TIMEOUT_SECONDS", 300)) * time.Second,

		SeedDemo: getenvBool("SEED_DEMO", false),
	}
}

// Module provides the loaded configuration to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
