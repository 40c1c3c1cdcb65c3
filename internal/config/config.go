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
	Environment string

	// DefaultTenantID receives events posted without an explicit tenant,
	// matching single-tenant self-hosted deployments.
	DefaultTenantID int64

	OTLPEndpoint string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	HTTPAddr string

	// Shared upstream processor credentials; tenants without their own
	// encrypted secret use these.
	UpstreamAPIBaseURL    string
	UpstreamSecretKey     string
	UpstreamTimeoutSecond int

	// GlobalWebhookSigningSecret verifies events for tenants that have no
	// tenant-specific signing secret configured.
	GlobalWebhookSigningSecret string

	// CredentialEncryptionSecret derives the AES key protecting stored
	// tenant secret keys. Empty disables tenant-specific credentials.
	CredentialEncryptionSecret string

	SignatureToleranceSecond int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "entitled"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		DefaultTenantID: getenvInt64("DEFAULT_TENANT", 0),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "postgres"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		UpstreamAPIBaseURL:    getenv("UPSTREAM_API_BASE_URL", ""),
		UpstreamSecretKey:     strings.TrimSpace(getenv("UPSTREAM_SECRET_KEY", "")),
		UpstreamTimeoutSecond: int(getenvInt64("UPSTREAM_TIMEOUT_SECONDS", 10)),

		GlobalWebhookSigningSecret: strings.TrimSpace(getenv("WEBHOOK_SIGNING_SECRET", "")),
		CredentialEncryptionSecret: strings.TrimSpace(getenv("CREDENTIAL_ENCRYPTION_SECRET", "")),

		SignatureToleranceSecond: int(getenvInt64("SIGNATURE_TOLERANCE_SECONDS", 300)),
	}
}

// UpstreamTimeout returns the per-request timeout for upstream reads.
func (c Config) UpstreamTimeout() time.Duration {
	if c.UpstreamTimeoutSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.UpstreamTimeoutSecond) * time.Second
}

// SignatureTolerance bounds the accepted age of signed webhook timestamps.
func (c Config) SignatureTolerance() time.Duration {
	if c.SignatureToleranceSecond <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SignatureToleranceSecond) * time.Second
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewProcessingConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
