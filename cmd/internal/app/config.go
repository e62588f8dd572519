package app

import "time"

// Store drivers accepted by TETHER_STORE_DRIVER.
const (
	DriverPostgres     = "postgres"
	DriverGormPostgres = "gorm-postgres"
	DriverSQLite       = "sqlite"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// StoreDriver selects the refresh-token store. Empty means postgres when
	// DatabaseURL is set and an in-memory sqlite database otherwise.
	StoreDriver string
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless a persistent DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, TETHER_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token hashing must be HMAC-based.
	RequireTokenHMAC bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	SweepSchedule string

	KafkaBrokers []string
	KafkaTopic   string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TETHER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TETHER_LOG_LEVEL", "info"),
		LogFormat: EnvString("TETHER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TETHER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreDriver: EnvString("TETHER_STORE_DRIVER", ""),
		DatabaseURL: EnvString("TETHER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TETHER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TETHER_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("TETHER_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("TETHER_REQUIRE_TOKEN_HMAC", false),

		CORSAllowedOrigins:   EnvCSV("TETHER_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("TETHER_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("TETHER_CORS_MAX_AGE_SECONDS", 600),

		SweepSchedule: EnvString("TETHER_SWEEP_SCHEDULE", "@every 15m"),

		KafkaBrokers: EnvCSV("TETHER_KAFKA_BROKERS", ""),
		KafkaTopic:   EnvString("TETHER_KAFKA_TOPIC", "tether.sessions"),
	}
}

// storeDriver resolves the effective driver.
func (c Config) storeDriver() string {
	if c.StoreDriver != "" {
		return c.StoreDriver
	}
	if c.DatabaseURL != "" {
		return DriverPostgres
	}
	return DriverSQLite
}
