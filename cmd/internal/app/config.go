package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Badger blob store directory. Empty means in-memory media objects
	// (dev/test only; nothing survives a restart).
	MediaDir string

	// CORS policy for the HTTP surface. The websocket endpoint additionally
	// enforces its own origin allowlist.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("BAZAAR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("BAZAAR_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("BAZAAR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BAZAAR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BAZAAR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BAZAAR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("BAZAAR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("BAZAAR_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("BAZAAR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BAZAAR_DB_MIN_CONNS", 0),

		MediaDir: EnvString("BAZAAR_MEDIA_DIR", ""),

		CORSAllowedOrigins:   EnvCSV("BAZAAR_CORS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		CORSAllowCredentials: EnvBool("BAZAAR_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("BAZAAR_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("BAZAAR_READINESS_REQUIRE_DB", false),
	}
}
