package app

import (
	"time"

	"fitlink/cmd/internal/ids"
)

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

	// RedisAddr enables the Redis-backed presence registry when set.
	// Empty means in-process presence, suitable for single-node deployments.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATSURL enables cross-node fanout when set. Empty means local-only fanout.
	// NodeID identifies this gateway node on the bridge for loop suppression;
	// when FITLINK_NODE_ID is unset a fresh ULID is generated per process.
	NATSURL string
	NodeID  string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("FITLINK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("FITLINK_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("FITLINK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("FITLINK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("FITLINK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("FITLINK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("FITLINK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("FITLINK_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("FITLINK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("FITLINK_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("FITLINK_REDIS_ADDR", ""),
		RedisPassword: EnvString("FITLINK_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("FITLINK_REDIS_DB", 0),

		NATSURL: EnvString("FITLINK_NATS_URL", ""),
		NodeID:  EnvString("FITLINK_NODE_ID", ids.MustULID(time.Now().UTC())),

		ReadinessRequireDB: EnvBool("FITLINK_READINESS_REQUIRE_DB", false),
	}
}
