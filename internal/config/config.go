package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds configuration for the broker service.
type Config struct {
	HTTPPort    string
	LogLevel    string
	SecretKey   string // base64, 32 bytes; seals credential secrets at rest
	SeedFile    string // YAML credentials applied at startup
	Storage     StorageConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Broker      BrokerConfig
	Backoff     BackoffConfig
	Sweep       SweepConfig
	UsageWriter UsageWriterConfig
	Audit       AuditConfig
}

// StorageConfig selects where credentials, bindings and exclusions live.
type StorageConfig struct {
	Backend string // postgres | memory
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings. An empty Address disables
// every Redis-backed component.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// BrokerConfig holds selection settings
type BrokerConfig struct {
	MaxAttempts     int           // Upper bound of the caller fallback loop
	ReloadInterval  time.Duration // How often to reload credentials and bindings
	ScopeOrder      string        // any | tenant-first | central-first | tenant-only | central-only
	EstimatedTokens int64         // TPM reservation when the caller gives no estimate
	ClusterGuard    bool          // Also enforce RPM through Redis across replicas
	LeaseTTL        time.Duration // How long a selected candidate waits for its outcome report
	LeaseCacheSize  int
	CallerTokens    []string // Bearer tokens accepted on /v1/broker; empty disables the check
}

// BackoffConfig shapes exclusion cooldowns.
type BackoffConfig struct {
	BaseCooldown      time.Duration
	Factor            float64
	MaxCooldown       time.Duration
	TransientCooldown time.Duration
	ResetAfter        time.Duration
}

// SweepConfig holds reconciliation sweep settings
type SweepConfig struct {
	Interval time.Duration
}

// UsageWriterConfig holds the async usage persistence settings
type UsageWriterConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// AuditConfig holds the lease journal settings. An empty FileTemplate
// disables the journal.
type AuditConfig struct {
	FileTemplate string
	MaxSize      int64
	MaxFiles     int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		SecretKey: os.Getenv("SECRET_KEY"),
		SeedFile:  os.Getenv("SEED_FILE"),
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnvString("STORAGE_BACKEND", StoragePostgres)),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Broker: BrokerConfig{
			MaxAttempts:     getEnvInt("BROKER_MAX_ATTEMPTS", 5),
			ReloadInterval:  getEnvDuration("BROKER_RELOAD_INTERVAL", 5*time.Minute),
			ScopeOrder:      getEnvString("BROKER_SCOPE_ORDER", "tenant-first"),
			EstimatedTokens: getEnvInt64("BROKER_ESTIMATED_TOKENS", 0),
			ClusterGuard:    getEnvBool("BROKER_CLUSTER_GUARD", false),
			LeaseTTL:        getEnvDuration("BROKER_LEASE_TTL", 10*time.Minute),
			LeaseCacheSize:  getEnvInt("BROKER_LEASE_CACHE_SIZE", 10000),
			CallerTokens:    getEnvList("BROKER_CALLER_TOKENS"),
		},
		Backoff: BackoffConfig{
			BaseCooldown:      getEnvDuration("BACKOFF_BASE_COOLDOWN", 60*time.Second),
			Factor:            getEnvFloat("BACKOFF_FACTOR", 2),
			MaxCooldown:       getEnvDuration("BACKOFF_MAX_COOLDOWN", 30*time.Minute),
			TransientCooldown: getEnvDuration("BACKOFF_TRANSIENT_COOLDOWN", 15*time.Second),
			ResetAfter:        getEnvDuration("BACKOFF_RESET_AFTER", time.Hour),
		},
		Sweep: SweepConfig{
			Interval: getEnvDuration("SWEEP_INTERVAL", time.Hour),
		},
		UsageWriter: UsageWriterConfig{
			BatchSize:    getEnvInt("USAGE_WRITER_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("USAGE_WRITER_BATCH_TIMEOUT", 2*time.Second),
			MaxRetries:   getEnvInt("USAGE_WRITER_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("USAGE_WRITER_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Audit: AuditConfig{
			FileTemplate: getEnvString("AUDIT_LOG_FILE", ""),
			MaxSize:      getEnvInt64("AUDIT_LOG_MAX_SIZE", 64<<20),
			MaxFiles:     getEnvInt("AUDIT_LOG_MAX_FILES", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StoragePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", StoragePostgres)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Broker.MaxAttempts < 1 {
		return fmt.Errorf("BROKER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("BACKOFF_FACTOR must be >= 1")
	}
	if c.Audit.FileTemplate != "" && strings.Count(c.Audit.FileTemplate, "%s") != 1 {
		return fmt.Errorf("AUDIT_LOG_FILE must contain exactly one %%s")
	}
	if c.Broker.ClusterGuard && !c.Redis.Enabled() {
		return fmt.Errorf("BROKER_CLUSTER_GUARD requires REDIS_ADDRESS")
	}
	return nil
}
