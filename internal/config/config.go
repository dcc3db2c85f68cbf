package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const appName = "xctf-sandboxd"

// Config holds all configuration for the server.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Security
	SessionSecret []byte

	// Redis (C1 distributed mutex, pub/sub notification fanout)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Docker-specific settings
	DockerHost    string // Docker socket/host (default: unix:///var/run/docker.sock)
	DockerNetwork string // Docker network to attach challenge containers to

	// Volume manager settings (C2)
	VolumeBaseDir  string // Base directory for loopback-mounted volume images
	VolumeImageMB  int    // Size in MB of each provisioned ext4 image

	// Firewall settings (C4)
	NFTTable       string // nftables table name owned by this controller
	NFTRulesetPath string // path nft ruleset dumps are persisted to

	// Sandbox lifecycle settings (C6)
	SandboxLockTTL      time.Duration // distributed lock TTL held during get-or-create
	SandboxHealthTimeout time.Duration // max wait for a container to report healthy

	// Resource limit defaults, used when a challenge doesn't override them
	DefaultMemoryLimitMB int
	DefaultCPUQuota      int64
	DefaultCPUPeriod     int64

	// Reconciliation scheduler intervals (C7)
	DestroyNonStaticSandboxesInterval time.Duration
	CleanupExpiredSessionsInterval    time.Duration
	CleanOrphanFirewallPortsInterval  time.Duration
	RefreshSandboxesInterval          time.Duration
	SandboxIdleTimeout                time.Duration

	// Job Dispatcher settings
	DispatcherEnabled           bool
	DispatcherPollInterval      time.Duration
	DispatcherHeartbeatInterval time.Duration
	DispatcherHeartbeatTimeout  time.Duration
	DispatcherStaleJobTimeout   time.Duration
	DispatcherJobTimeout        time.Duration
	DispatcherImmediateExecution bool
	JobRetryBackoff             time.Duration
	JobMaxAttempts              int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://"+filepath.Join(xdg.DataHome, appName, "sandboxd.db"))
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	sessionSecret := getEnv("SESSION_SECRET", "")
	if sessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}
	cfg.SessionSecret = []byte(sessionSecret)

	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)

	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.DockerNetwork = getEnv("DOCKER_NETWORK", "")

	cfg.VolumeBaseDir = getEnv("VOLUME_BASE_DIR", filepath.Join(xdg.DataHome, appName, "volumes"))
	cfg.VolumeImageMB = getEnvInt("VOLUME_IMAGE_MB", 256)

	cfg.NFTTable = getEnv("NFT_TABLE", "xctf")
	cfg.NFTRulesetPath = getEnv("NFT_RULESET_PATH", filepath.Join(xdg.StateHome, appName, "nftables.ruleset"))

	cfg.SandboxLockTTL = getEnvDuration("SANDBOX_LOCK_TTL", 10*time.Second)
	cfg.SandboxHealthTimeout = getEnvDuration("SANDBOX_HEALTH_TIMEOUT", 60*time.Second)

	cfg.DefaultMemoryLimitMB = getEnvInt("DEFAULT_MEMORY_LIMIT_MB", 512)
	cfg.DefaultCPUQuota = int64(getEnvInt("DEFAULT_CPU_QUOTA", 50000))
	cfg.DefaultCPUPeriod = int64(getEnvInt("DEFAULT_CPU_PERIOD", 100000))

	cfg.DestroyNonStaticSandboxesInterval = getEnvDuration("DESTROY_NON_STATIC_SANDBOXES_INTERVAL", 1*time.Minute)
	cfg.CleanupExpiredSessionsInterval = getEnvDuration("CLEANUP_EXPIRED_SESSIONS_INTERVAL", 5*time.Minute)
	cfg.CleanOrphanFirewallPortsInterval = getEnvDuration("CLEAN_ORPHAN_FIREWALL_PORTS_INTERVAL", 10*time.Minute)
	cfg.RefreshSandboxesInterval = getEnvDuration("REFRESH_SANDBOXES_INTERVAL", 10*time.Minute)
	cfg.SandboxIdleTimeout = getEnvDuration("SANDBOX_IDLE_TIMEOUT", 15*time.Minute)

	cfg.DispatcherEnabled = getEnvBool("DISPATCHER_ENABLED", true)
	cfg.DispatcherPollInterval = getEnvDuration("DISPATCHER_POLL_INTERVAL", 2*time.Second)
	cfg.DispatcherHeartbeatInterval = getEnvDuration("DISPATCHER_HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.DispatcherHeartbeatTimeout = getEnvDuration("DISPATCHER_HEARTBEAT_TIMEOUT", 30*time.Second)
	cfg.DispatcherStaleJobTimeout = getEnvDuration("DISPATCHER_STALE_JOB_TIMEOUT", 10*time.Minute)
	cfg.DispatcherJobTimeout = getEnvDuration("DISPATCHER_JOB_TIMEOUT", 2*time.Minute)
	cfg.DispatcherImmediateExecution = getEnvBool("DISPATCHER_IMMEDIATE_EXECUTION", true)
	cfg.JobRetryBackoff = getEnvDuration("JOB_RETRY_BACKOFF", 5*time.Second)
	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 3)

	return cfg, nil
}

// detectDriver determines the database driver from DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
