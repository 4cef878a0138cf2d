package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Synthesis Gateway - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	Billing    BillingConfig    `yaml:"billing"`
	Events     EventsConfig     `yaml:"events"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Core       CoreConfig       `yaml:"core"`
	Worker     WorkerConfig     `yaml:"worker"`
	Overflow   OverflowConfig   `yaml:"overflow"`
	Cache      CacheConfig      `yaml:"cache"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// BrokerConfig configures the Redis broker shared by every loop.
type BrokerConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	DialTimeoutMs int   `yaml:"dial_timeout_ms"`
}

// DatabaseConfig for the relational store (Supabase/Postgres, optionally Spanner).
type DatabaseConfig struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	Spanner  SpannerConfig  `yaml:"spanner"`
	VacuumDSN string        `yaml:"vacuum_dsn"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

// BillingConfig selects the persistent billing-store backend.
type BillingConfig struct {
	Backend           string `yaml:"backend"` // "supabase" (default) or "spanner"
	PoolSize          int    `yaml:"pool_size"`
	RetryAttempts     int    `yaml:"retry_attempts"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms"`
}

// EventsConfig for the ambient Cloud Pub/Sub domain-event bus.
type EventsConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig for dead-letter escalation of billing events.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	AlertURL   string `yaml:"alert_url"`
	Enabled    bool   `yaml:"enabled"`
}

// WebhooksConfig for the optional completion-webhook notification channel.
// Uses the same Cloud Tasks queue family as CloudTasksConfig but a
// dedicated queue, since webhook delivery volume and retry policy differ
// from billing dead-letter escalation.
type WebhooksConfig struct {
	Enabled    bool   `yaml:"enabled"`
	QueueID    string `yaml:"queue_id"`
	Workers    int    `yaml:"workers"`
}

// CoreConfig carries the knobs the orchestration core reads directly.
type CoreConfig struct {
	VisibilityBack       int `yaml:"visibility_back"`
	VisibilityForward    int `yaml:"visibility_forward"`
	OverflowThresholdMs  int `yaml:"overflow_threshold_ms"`
	ReapThresholdMs      int `yaml:"reap_threshold_ms"`
	SingleflightTTLMs    int `yaml:"singleflight_ttl_ms"`
	ScanIntervalMs       int `yaml:"scan_interval_ms"`
	WorkerPollTimeoutMs  int `yaml:"worker_poll_timeout_ms"`
}

// WorkerConfig tunes per-model worker concurrency and the addresses of the
// underlying synthesis backends each adapter calls out to.
type WorkerConfig struct {
	MaxParallel          int    `yaml:"max_parallel"`
	KokoroSidecarAddr    string `yaml:"kokoro_sidecar_addr"`
	PremiumBaseURL       string `yaml:"premium_base_url"`
	PremiumAPIKey        string `yaml:"premium_api_key"`
	PremiumCallTimeoutMs int    `yaml:"premium_call_timeout_ms"`
}

// OverflowConfig for the remote elastic-compute endpoint.
type OverflowConfig struct {
	ElasticEndpointAddr string `yaml:"elastic_endpoint_addr"`
	CallTimeoutMs       int    `yaml:"call_timeout_ms"`
}

// CacheConfig for the filesystem-backed audio cache.
type CacheConfig struct {
	RootDir        string  `yaml:"root_dir"`
	BloatThreshold float64 `yaml:"bloat_threshold"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("GATEWAY_ENV", c.Server.Env)
	c.Server.Interface = getEnv("GATEWAY_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	// Broker
	c.Broker.Addr = getEnv("REDIS_ADDR", c.Broker.Addr)
	c.Broker.Password = getEnv("REDIS_PASSWORD", c.Broker.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Broker.DB = v
	}
	if v := getEnvInt("REDIS_POOL_SIZE", 0); v > 0 {
		c.Broker.PoolSize = v
	}

	// Database - Supabase / Spanner / vacuum bookkeeping
	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)
	c.Database.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Database.Spanner.ProjectID)
	c.Database.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Database.Spanner.InstanceID)
	c.Database.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Database.Spanner.DatabaseID)
	c.Database.VacuumDSN = getEnv("CACHE_VACUUM_DSN", c.Database.VacuumDSN)

	// Billing backend selection
	c.Billing.Backend = getEnv("BILLING_BACKEND", c.Billing.Backend)
	if v := getEnvInt("BILLING_POOL_SIZE", 0); v > 0 {
		c.Billing.PoolSize = v
	}
	if v := getEnvInt("BILLING_RETRY_ATTEMPTS", 0); v > 0 {
		c.Billing.RetryAttempts = v
	}
	if v := getEnvInt("BILLING_RETRY_BACKOFF_MS", 0); v > 0 {
		c.Billing.RetryBackoffMs = v
	}

	// Domain events (Pub/Sub)
	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.Events.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID // share project
	}
	c.Events.TopicID = getEnv("EVENTS_TOPIC_ID", c.Events.TopicID)
	c.Events.Enabled = getEnvBool("EVENTS_ENABLED", c.Events.Enabled)

	// Cloud Tasks dead-letter escalation
	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.AlertURL = getEnv("CLOUD_TASKS_ALERT_URL", c.CloudTasks.AlertURL)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	// Completion webhooks
	c.Webhooks.Enabled = getEnvBool("WEBHOOKS_ENABLED", c.Webhooks.Enabled)
	c.Webhooks.QueueID = getEnv("WEBHOOKS_QUEUE", c.Webhooks.QueueID)
	if v := getEnvInt("WEBHOOKS_WORKERS", 0); v > 0 {
		c.Webhooks.Workers = v
	}

	// Core knobs
	if v := getEnvInt("VISIBILITY_BACK", 0); v > 0 {
		c.Core.VisibilityBack = v
	}
	if v := getEnvInt("VISIBILITY_FORWARD", 0); v > 0 {
		c.Core.VisibilityForward = v
	}
	if v := getEnvInt("OVERFLOW_THRESHOLD_MS", 0); v > 0 {
		c.Core.OverflowThresholdMs = v
	}
	if v := getEnvInt("REAP_THRESHOLD_MS", 0); v > 0 {
		c.Core.ReapThresholdMs = v
	}
	if v := getEnvInt("SINGLEFLIGHT_TTL_MS", 0); v > 0 {
		c.Core.SingleflightTTLMs = v
	}
	if v := getEnvInt("SCAN_INTERVAL_MS", 0); v > 0 {
		c.Core.ScanIntervalMs = v
	}
	if v := getEnvInt("WORKER_POLL_TIMEOUT_MS", 0); v > 0 {
		c.Core.WorkerPollTimeoutMs = v
	}

	// Worker
	if v := getEnvInt("WORKER_MAX_PARALLEL", 0); v > 0 {
		c.Worker.MaxParallel = v
	}
	c.Worker.KokoroSidecarAddr = getEnv("KOKORO_SIDECAR_ADDR", c.Worker.KokoroSidecarAddr)
	c.Worker.PremiumBaseURL = getEnv("PREMIUM_BASE_URL", c.Worker.PremiumBaseURL)
	c.Worker.PremiumAPIKey = getEnv("PREMIUM_API_KEY", c.Worker.PremiumAPIKey)
	if v := getEnvInt("PREMIUM_CALL_TIMEOUT_MS", 0); v > 0 {
		c.Worker.PremiumCallTimeoutMs = v
	}

	// Overflow
	c.Overflow.ElasticEndpointAddr = getEnv("ELASTIC_ENDPOINT_ADDR", c.Overflow.ElasticEndpointAddr)
	if v := getEnvInt("OVERFLOW_CALL_TIMEOUT_MS", 0); v > 0 {
		c.Overflow.CallTimeoutMs = v
	}

	// Cache
	c.Cache.RootDir = getEnv("CACHE_ROOT_DIR", c.Cache.RootDir)
	if v := getEnvFloat("CACHE_BLOAT_THRESHOLD", 0); v > 0 {
		c.Cache.BloatThreshold = v
	}

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Broker.Addr == "" {
		c.Broker.Addr = "localhost:6379"
	}
	if c.Broker.PoolSize == 0 {
		c.Broker.PoolSize = 20
	}
	if c.Broker.DialTimeoutMs == 0 {
		c.Broker.DialTimeoutMs = 3000
	}
	if c.Billing.Backend == "" {
		c.Billing.Backend = "supabase"
	}
	if c.Billing.PoolSize == 0 {
		c.Billing.PoolSize = 2
	}
	if c.Billing.RetryAttempts == 0 {
		c.Billing.RetryAttempts = 5
	}
	if c.Billing.RetryBackoffMs == 0 {
		c.Billing.RetryBackoffMs = 1000
	}
	if c.Events.TopicID == "" {
		c.Events.TopicID = "tts-synthesis-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "tts-billing-deadletter"
	}
	if c.Webhooks.QueueID == "" {
		c.Webhooks.QueueID = "tts-webhook-delivery"
	}
	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = 4
	}
	// Core knob defaults
	if c.Core.VisibilityBack == 0 {
		c.Core.VisibilityBack = 8
	}
	if c.Core.VisibilityForward == 0 {
		c.Core.VisibilityForward = 16
	}
	if c.Core.OverflowThresholdMs == 0 {
		c.Core.OverflowThresholdMs = 10000
	}
	if c.Core.ReapThresholdMs == 0 {
		c.Core.ReapThresholdMs = 60000
	}
	if c.Core.SingleflightTTLMs == 0 {
		c.Core.SingleflightTTLMs = 300000
	}
	if c.Core.ScanIntervalMs == 0 {
		c.Core.ScanIntervalMs = 1000
	}
	if c.Core.WorkerPollTimeoutMs == 0 {
		c.Core.WorkerPollTimeoutMs = 5000
	}
	if c.Worker.MaxParallel == 0 {
		c.Worker.MaxParallel = 4
	}
	if c.Worker.KokoroSidecarAddr == "" {
		c.Worker.KokoroSidecarAddr = "localhost:7000"
	}
	if c.Worker.PremiumCallTimeoutMs == 0 {
		c.Worker.PremiumCallTimeoutMs = 20000
	}
	if c.Overflow.CallTimeoutMs == 0 {
		c.Overflow.CallTimeoutMs = 15000
	}
	if c.Cache.RootDir == "" {
		c.Cache.RootDir = "./var/audio-cache"
	}
	if c.Cache.BloatThreshold == 0 {
		c.Cache.BloatThreshold = 0.30
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// GetSupabaseURL returns the Supabase URL
func (c *Config) GetSupabaseURL() string {
	return c.Database.Supabase.URL
}

// GetSupabaseKey returns the Supabase service key
func (c *Config) GetSupabaseKey() string {
	return c.Database.Supabase.ServiceKey
}
