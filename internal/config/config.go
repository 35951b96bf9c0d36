// Package config loads the synthesis core's settings from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// yapit-sub004 synthesis core configuration
// =============================================================================

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	VariantCache VariantCacheConfig `yaml:"variant_cache"`
	Models       map[string]ModelConfig `yaml:"models"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	UsageRecorder UsageRecorderConfig `yaml:"usage_recorder"`
	PubSub       PubSubConfig       `yaml:"pubsub"`
	Warmer       WarmerConfig       `yaml:"warmer"`
	Queue        QueueConfig        `yaml:"queue"`
	Documents    DocumentServiceConfig `yaml:"documents"`
}

// DocumentServiceConfig points at the external document-ingestion service
// that owns block text and voice params (spec §1 "out of scope: document
// ingestion"; §6 "get_block"). The core only ever reads from it.
type DocumentServiceConfig struct {
	BaseURL string `yaml:"base_url"`
}

// QueueConfig tunes behavior shared across all models rather than one
// model's dispatch (§4.1 dedup TTL, §4.3 cursor retention window).
type QueueConfig struct {
	VariantTimeoutSec      int `yaml:"variant_timeout_sec"`
	CursorRetentionBehind  int `yaml:"cursor_retention_behind"`
	CursorRetentionAhead   int `yaml:"cursor_retention_ahead"`
}

func (q QueueConfig) VariantTimeout() time.Duration {
	return time.Duration(q.VariantTimeoutSec) * time.Second
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

// RedisConfig addresses the single Redis deployment backing the queue,
// inflight keys, and notification pub/sub (§4.2, §6).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VariantCacheConfig configures the embedded blob store (§4.1).
type VariantCacheConfig struct {
	Path              string `yaml:"path"`
	TargetSizeBytes   int64  `yaml:"target_size_bytes"`
	FlushIntervalSec  int    `yaml:"flush_interval_sec"`
	EvictIntervalSec  int    `yaml:"evict_interval_sec"`
}

// ModelConfig holds per-model queue tuning (§4.7, §4.8). Map key is the
// model slug (e.g. "kokoro").
type ModelConfig struct {
	VisibilityTimeoutSec int    `yaml:"visibility_timeout_sec"`
	MaxRetries           int    `yaml:"max_retries"`
	OverflowThresholdSec int    `yaml:"overflow_threshold_sec"`
	OverflowAdapter      string `yaml:"overflow_adapter"` // "" disables overflow for this model
	Dispatch             string `yaml:"dispatch"`         // "serial" | "parallel"
	AdapterKind          string `yaml:"adapter_kind"`     // "local" | "http"
	AdapterEndpoint      string `yaml:"adapter_endpoint"`
}

func (m ModelConfig) VisibilityTimeout() time.Duration {
	return time.Duration(m.VisibilityTimeoutSec) * time.Second
}

func (m ModelConfig) OverflowThreshold() time.Duration {
	return time.Duration(m.OverflowThresholdSec) * time.Second
}

// PostgresConfig backs the billing consumer's own small connection pool
// (§4.6, §5 "isolated from any websocket or result-path work").
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	MaxOpenConn int    `yaml:"max_open_conns"`
	MaxIdleConn int    `yaml:"max_idle_conns"`
}

// UsageRecorderConfig points at the external usage-recording collaborator
// (§6, consumed via Supabase REST).
type UsageRecorderConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// PubSubConfig optionally mirrors committed billing events to GCP Pub/Sub
// for downstream analytics (SPEC_FULL.md §C). Disabled by default.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// WarmerConfig configures the one-shot cache warmer (§4.9).
type WarmerConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

// =============================================================================
// Loading
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config, loaded once from CONFIG_PATH (or
// "config.yaml") with environment overrides applied.
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

// LoadConfig reads and decodes the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then fills in
// defaults for anything still zero-valued.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("YAPIT_ENV", c.Server.Env)
	c.Server.Interface = getEnv("YAPIT_INTERFACE", c.Server.Interface)
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
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	c.VariantCache.Path = getEnv("VARIANT_CACHE_PATH", c.VariantCache.Path)
	if v := getEnvInt("VARIANT_CACHE_TARGET_SIZE_BYTES", 0); v > 0 {
		c.VariantCache.TargetSizeBytes = int64(v)
	}
	if v := getEnvInt("VARIANT_CACHE_FLUSH_INTERVAL_SEC", 0); v > 0 {
		c.VariantCache.FlushIntervalSec = v
	}
	if v := getEnvInt("VARIANT_CACHE_EVICT_INTERVAL_SEC", 0); v > 0 {
		c.VariantCache.EvictIntervalSec = v
	}

	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	if v := getEnvInt("POSTGRES_MAX_OPEN_CONNS", 0); v > 0 {
		c.Postgres.MaxOpenConn = v
	}
	if v := getEnvInt("POSTGRES_MAX_IDLE_CONNS", 0); v > 0 {
		c.Postgres.MaxIdleConn = v
	}

	c.UsageRecorder.URL = getEnv("SUPABASE_URL", c.UsageRecorder.URL)
	c.UsageRecorder.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.UsageRecorder.ServiceKey)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Warmer.ManifestPath = getEnv("WARMER_MANIFEST_PATH", c.Warmer.ManifestPath)
	c.Documents.BaseURL = getEnv("DOCUMENT_SERVICE_BASE_URL", c.Documents.BaseURL)

	if v := getEnvInt("QUEUE_VARIANT_TIMEOUT_SEC", 0); v > 0 {
		c.Queue.VariantTimeoutSec = v
	}
	if v := getEnvInt("QUEUE_CURSOR_RETENTION_BEHIND", 0); v > 0 {
		c.Queue.CursorRetentionBehind = v
	}
	if v := getEnvInt("QUEUE_CURSOR_RETENTION_AHEAD", 0); v > 0 {
		c.Queue.CursorRetentionAhead = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
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
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.VariantCache.Path == "" {
		c.VariantCache.Path = "./data/variants.db"
	}
	if c.VariantCache.TargetSizeBytes == 0 {
		c.VariantCache.TargetSizeBytes = 20 << 30 // 20 GiB
	}
	if c.VariantCache.FlushIntervalSec == 0 {
		c.VariantCache.FlushIntervalSec = 10 // §4.1 "~10-second cadence"
	}
	if c.VariantCache.EvictIntervalSec == 0 {
		c.VariantCache.EvictIntervalSec = 60
	}
	if c.Postgres.MaxOpenConn == 0 {
		c.Postgres.MaxOpenConn = 4 // §5: small pool, isolated from the hot path
	}
	if c.Postgres.MaxIdleConn == 0 {
		c.Postgres.MaxIdleConn = 2
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "yapit-usage-events"
	}
	if c.Queue.VariantTimeoutSec == 0 {
		c.Queue.VariantTimeoutSec = 300 // §4.1: long enough to cover one synthesis + requeue cycle
	}
	if c.Queue.CursorRetentionBehind == 0 {
		c.Queue.CursorRetentionBehind = 2 // §4.3 example: "2 blocks behind"
	}
	if c.Queue.CursorRetentionAhead == 0 {
		c.Queue.CursorRetentionAhead = 10 // §4.3 example: "10 ahead"
	}
	if c.Models == nil {
		c.Models = map[string]ModelConfig{}
	}
	for slug, mc := range c.Models {
		if mc.VisibilityTimeoutSec == 0 {
			mc.VisibilityTimeoutSec = 45
		}
		if mc.MaxRetries == 0 {
			mc.MaxRetries = 3
		}
		if mc.OverflowThresholdSec == 0 {
			mc.OverflowThresholdSec = 30
		}
		if mc.Dispatch == "" {
			mc.Dispatch = "serial"
		}
		c.Models[slug] = mc
	}
}

// =============================================================================
// Helper functions
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
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// ModelConfigFor returns the tuning for a model slug, or the package
// default if the operator never configured that model explicitly.
func (c *Config) ModelConfigFor(slug string) ModelConfig {
	if mc, ok := c.Models[slug]; ok {
		return mc
	}
	return ModelConfig{
		VisibilityTimeoutSec: 45,
		MaxRetries:           3,
		OverflowThresholdSec: 30,
		Dispatch:             "serial",
	}
}
