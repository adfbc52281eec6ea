// Package config defines the engine's flat configuration structure and its
// loaders (environment variables, optional YAML file), following the
// reference model-runner's envconfig idiom of lazy, individually-parsed
// settings with explicit defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DropPolicy controls what the flow controller does when a stream's buffer
// stays in the Critical backpressure state.
type DropPolicy string

const (
	DropPolicyBlock      DropPolicy = "Block"
	DropPolicyDropOldest DropPolicy = "DropOldest"
)

// AdmissionPolicy controls queue behavior once at capacity.
type AdmissionPolicy string

const (
	AdmissionReject     AdmissionPolicy = "Reject"
	AdmissionShedLowest AdmissionPolicy = "ShedLowest"
)

// Compression identifies an on-disk response cache compression codec.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ResponseCacheConfig configures the response cache (C4).
type ResponseCacheConfig struct {
	Enabled     bool
	MaxEntries  int
	MaxBytes    int64
	TTL         time.Duration
	Compression Compression
}

// RateLimitConfig configures per-principal admission limits (C6).
type RateLimitConfig struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Config is the engine's single flat configuration structure. All fields
// have defaults applied by Default(); invalid combinations are rejected by
// Validate() at startup rather than surfacing as runtime surprises.
type Config struct {
	ListenAddress string
	ModelsDir     string
	CORSOrigins   []string
	WarmModels    []string

	MaxLoadedModels        int
	MaxQueued              int
	RequestTimeout         time.Duration
	InterTokenTimeout      time.Duration
	AckTimeout             time.Duration
	KeepAliveInterval      time.Duration
	BatchSize              int
	MaxWait                time.Duration
	BufferCapacity         int
	DropPolicy             DropPolicy
	ModerateSlowdownDelay  time.Duration
	AdmissionPolicy        AdmissionPolicy
	AgingThreshold         time.Duration
	HandleAcquireTimeout   time.Duration
	BlockingPoolMultiplier int

	ResponseCache ResponseCacheConfig
	RateLimit     RateLimitConfig

	PersistCache          bool
	CacheDir              string
	PersistInterval       time.Duration
	MaxCacheEntryBytes    int64
	ResponseCacheShards   int
	AllowedCompressions   []string
	LogLevel              string
	LogJSON               bool
}

// Default returns a Config populated with the defaults named in spec.md §6.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		ModelsDir:     "./models",
		CORSOrigins:   []string{"*"},

		MaxLoadedModels:        4,
		MaxQueued:              256,
		RequestTimeout:         5 * time.Minute,
		InterTokenTimeout:      30 * time.Second,
		AckTimeout:             30 * time.Second,
		KeepAliveInterval:      30 * time.Second,
		BatchSize:              3,
		MaxWait:                50 * time.Millisecond,
		BufferCapacity:         64,
		DropPolicy:             DropPolicyBlock,
		ModerateSlowdownDelay:  3 * time.Millisecond,
		AdmissionPolicy:        AdmissionReject,
		AgingThreshold:         30 * time.Second,
		HandleAcquireTimeout:   10 * time.Second,
		BlockingPoolMultiplier: 2,

		ResponseCache: ResponseCacheConfig{
			Enabled:     true,
			MaxEntries:  10_000,
			MaxBytes:    512 * 1024 * 1024,
			TTL:         time.Hour,
			Compression: CompressionZstd,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			TokensPerMinute:   1_000_000,
		},

		PersistCache:        false,
		CacheDir:            "./.cache",
		PersistInterval:     5 * time.Minute,
		MaxCacheEntryBytes:  8 * 1024 * 1024,
		ResponseCacheShards: 32,
		AllowedCompressions: []string{"gzip", "deflate", "br"},
		LogLevel:            "info",
		LogJSON:             false,
	}
}

// FromEnv starts from Default() and overrides fields present in the
// environment, following the reference envconfig.Var idiom: each variable is
// trimmed of surrounding quotes/space and ignored if empty.
func FromEnv() Config {
	c := Default()

	if v := envVar("INFERNO_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := envVar("INFERNO_MODELS_DIR"); v != "" {
		c.ModelsDir = v
	}
	if v := envVar("INFERNO_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	if v := envVar("INFERNO_WARM_MODELS"); v != "" {
		c.WarmModels = strings.Split(v, ",")
	}
	if v, ok := envInt("INFERNO_MAX_LOADED_MODELS"); ok {
		c.MaxLoadedModels = v
	}
	if v, ok := envInt("INFERNO_MAX_QUEUED"); ok {
		c.MaxQueued = v
	}
	if v, ok := envDuration("INFERNO_REQUEST_TIMEOUT_SECONDS"); ok {
		c.RequestTimeout = v
	}
	if v, ok := envDuration("INFERNO_INTER_TOKEN_TIMEOUT_SECONDS"); ok {
		c.InterTokenTimeout = v
	}
	if v, ok := envDuration("INFERNO_ACK_TIMEOUT_SECONDS"); ok {
		c.AckTimeout = v
	}
	if v, ok := envDuration("INFERNO_KEEPALIVE_INTERVAL_SECONDS"); ok {
		c.KeepAliveInterval = v
	}
	if v, ok := envInt("INFERNO_BATCH_SIZE"); ok {
		c.BatchSize = v
	}
	if v := envVar("INFERNO_MAX_WAIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.MaxWait = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := envInt("INFERNO_BUFFER_CAPACITY"); ok {
		c.BufferCapacity = v
	}
	if v := envVar("INFERNO_DROP_POLICY"); v != "" {
		c.DropPolicy = DropPolicy(v)
	}
	if v := envVar("INFERNO_MODERATE_SLOWDOWN_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.ModerateSlowdownDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := envVar("INFERNO_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := envVar("INFERNO_PERSIST_CACHE"); v != "" {
		c.PersistCache = v == "1" || strings.EqualFold(v, "true")
	}
	if v := envVar("INFERNO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, ok := envInt("INFERNO_RATE_LIMIT_REQUESTS_PER_MINUTE"); ok {
		c.RateLimit.RequestsPerMinute = v
	}
	if v, ok := envInt("INFERNO_RATE_LIMIT_TOKENS_PER_MINUTE"); ok {
		c.RateLimit.TokensPerMinute = v
	}
	return c
}

// LoadYAML overlays YAML file contents at path onto base, returning the
// merged config. A missing file is not an error: callers that only want
// environment configuration can pass an empty path.
func LoadYAML(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return base, nil
}

// Validate rejects invalid configuration combinations at startup, per
// spec.md §9 ("Invalid combinations are rejected at startup").
func (c Config) Validate() error {
	var errs []string
	if c.MaxLoadedModels < 1 {
		errs = append(errs, "max_loaded_models must be >= 1")
	}
	if c.MaxQueued < 1 {
		errs = append(errs, "max_queued must be >= 1")
	}
	if c.BatchSize < 1 {
		errs = append(errs, "batch_size must be >= 1")
	}
	if c.BufferCapacity < 1 {
		errs = append(errs, "buffer_capacity must be >= 1")
	}
	if c.DropPolicy != DropPolicyBlock && c.DropPolicy != DropPolicyDropOldest {
		errs = append(errs, "drop_policy must be Block or DropOldest")
	}
	if c.AdmissionPolicy != AdmissionReject && c.AdmissionPolicy != AdmissionShedLowest {
		errs = append(errs, "admission policy must be Reject or ShedLowest")
	}
	if c.ResponseCache.Enabled {
		if c.ResponseCache.Compression != CompressionNone &&
			c.ResponseCache.Compression != CompressionGzip &&
			c.ResponseCache.Compression != CompressionZstd {
			errs = append(errs, "response_cache.compression must be none, gzip, or zstd")
		}
	}
	if c.ResponseCacheShards < 1 {
		errs = append(errs, "response cache shard count must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envVar(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), `"'`)
}

func envInt(key string) (int, bool) {
	v := envVar(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(secondsKey string) (time.Duration, bool) {
	n, ok := envInt(secondsKey)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
