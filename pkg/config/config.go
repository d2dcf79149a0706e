package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Node            NodeConfig            `yaml:"node"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Thresholds      ThresholdsConfig      `yaml:"thresholds"`
	Cleanup         CleanupConfig         `yaml:"cleanup"`
	Recommendations RecommendationsConfig `yaml:"recommendations"`
	HTTP            HTTPConfig            `yaml:"http"`
	Cluster         ClusterConfig         `yaml:"cluster"`
	Logging         LoggingConfig         `yaml:"logging"`
	Caches          []CacheConfig         `yaml:"caches"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID string `yaml:"id"`
}

// TelemetryConfig selects where heap usage comes from and how it is sampled
type TelemetryConfig struct {
	Source          string        `yaml:"source"`            // "runtime", "pool", "none"
	Limit           string        `yaml:"limit"`             // Overrides the detected limit when set
	PoolSize        string        `yaml:"pool_size"`         // Budget of the shared memory pool
	PoolNotifyRatio float64       `yaml:"pool_notify_ratio"` // Pool pushes a sample at or above this fill ratio
	PollInterval    time.Duration `yaml:"poll_interval"`
	WindowSize      int           `yaml:"window_size"`
	TrendWindow     int           `yaml:"trend_window"`
	TrendMinDelta   string        `yaml:"trend_min_delta"`
}

// ThresholdsConfig holds the two parallel classification ladders
type ThresholdsConfig struct {
	ModeratePercent    float64 `yaml:"moderate_percent"`
	HighPercent        float64 `yaml:"high_percent"`
	CriticalPercent    float64 `yaml:"critical_percent"`
	ModerateBytes      string  `yaml:"moderate_bytes"`
	HighBytes          string  `yaml:"high_bytes"`
	CriticalBytes      string  `yaml:"critical_bytes"`
	TrendMarginPercent float64 `yaml:"trend_margin_percent"`
	TrendMarginBytes   string  `yaml:"trend_margin_bytes"`
}

// CleanupConfig controls pass execution
type CleanupConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleFallbackDelay time.Duration `yaml:"idle_fallback_delay"`
	IdleQuietPeriod   time.Duration `yaml:"idle_quiet_period"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"` // 0 disables the per-handler timeout
	GCHint            bool          `yaml:"gc_hint"`
	HistorySize       int           `yaml:"history_size"`
}

// RecommendationsConfig tunes cache health rules
type RecommendationsConfig struct {
	LowHitRate   float64 `yaml:"low_hit_rate"`
	NearCapacity float64 `yaml:"near_capacity"`
	LargeCache   string  `yaml:"large_cache"`
}

// HTTPConfig contains the diagnostics API listener
type HTTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port"`
}

// ClusterConfig contains gossip configuration
type ClusterConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BindAddr      string   `yaml:"bind_addr"`
	Port          int      `yaml:"port"`
	AdvertiseAddr string   `yaml:"advertise_addr"` // IP that other nodes use to connect
	Seeds         []string `yaml:"seeds"`          // Seed nodes for joining cluster
	RelayCleanup  bool     `yaml:"relay_cleanup"`  // Run cluster-wide cleanup requests locally
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	LogDir        string `yaml:"log_dir"`        // Log directory
	MaxFileSize   string `yaml:"max_file_size"`  // Maximum log file size before rotation
	MaxFiles      int    `yaml:"max_files"`      // Maximum number of log files to keep
}

// CacheConfig represents configuration for an individual managed cache
type CacheConfig struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"`     // "store", "bigcache"
	Priority    string        `yaml:"priority"` // "high", "medium", "low"
	Description string        `yaml:"description"`
	MaxEntries  int           `yaml:"max_entries"`
	MaxMemory   string        `yaml:"max_memory"`
	TTL         time.Duration `yaml:"ttl"`
	Shards      int           `yaml:"shards"`
	ShrinkRatio float64       `yaml:"shrink_ratio"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "memguard-node-1",
		},
		Telemetry: TelemetryConfig{
			Source:          "runtime",
			PoolSize:        "256MiB",
			PoolNotifyRatio: 0.85,
			PollInterval:    30 * time.Second,
			WindowSize:      100,
			TrendWindow:     3,
			TrendMinDelta:   "1MiB",
		},
		Thresholds: ThresholdsConfig{
			ModeratePercent:    40,
			HighPercent:        60,
			CriticalPercent:    80,
			ModerateBytes:      "100MiB",
			HighBytes:          "200MiB",
			CriticalBytes:      "300MiB",
			TrendMarginPercent: 5,
			TrendMarginBytes:   "16MiB",
		},
		Cleanup: CleanupConfig{
			IdleTimeout:       5 * time.Second,
			IdleFallbackDelay: time.Millisecond,
			IdleQuietPeriod:   250 * time.Millisecond,
			HandlerTimeout:    30 * time.Second,
			GCHint:            true,
			HistorySize:       32,
		},
		Recommendations: RecommendationsConfig{
			LowHitRate:   0.3,
			NearCapacity: 0.9,
			LargeCache:   "64MB",
		},
		HTTP: HTTPConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1",
			Port:     9080,
		},
		Cluster: ClusterConfig{
			Enabled:  false,
			BindAddr: "0.0.0.0",
			Port:     7946,
			Seeds:    []string{},
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			LogDir:        "logs",
			MaxFileSize:   "100MB",
			MaxFiles:      10,
		},
		Caches: []CacheConfig{
			{
				Name:        "sessions",
				Kind:        "store",
				Priority:    "medium",
				Description: "user session snapshots",
				MaxEntries:  100000,
				TTL:         30 * time.Minute,
				Shards:      16,
				ShrinkRatio: 0.5,
			},
			{
				Name:        "responses",
				Kind:        "bigcache",
				Priority:    "low",
				Description: "rendered response bodies",
				MaxMemory:   "64MB",
				TTL:         10 * time.Minute,
				Shards:      64,
			},
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	config := Default()

	// Try to read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}

	if !isValidTelemetrySource(c.Telemetry.Source) {
		return fmt.Errorf("invalid telemetry source: %s", c.Telemetry.Source)
	}
	if c.Telemetry.PollInterval <= 0 {
		return fmt.Errorf("telemetry.poll_interval must be positive")
	}
	if c.Telemetry.WindowSize < 1 {
		return fmt.Errorf("telemetry.window_size must be >= 1")
	}
	if c.Telemetry.TrendWindow < 2 || c.Telemetry.TrendWindow > c.Telemetry.WindowSize {
		return fmt.Errorf("telemetry.trend_window must be between 2 and window_size")
	}
	if c.Telemetry.PoolNotifyRatio < 0 || c.Telemetry.PoolNotifyRatio > 1 {
		return fmt.Errorf("telemetry.pool_notify_ratio must be between 0.0 and 1.0")
	}

	sizes := map[string]string{
		"telemetry.limit":               c.Telemetry.Limit,
		"telemetry.pool_size":           c.Telemetry.PoolSize,
		"telemetry.trend_min_delta":     c.Telemetry.TrendMinDelta,
		"thresholds.moderate_bytes":     c.Thresholds.ModerateBytes,
		"thresholds.high_bytes":         c.Thresholds.HighBytes,
		"thresholds.critical_bytes":     c.Thresholds.CriticalBytes,
		"thresholds.trend_margin_bytes": c.Thresholds.TrendMarginBytes,
		"recommendations.large_cache":   c.Recommendations.LargeCache,
		"logging.max_file_size":         c.Logging.MaxFileSize,
	}
	for key, value := range sizes {
		if value == "" {
			continue
		}
		if _, err := ParseSize(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	t := c.Thresholds
	if t.ModeratePercent <= 0 || t.CriticalPercent > 100 ||
		t.ModeratePercent >= t.HighPercent || t.HighPercent >= t.CriticalPercent {
		return fmt.Errorf("percent thresholds must be ordered: 0 < moderate < high < critical <= 100")
	}
	moderate, _ := ParseSize(t.ModerateBytes)
	high, _ := ParseSize(t.HighBytes)
	critical, _ := ParseSize(t.CriticalBytes)
	if moderate > 0 && (moderate >= high || high >= critical) {
		return fmt.Errorf("byte thresholds must be ordered: moderate < high < critical")
	}

	if c.Cleanup.IdleTimeout <= 0 {
		return fmt.Errorf("cleanup.idle_timeout must be positive")
	}
	if c.Cleanup.HandlerTimeout < 0 {
		return fmt.Errorf("cleanup.handler_timeout cannot be negative")
	}

	if c.Recommendations.LowHitRate < 0 || c.Recommendations.LowHitRate > 1 {
		return fmt.Errorf("recommendations.low_hit_rate must be between 0.0 and 1.0")
	}
	if c.Recommendations.NearCapacity <= 0 || c.Recommendations.NearCapacity > 1 {
		return fmt.Errorf("recommendations.near_capacity must be between 0.0 and 1.0")
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.Cluster.Enabled && (c.Cluster.Port <= 0 || c.Cluster.Port > 65535) {
		return fmt.Errorf("cluster.port must be between 1 and 65535")
	}

	// Validate cache configurations
	cacheNames := make(map[string]bool)
	for _, cache := range c.Caches {
		if cache.Name == "" {
			return fmt.Errorf("cache name cannot be empty")
		}
		if cacheNames[cache.Name] {
			return fmt.Errorf("duplicate cache name: %s", cache.Name)
		}
		cacheNames[cache.Name] = true

		if !isValidCacheKind(cache.Kind) {
			return fmt.Errorf("invalid kind for cache %s: %s", cache.Name, cache.Kind)
		}
		if !isValidPriority(cache.Priority) {
			return fmt.Errorf("invalid priority for cache %s: %s", cache.Name, cache.Priority)
		}
		if cache.Kind == "bigcache" && cache.TTL <= 0 {
			return fmt.Errorf("ttl for bigcache %s must be positive", cache.Name)
		}
		if cache.ShrinkRatio < 0 || cache.ShrinkRatio >= 1 {
			return fmt.Errorf("shrink_ratio for cache %s must be in [0.0, 1.0)", cache.Name)
		}
		if cache.MaxMemory != "" {
			if _, err := ParseSize(cache.MaxMemory); err != nil {
				return fmt.Errorf("max_memory for cache %s: %w", cache.Name, err)
			}
		}
	}

	return nil
}

// isValidTelemetrySource checks if the telemetry source is supported
func isValidTelemetrySource(source string) bool {
	validSources := map[string]bool{
		"runtime": true, // Go runtime heap statistics
		"pool":    true, // Shared memory pool budget
		"none":    true, // No telemetry, pressure stays low
	}
	return validSources[source]
}

// isValidCacheKind checks if the managed cache kind is supported
func isValidCacheKind(kind string) bool {
	validKinds := map[string]bool{
		"store":    true,
		"bigcache": true,
	}
	return validKinds[kind]
}

func isValidPriority(priority string) bool {
	switch strings.ToLower(priority) {
	case "high", "medium", "low":
		return true
	}
	return false
}

var sizeMultipliers = map[string]uint64{
	"":    1,
	"B":   1,
	"KB":  1 << 10,
	"KIB": 1 << 10,
	"MB":  1 << 20,
	"MIB": 1 << 20,
	"GB":  1 << 30,
	"GIB": 1 << 30,
	"TB":  1 << 40,
	"TIB": 1 << 40,
}

// ParseSize converts strings like "64MB" or "1MiB" into bytes. Units are
// binary in both spellings.
func ParseSize(sizeStr string) (uint64, error) {
	s := strings.TrimSpace(sizeStr)
	if s == "" {
		return 0, nil
	}

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size format %q", sizeStr)
	}

	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size format %q: %w", sizeStr, err)
	}

	unit := strings.ToUpper(strings.TrimSpace(s[i:]))
	multiplier, exists := sizeMultipliers[unit]
	if !exists {
		return 0, fmt.Errorf("unknown unit %q in size %q", unit, sizeStr)
	}

	return uint64(value * float64(multiplier)), nil
}

// MustParseSize is ParseSize for values already checked by Validate
func MustParseSize(sizeStr string) uint64 {
	size, err := ParseSize(sizeStr)
	if err != nil {
		panic(err)
	}
	return size
}
