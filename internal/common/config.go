package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Browser     BrowserConfig   `toml:"browser"`
	Proxy       ProxyConfig     `toml:"proxy"`
	Queue       QueueConfig     `toml:"queue"`
	Cache       CacheConfig     `toml:"cache"`
	State       StateConfig     `toml:"state"`
	Profiles    ProfilesConfig  `toml:"profiles"`
	Origin      OriginConfig    `toml:"origin"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// BrowserConfig controls the browser pool. ProxiedCount accepts a numeric
// literal, true (= max_browsers), false (= 0), or a negative integer meaning
// "all except |n|"; keep it untyped and resolve with ResolveProxiedCount.
type BrowserConfig struct {
	MinBrowsers       int           `toml:"min_browsers"`
	MaxBrowsers       int           `toml:"max_browsers"`
	MinTabs           int           `toml:"min_tabs"`
	TabsPerBrowser    int           `toml:"tabs_per_browser"`
	ProxiedCount      interface{}   `toml:"proxied_count"`
	Headless          bool          `toml:"headless"`
	NoSandbox         bool          `toml:"no_sandbox"`
	DisableGPU        bool          `toml:"disable_gpu"`
	NavigationTimeout time.Duration `toml:"navigation_timeout"`
	CloseTimeout      time.Duration `toml:"close_timeout"`
	WarmupURL         string        `toml:"warmup_url"`
}

type ProxyConfig struct {
	MaxSize               int           `toml:"max_size"`
	MinSize               int           `toml:"min_size"`
	ValidationInterval    time.Duration `toml:"validation_interval"`
	RevalidationThreshold time.Duration `toml:"revalidation_threshold"`
	BatchSize             int           `toml:"batch_size"`
	RotationStrategy      string        `toml:"rotation_strategy"` // round-robin, latency-based, weighted, sticky-session, random
	ProbeTimeout          time.Duration `toml:"probe_timeout"`
	MaxAcceptableLatency  time.Duration `toml:"max_acceptable_latency"`
	PenaltyDuration       time.Duration `toml:"penalty_duration"`
	StrikePenaltyDuration time.Duration `toml:"strike_penalty_duration"`
	IPInfoURL             string        `toml:"ip_info_url"`
	SnapshotFile          string        `toml:"snapshot_file"`
	WhitelistFile         string        `toml:"whitelist_file"`
	SourcesFile           string        `toml:"sources_file"`
	DefaultSourcesFile    string        `toml:"default_sources_file"`
}

type QueueConfig struct {
	RetryAttempts    int           `toml:"retry_attempts"`
	HedgeDelay       time.Duration `toml:"hedge_delay"`
	RetentionWindow  time.Duration `toml:"retention_window"`
	CleanupSchedule  string        `toml:"cleanup_schedule"` // cron format
	MaxProductFanout int           `toml:"max_product_fanout"`
	FanoutPerSecond  float64       `toml:"fanout_per_second"`
}

type CacheConfig struct {
	ResultTTL         time.Duration `toml:"result_ttl"`
	PreloadStoreTTL   time.Duration `toml:"preload_store_ttl"`
	PreloadProductTTL time.Duration `toml:"preload_product_ttl"`
	MaxEntries        int           `toml:"max_entries"`
}

// StateConfig configures queue-state persistence. Redis is the primary store;
// the fallback file takes over when Redis is unreachable.
type StateConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
	FallbackFile  string `toml:"fallback_file"`
}

type ProfilesConfig struct {
	WorkingSetFile       string  `toml:"working_set_file"`
	WorkingSetPreference float64 `toml:"working_set_preference"` // probability of drawing from the working set
}

// OriginConfig describes the scraped origin.
type OriginConfig struct {
	BaseURL          string `toml:"base_url"`
	APIHost          string `toml:"api_host"`
	ReachabilityHost string `toml:"reachability_host"` // host:port used by proxy origin checks
}

// DefaultConfig returns a config with production defaults applied
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Browser: BrowserConfig{
			MinBrowsers:       1,
			MaxBrowsers:       4,
			MinTabs:           1,
			TabsPerBrowser:    3,
			ProxiedCount:      int64(2),
			Headless:          true,
			NoSandbox:         true,
			DisableGPU:        true,
			NavigationTimeout: 25 * time.Second,
			CloseTimeout:      5 * time.Second,
			WarmupURL:         "https://www.naver.com",
		},
		Proxy: ProxyConfig{
			MaxSize:               500,
			MinSize:               10,
			ValidationInterval:    30 * time.Minute,
			RevalidationThreshold: time.Hour,
			BatchSize:             200,
			RotationStrategy:      "latency-based",
			ProbeTimeout:          5 * time.Second,
			MaxAcceptableLatency:  2500 * time.Millisecond,
			PenaltyDuration:       5 * time.Minute,
			StrikePenaltyDuration: 60 * time.Minute,
			IPInfoURL:             "http://ip-api.com/json",
			SnapshotFile:          "data/proxies.json",
			WhitelistFile:         "data/proxy_whitelist.json",
			SourcesFile:           "data/proxy_sources.json",
			DefaultSourcesFile:    "data/default_sources.json",
		},
		Queue: QueueConfig{
			RetryAttempts:    3,
			HedgeDelay:       2 * time.Second,
			RetentionWindow:  24 * time.Hour,
			CleanupSchedule:  "0 * * * *",
			MaxProductFanout: 50,
			FanoutPerSecond:  2,
		},
		Cache: CacheConfig{
			ResultTTL:         10 * time.Minute,
			PreloadStoreTTL:   24 * time.Hour,
			PreloadProductTTL: 15 * time.Minute,
			MaxEntries:        10000,
		},
		State: StateConfig{
			RedisAddr:    "localhost:6379",
			KeyPrefix:    "smartstore",
			FallbackFile: "data/queue_state.json",
		},
		Profiles: ProfilesConfig{
			WorkingSetFile:       "data/working_profiles.json",
			WorkingSetPreference: 0.8,
		},
		Origin: OriginConfig{
			BaseURL:          "https://smartstore.naver.com",
			APIHost:          "smartstore.naver.com",
			ReachabilityHost: "smartstore.naver.com:443",
		},
	}
}

// LoadConfig loads configuration from TOML files, later files overriding
// earlier ones, then applies environment variable overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies recognized environment variables on top of the
// file-based configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SMARTSTORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("SMARTSTORE_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("SMARTSTORE_REDIS_ADDR"); v != "" {
		config.State.RedisAddr = v
	}
	if v := os.Getenv("SMARTSTORE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SMARTSTORE_HEADLESS"); v != "" {
		config.Browser.Headless = v != "false" && v != "0"
	}
}

// Validate performs range checks on the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Browser.MaxBrowsers <= 0 {
		return fmt.Errorf("browser max_browsers must be positive, got %d", c.Browser.MaxBrowsers)
	}
	if c.Browser.TabsPerBrowser <= 0 {
		return fmt.Errorf("browser tabs_per_browser must be positive, got %d", c.Browser.TabsPerBrowser)
	}
	if c.Browser.MinBrowsers > c.Browser.MaxBrowsers {
		return fmt.Errorf("browser min_browsers (%d) exceeds max_browsers (%d)", c.Browser.MinBrowsers, c.Browser.MaxBrowsers)
	}
	if c.Proxy.BatchSize <= 0 {
		return fmt.Errorf("proxy batch_size must be positive, got %d", c.Proxy.BatchSize)
	}
	switch c.Proxy.RotationStrategy {
	case "round-robin", "latency-based", "weighted", "sticky-session", "random":
	default:
		return fmt.Errorf("unknown proxy rotation_strategy: %q", c.Proxy.RotationStrategy)
	}
	if c.Queue.RetryAttempts <= 0 {
		return fmt.Errorf("queue retry_attempts must be positive, got %d", c.Queue.RetryAttempts)
	}
	return nil
}

// ResolveProxiedCount normalizes the proxied_count setting against the
// configured maximum: integers pass through (negative n means all except |n|),
// true means every slot, false or absent means none.
func (c *BrowserConfig) ResolveProxiedCount() int {
	max := c.MaxBrowsers
	clamp := func(n int) int {
		if n < 0 {
			n = 0
		}
		if n > max {
			n = max
		}
		return n
	}

	switch v := c.ProxiedCount.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return max
		}
		return 0
	case int:
		if v < 0 {
			return clamp(max + v)
		}
		return clamp(v)
	case int64:
		if v < 0 {
			return clamp(max + int(v))
		}
		return clamp(int(v))
	case float64:
		return c.resolveInt(int(v), clamp)
	case string:
		// Tolerate quoted values from hand-edited config files
		s := strings.TrimSpace(v)
		if s == "true" {
			return max
		}
		if s == "false" || s == "" {
			return 0
		}
		if n, err := strconv.Atoi(s); err == nil {
			return c.resolveInt(n, clamp)
		}
		return 0
	default:
		return 0
	}
}

func (c *BrowserConfig) resolveInt(n int, clamp func(int) int) int {
	if n < 0 {
		return clamp(c.MaxBrowsers + n)
	}
	return clamp(n)
}
