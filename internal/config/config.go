// Package config loads and validates collection configuration via Viper.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Run        RunConfig                 `mapstructure:"run"`
	Policy     PolicyConfig              `mapstructure:"policy"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	Store      StoreConfig               `mapstructure:"store"`
	Cache      CacheConfig               `mapstructure:"cache"`
	APIs       map[string]bool           `mapstructure:"apis"`
	Scoring    ScoringConfig             `mapstructure:"scoring"`
	RateLimits map[string]RateLimit      `mapstructure:"rate_limits"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
}

// RunConfig governs dispatcher and pipeline behavior.
type RunConfig struct {
	Concurrency    int    `mapstructure:"concurrency"`
	TaskTimeoutSec int    `mapstructure:"task_timeout_seconds"`
	OutputPath     string `mapstructure:"output_path"`
	Development    bool   `mapstructure:"development"`
}

// PolicyConfig defines the admission rules applied before any network call.
type PolicyConfig struct {
	AllowlistPath      string   `mapstructure:"allowlist_path"`
	AllowedDomains     []string `mapstructure:"allowed_domains"`
	BlockedPaths       []string `mapstructure:"blocked_paths"`
	BlockedMethods     []string `mapstructure:"blocked_methods"`
	PaywallKeywords    []string `mapstructure:"paywall_keywords"`
	KeywordsPath       string   `mapstructure:"keywords_path"`
	UserAgent          string   `mapstructure:"user_agent"`
	MaxRedirects       int      `mapstructure:"max_redirects"`
	RespectRobots      bool     `mapstructure:"respect_robots"`
	ForbiddenThreshold int      `mapstructure:"forbidden_threshold"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	MaxAttempts      int   `mapstructure:"max_attempts"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64 `mapstructure:"max_body_bytes"`
	RatePerHost      float64 `mapstructure:"rate_per_host"`
	BurstPerHost     int   `mapstructure:"burst_per_host"`
}

// StoreConfig points at the embedded store file.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig controls TTL and the entry cap of the persistent caches.
type CacheConfig struct {
	TTLDays    int `mapstructure:"ttl_days"`
	MaxEntries int `mapstructure:"max_entries"`
}

// ScoringConfig holds per-signal adjustment magnitudes.
type ScoringConfig struct {
	TrendingBoost    float64 `mapstructure:"trending_boost"`
	PlatformBoost    float64 `mapstructure:"platform_boost"`
	FundingBoost     float64 `mapstructure:"funding_boost"`
	LowRatingPenalty float64 `mapstructure:"low_rating_penalty"`
	DomainAgeBoost   float64 `mapstructure:"domain_age_boost"`
}

// RateLimit is a sliding-window quota: Requests per WindowSeconds.
type RateLimit struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// ProviderConfig carries per-provider connection knobs.
type ProviderConfig struct {
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Endpoint       string `mapstructure:"endpoint"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Policy.AllowlistPath != "" {
		hosts, err := ReadLineFile(cfg.Policy.AllowlistPath)
		if err != nil {
			return Config{}, fmt.Errorf("read allowlist: %w", err)
		}
		cfg.Policy.AllowedDomains = append(cfg.Policy.AllowedDomains, hosts...)
	}
	if cfg.Policy.KeywordsPath != "" {
		words, err := ReadLineFile(cfg.Policy.KeywordsPath)
		if err != nil {
			return Config{}, fmt.Errorf("read blocked keywords: %w", err)
		}
		cfg.Policy.PaywallKeywords = append(cfg.Policy.PaywallKeywords, words...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.concurrency", 100)
	v.SetDefault("run.task_timeout_seconds", 30)
	v.SetDefault("run.output_path", "data")
	v.SetDefault("run.development", false)
	v.SetDefault("policy.blocked_paths", []string{"/login", "/auth", "/account", "/subscribe", "/admin", "/messages"})
	v.SetDefault("policy.blocked_methods", []string{})
	v.SetDefault("policy.user_agent", "prospector-bot/1.0 (+https://github.com/atlasintel/prospector)")
	v.SetDefault("policy.max_redirects", 3)
	v.SetDefault("policy.respect_robots", true)
	v.SetDefault("policy.forbidden_threshold", 1)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 100)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_body_bytes", int64(5<<20))
	v.SetDefault("http.rate_per_host", 2.0)
	v.SetDefault("http.burst_per_host", 4)
	v.SetDefault("store.path", "data/prospector.db")
	v.SetDefault("cache.ttl_days", 7)
	v.SetDefault("cache.max_entries", 100000)
	v.SetDefault("scoring.trending_boost", 20)
	v.SetDefault("scoring.platform_boost", 15)
	v.SetDefault("scoring.funding_boost", 10)
	v.SetDefault("scoring.low_rating_penalty", -5)
	v.SetDefault("scoring.domain_age_boost", 5)
}

func applyEnvOverrides(cfg *Config) {
	if ua := os.Getenv("USER_AGENT"); ua != "" {
		cfg.Policy.UserAgent = ua
	}
	if ttl := os.Getenv("CACHE_TTL_DAYS"); ttl != "" {
		if days, err := strconv.Atoi(ttl); err == nil && days > 0 {
			cfg.Cache.TTLDays = days
		}
	}
	for name, pc := range cfg.Providers {
		envKey := "PROSPECTOR_" + strings.ToUpper(name) + "_API_KEY"
		if key := os.Getenv(envKey); key != "" {
			pc.APIKey = key
			cfg.Providers[name] = pc
		}
	}
}

// Validate rejects configurations the run cannot start with.
func (c Config) Validate() error {
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be positive, got %d", c.Run.Concurrency)
	}
	if c.Run.TaskTimeoutSec <= 0 {
		return fmt.Errorf("run.task_timeout_seconds must be positive, got %d", c.Run.TaskTimeoutSec)
	}
	if c.Policy.UserAgent == "" {
		return fmt.Errorf("policy.user_agent must not be empty")
	}
	if c.Policy.MaxRedirects < 0 {
		return fmt.Errorf("policy.max_redirects must not be negative, got %d", c.Policy.MaxRedirects)
	}
	if c.Cache.TTLDays <= 0 {
		return fmt.Errorf("cache.ttl_days must be positive, got %d", c.Cache.TTLDays)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be positive, got %d", c.HTTP.MaxAttempts)
	}
	for name, rl := range c.RateLimits {
		if rl.Requests <= 0 || rl.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limits.%s requires positive requests and window_seconds", name)
		}
	}
	for name, pc := range c.Providers {
		if pc.TimeoutSeconds < 0 {
			return fmt.Errorf("providers.%s.timeout_seconds must not be negative", name)
		}
	}
	return nil
}

// CacheTTL returns the configured cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// TaskTimeout returns the per-URL deadline.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Run.TaskTimeoutSec) * time.Second
}

// ReadLineFile reads a UTF-8 text file with one entry per line. Blank lines
// and lines starting with '#' are ignored; entries are trimmed.
func ReadLineFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
