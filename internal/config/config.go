// Package config handles application configuration using Viper.
// Viper supports YAML files, environment variables, and defaults, merged in priority order.
// Configuration is loaded into structs, not accessed as raw key-value pairs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleveque/cover-service/internal/resilience"
)

// ConfigPathEnv names the environment variable that points at the config file.
const ConfigPathEnv = "COVER_CONFIG_PATH"

// Config is the root configuration struct. Nested structs organize related settings.
// `mapstructure` tags tell Viper how to map YAML/env keys to struct fields.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Log        LogConfig        `mapstructure:"log"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Covers     CoversConfig     `mapstructure:"covers"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig selects the row store (driver) and the object store (backend).
type StorageConfig struct {
	Driver        string `mapstructure:"driver"` // "sqlite" or "postgres"
	DatabasePath  string `mapstructure:"database_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	Backend       string `mapstructure:"backend"` // "local" or "gcs"
	LocalDir      string `mapstructure:"local_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	UploadEnabled bool   `mapstructure:"upload_enabled"`
	ReadEnabled   bool   `mapstructure:"read_enabled"`
}

type AuthConfig struct {
	APIKeys   []string `mapstructure:"api_keys"`
	AdminKeys []string `mapstructure:"admin_keys"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SafetyConfig lists the hosts cover URLs may point at. Subdomains of a
// listed host are allowed too.
type SafetyConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

type PipelineConfig struct {
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	MaxDownloadBytes  int64         `mapstructure:"max_download_bytes"`
	MaxProcessedBytes int           `mapstructure:"max_processed_bytes"`
	MaxRedirects      int           `mapstructure:"max_redirects"`
	Concurrency       int           `mapstructure:"concurrency"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ResilienceConfig holds the default policy and per-provider overrides,
// keyed by provider name (e.g. "google-books", "llm", "amazon").
type ResilienceConfig struct {
	Defaults  resilience.Policy            `mapstructure:"defaults"`
	Providers map[string]resilience.Policy `mapstructure:"providers"`
}

type ProvidersConfig struct {
	GoogleBooks GoogleBooksConfig `mapstructure:"google_books"`
	OpenLibrary OpenLibraryConfig `mapstructure:"open_library"`
	Feeds       []string          `mapstructure:"feeds"`
}

type GoogleBooksConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

type OpenLibraryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LLMConfig struct {
	// ProviderOrder controls which LLM providers are used and in what order.
	// First provider is primary, rest are fallbacks. Example: ["anthropic", "openai"]
	ProviderOrder []string        `mapstructure:"provider_order"`
	Anthropic     AnthropicConfig `mapstructure:"anthropic"`
	OpenAI        OpenAIConfig    `mapstructure:"openai"`
	RatePerMinute int             `mapstructure:"rate_per_minute"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// CoversConfig drives the read path.
type CoversConfig struct {
	// LegacySourceLabels are probed in order for items with no rows.
	LegacySourceLabels []string `mapstructure:"legacy_source_labels"`
	PlaceholderURL     string   `mapstructure:"placeholder_url"`
}

// Load reads configuration from a YAML file and environment variables.
// An empty configPath falls back to $COVER_CONFIG_PATH, then to config.yaml
// in . or ./config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnv)
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Read config file (ignore "not found": defaults + env are enough)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Environment variables override everything.
	// COVER_ prefix + nested keys: COVER_SERVER_PORT=9090 → server.port=9090
	v.SetEnvPrefix("COVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.database_path", "./storage/cover-service.db")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./storage/objects")
	v.SetDefault("storage.public_base_url", "http://localhost:8080/objects")
	v.SetDefault("storage.upload_enabled", true)
	v.SetDefault("storage.read_enabled", true)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("log.level", "info")

	v.SetDefault("safety.allowed_hosts", []string{
		"books.google.com",
		"books.googleusercontent.com",
		"covers.openlibrary.org",
		"archive.org",
		"m.media-amazon.com",
		"images-na.ssl-images-amazon.com",
		"static01.nyt.com",
	})

	v.SetDefault("pipeline.download_timeout", "8s")
	v.SetDefault("pipeline.max_download_bytes", 10<<20)
	v.SetDefault("pipeline.max_processed_bytes", 2<<20)
	v.SetDefault("pipeline.max_redirects", 3)
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.user_agent", "cover-service/1.0")

	d := resilience.DefaultPolicy()
	v.SetDefault("resilience.defaults.requests_per_second", d.RequestsPerSecond)
	v.SetDefault("resilience.defaults.burst", d.Burst)
	v.SetDefault("resilience.defaults.timeout", d.Timeout.String())
	v.SetDefault("resilience.defaults.failure_ratio", d.FailureRatio)
	v.SetDefault("resilience.defaults.min_requests", d.MinRequests)
	v.SetDefault("resilience.defaults.window", d.Window.String())
	v.SetDefault("resilience.defaults.open_timeout", d.OpenTimeout.String())
	v.SetDefault("resilience.defaults.half_open_requests", d.HalfOpenRequests)

	v.SetDefault("providers.google_books.enabled", true)
	v.SetDefault("providers.open_library.enabled", true)

	v.SetDefault("llm.provider_order", []string{"anthropic", "openai"})
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.openai.model", "gpt-4o")
	v.SetDefault("llm.rate_per_minute", 10)

	v.SetDefault("covers.legacy_source_labels", []string{"google-books", "open-library", "amazon", "nyt", "manual"})
	v.SetDefault("covers.placeholder_url", "/static/cover-placeholder.svg")
}

// Validate rejects settings the rest of the program cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
	}
	switch c.Storage.Backend {
	case "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be local or gcs, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
	}
	if len(c.Safety.AllowedHosts) == 0 {
		return fmt.Errorf("safety.allowed_hosts must not be empty")
	}
	return nil
}

// Address returns the listen address string like "0.0.0.0:8080".
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ResiliencePolicies returns the per-provider overrides, with the LLM
// provider's rate taken from llm.rate_per_minute unless it is set
// explicitly.
func (c *Config) ResiliencePolicies() map[string]resilience.Policy {
	out := make(map[string]resilience.Policy, len(c.Resilience.Providers)+1)
	for name, p := range c.Resilience.Providers {
		out[name] = p
	}
	if c.LLM.RatePerMinute > 0 {
		p := out["llm"]
		if p.RequestsPerSecond == 0 {
			p.RequestsPerSecond = float64(c.LLM.RatePerMinute) / 60
			p.Burst = 1
		}
		if p.Timeout == 0 {
			// Web search loops take far longer than an image download.
			p.Timeout = 90 * time.Second
		}
		out["llm"] = p
	}
	return out
}
