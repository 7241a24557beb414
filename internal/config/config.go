// Package config handles Atrium configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the --config flag) is checked first.
// Then: ./atrium.yaml, ~/.config/atrium/atrium.yaml, /etc/atrium/atrium.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"atrium.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atrium", "atrium.yaml"))
	}

	paths = append(paths, "/etc/atrium/atrium.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Atrium configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Database  DatabaseConfig          `yaml:"database"`
	Auth      AuthConfig              `yaml:"auth"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Ollama    OllamaConfig            `yaml:"ollama"`
	Models    ModelsConfig            `yaml:"models"`
	Chat      ChatConfig              `yaml:"chat"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the SQLite driver and database file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig points at a local Ollama server for development.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`

	// MaxRequestsPerSecond paces outbound provider calls across all
	// exchanges. Zero disables pacing.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	Burst                int     `yaml:"burst"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // anthropic, ollama
}

// ChatConfig tunes the conversational assistant.
type ChatConfig struct {
	MaxSteps        int             `yaml:"max_steps"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	SchemaTTL       Duration        `yaml:"schema_ttl"`
	ToolConcurrency int             `yaml:"tool_concurrency"`
	TitleLength     int             `yaml:"title_length"`
	UsageTextLimit  int             `yaml:"usage_text_limit"`
}

// RateLimitConfig is a fixed request count per sliding window.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Duration wraps time.Duration so YAML values like "90s" or "5m" parse.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads configuration from a YAML file. A .env file in the same
// directory (and one in the working directory) is loaded first so the
// YAML can reference secrets as ${VAR}. Variables already present in
// the environment win over .env values.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	loadDotEnv(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	// godotenv.Load never overrides variables that are already set.
	_ = godotenv.Load(path)
}

// Default returns a configuration populated with the reference values.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			Path:   "atrium.db",
		},
		Auth: AuthConfig{Issuer: "atrium"},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
			Available: []ModelConfig{
				{Name: "claude-sonnet-4-20250514", Provider: "anthropic"},
				{Name: "claude-haiku-3-5-20241022", Provider: "anthropic"},
			},
			Burst: 4,
		},
		Chat: ChatConfig{
			MaxSteps: 5,
			RateLimit: RateLimitConfig{
				Requests: 20,
				Window:   Duration{time.Minute},
			},
			SchemaTTL:       Duration{5 * time.Minute},
			ToolConcurrency: 4,
			TitleLength:     80,
			UsageTextLimit:  500,
		},
		Pricing: map[string]PricingEntry{
			"claude-sonnet-4-20250514":  {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-haiku-3-5-20241022": {InputPerMillion: 0.8, OutputPerMillion: 4.0},
		},
	}
}

// Validate reports configuration values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Chat.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("chat.max_steps must be positive, got %d", c.Chat.MaxSteps))
	}
	if c.Chat.RateLimit.Requests <= 0 {
		errs = append(errs, fmt.Errorf("chat.rate_limit.requests must be positive, got %d", c.Chat.RateLimit.Requests))
	}
	if c.Chat.RateLimit.Window.Duration <= 0 {
		errs = append(errs, errors.New("chat.rate_limit.window must be positive"))
	}
	if c.Chat.SchemaTTL.Duration <= 0 {
		errs = append(errs, errors.New("chat.schema_ttl must be positive"))
	}
	if c.Chat.ToolConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("chat.tool_concurrency must be positive, got %d", c.Chat.ToolConcurrency))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	return errors.Join(errs...)
}

// ProviderFor returns the configured provider for a model name, or ""
// when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}
