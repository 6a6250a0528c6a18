// Package config loads runtime configuration from the environment with an
// optional YAML overlay for loop intervals and alert thresholds.
//
// Provider credentials follow a presence-enables convention: setting
// OPENAI_API_KEY enables the OpenAI provider, ANTHROPIC_API_KEY the Anthropic
// provider, and so on. DATABASE_URL is the only required key.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid reports missing or malformed configuration. It is fatal at
// startup; the daemon refuses to run on a partial config.
var ErrInvalid = errors.New("config: invalid configuration")

type (
	// Config is the full runtime configuration.
	Config struct {
		// Environment drives the DDL kill-switch: "production" and "staging"
		// always block runtime DDL.
		Environment string `yaml:"environment"`
		// EnableRuntimeDDL opts into runtime DDL outside production/staging.
		EnableRuntimeDDL bool `yaml:"enable_runtime_ddl"`
		// DatabaseURL is the Postgres DSN. Required.
		DatabaseURL string `yaml:"database_url" validate:"required"`
		// RedisURL enables the Pulse event sink when set.
		RedisURL string `yaml:"redis_url"`

		Providers Providers `yaml:"providers"`

		// Thresholds configure the awareness breach detectors. A zero
		// threshold disables the corresponding probe.
		Thresholds Thresholds `yaml:"thresholds"`
		// BreachWindowSize is the rolling window length for sustained-breach
		// gating.
		BreachWindowSize int `yaml:"breach_window_size" validate:"gte=1"`

		// EmbeddingDimension is the vector width used by the memory
		// subsystem and its hash fallback.
		EmbeddingDimension int `yaml:"embedding_dimension" validate:"gte=8"`

		Loops Loops `yaml:"loops"`

		// OverlayPath is the YAML file the config was overlaid from, empty
		// when none. Watch uses it for hot reload.
		OverlayPath string `yaml:"-"`
	}

	// Providers carries provider credentials and ordering. A provider is
	// enabled iff its credential (or model id, for Bedrock) is present.
	Providers struct {
		OpenAIKey    string `yaml:"-"`
		AnthropicKey string `yaml:"-"`
		GoogleKey    string `yaml:"-"`
		GroqKey      string `yaml:"-"`
		// BedrockModelID enables the Bedrock provider; AWSRegion is used
		// when loading the AWS configuration.
		BedrockModelID string `yaml:"bedrock_model_id"`
		AWSRegion      string `yaml:"aws_region"`
		// Priority lists provider names in fallback order. Unknown names are
		// rejected at load time; enabled providers not listed are appended in
		// default order.
		Priority []string `yaml:"priority" validate:"dive,oneof=anthropic openai google groq bedrock"`
	}

	// Thresholds are the breach-detection limits for the awareness probes.
	Thresholds struct {
		// CPU is the 1-minute load average limit.
		CPU float64 `yaml:"cpu" validate:"gte=0"`
		// MemoryMB is the process heap limit in mebibytes.
		MemoryMB float64 `yaml:"memory_mb" validate:"gte=0"`
		// DBMillis is the store round-trip latency limit in milliseconds.
		DBMillis float64 `yaml:"db_ms" validate:"gte=0"`
	}

	// Loops are the scheduler loop intervals.
	Loops struct {
		Tick       time.Duration `yaml:"tick" validate:"gt=0"`
		Attention  time.Duration `yaml:"attention" validate:"gt=0"`
		Reflection time.Duration `yaml:"reflection" validate:"gt=0"`
		Snapshot   time.Duration `yaml:"snapshot" validate:"gt=0"`
		Metrics    time.Duration `yaml:"metrics" validate:"gt=0"`
	}
)

// UnmarshalYAML accepts Go duration strings ("100ms", "5m") for loop
// intervals. Absent fields keep whatever value the struct already holds, so
// overlays only override what they mention.
func (l *Loops) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Tick       string `yaml:"tick"`
		Attention  string `yaml:"attention"`
		Reflection string `yaml:"reflection"`
		Snapshot   string `yaml:"snapshot"`
		Metrics    string `yaml:"metrics"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		dst *time.Duration
		src string
	}{
		{&l.Tick, raw.Tick},
		{&l.Attention, raw.Attention},
		{&l.Reflection, raw.Reflection},
		{&l.Snapshot, raw.Snapshot},
		{&l.Metrics, raw.Metrics},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultProviderOrder is the fallback order used when PROVIDER_PRIORITY is
// not set. Only enabled providers are registered.
var DefaultProviderOrder = []string{"anthropic", "openai", "google", "groq", "bedrock"}

// Defaults returns a Config with every tunable at its default value.
func Defaults() Config {
	return Config{
		Environment:        "development",
		BreachWindowSize:   3,
		EmbeddingDimension: 1536,
		Loops: Loops{
			Tick:       100 * time.Millisecond,
			Attention:  time.Second,
			Reflection: 5 * time.Minute,
			Snapshot:   time.Minute,
			Metrics:    30 * time.Second,
		},
	}
}

// Load builds the configuration from the process environment, applying the
// YAML overlay from NOESIS_CONFIG when set, and validates the result.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("NOESIS_CONFIG"); path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.OverlayPath = path
	}

	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.EnableRuntimeDDL = os.Getenv("ENABLE_RUNTIME_DDL") == "1"
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	cfg.Providers.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Providers.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.Providers.GoogleKey = os.Getenv("GOOGLE_API_KEY")
	cfg.Providers.GroqKey = os.Getenv("GROQ_API_KEY")
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Providers.BedrockModelID = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Providers.AWSRegion = v
	}
	if v := os.Getenv("PROVIDER_PRIORITY"); v != "" {
		cfg.Providers.Priority = splitList(v)
	}

	var err error
	if cfg.Thresholds.CPU, err = envFloat("ALERT_THRESHOLD_CPU", cfg.Thresholds.CPU); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.MemoryMB, err = envFloat("ALERT_THRESHOLD_MEMORY", cfg.Thresholds.MemoryMB); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.DBMillis, err = envFloat("ALERT_THRESHOLD_DB_MS", cfg.Thresholds.DBMillis); err != nil {
		return Config{}, err
	}
	if cfg.BreachWindowSize, err = envInt("BREACH_WINDOW_SIZE", cfg.BreachWindowSize); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDimension, err = envInt("EMBEDDING_DIMENSION", cfg.EmbeddingDimension); err != nil {
		return Config{}, err
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural constraints. It is exposed so callers building
// a Config by hand (tests, embedders) get the same guarantees as Load.
func Validate(cfg Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Production reports whether the environment always blocks runtime DDL.
func (c Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// ProviderOrder resolves the effective provider fallback order: the
// configured priority first, then any remaining enabled providers in default
// order.
func (c Config) ProviderOrder() []string {
	seen := make(map[string]bool, len(c.Providers.Priority))
	order := make([]string, 0, len(DefaultProviderOrder))
	for _, name := range c.Providers.Priority {
		if !seen[name] && c.ProviderEnabled(name) {
			seen[name] = true
			order = append(order, name)
		}
	}
	for _, name := range DefaultProviderOrder {
		if !seen[name] && c.ProviderEnabled(name) {
			seen[name] = true
			order = append(order, name)
		}
	}
	return order
}

// ProviderEnabled reports whether the named provider has credentials.
func (c Config) ProviderEnabled(name string) bool {
	switch name {
	case "openai":
		return c.Providers.OpenAIKey != ""
	case "anthropic":
		return c.Providers.AnthropicKey != ""
	case "google":
		return c.Providers.GoogleKey != ""
	case "groq":
		return c.Providers.GroqKey != ""
	case "bedrock":
		return c.Providers.BedrockModelID != ""
	}
	return false
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: overlay %s: %v", ErrInvalid, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: overlay %s: %v", ErrInvalid, path, err)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not numeric", ErrInvalid, key, v)
	}
	return f, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	return n, nil
}
