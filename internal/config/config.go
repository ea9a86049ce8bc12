// Package config handles configuration loading and management for crucible.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for crucible.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Router      RouterConfig      `mapstructure:"router"`
	Thresholds  ThresholdsConfig  `mapstructure:"thresholds"`
	Refinement  RefinementConfig  `mapstructure:"refinement"`
	Escalation  EscalationConfig  `mapstructure:"escalation"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Models      ModelsConfig      `mapstructure:"models"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// UseAWSBedrock routes calls through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// GatewayConfig holds provider gateway settings.
type GatewayConfig struct {
	// ProvidersByTier maps tier names to ordered provider preference lists.
	ProvidersByTier map[string][]string `mapstructure:"providers_by_tier"`
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// RecoveryTimeout is how long an open circuit waits before probing.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	// RetryAttempts caps retries of transient errors per provider call.
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
}

// RouterConfig holds tier routing boundaries. Each bound is the highest
// complexity score that still maps to that tier.
type RouterConfig struct {
	QuickMax   int `mapstructure:"quick_max"`
	ScoutMax   int `mapstructure:"scout_max"`
	BuilderMax int `mapstructure:"builder_max"`
}

// ThresholdsConfig holds the confidence decision boundaries.
type ThresholdsConfig struct {
	// Accept is the score at or above which output is accepted.
	Accept float64 `mapstructure:"accept"`
	// Refine is the score at or above which refinement is attempted.
	// Below it the task escalates directly.
	Refine float64 `mapstructure:"refine"`
}

// RefinementConfig holds automated repair loop settings.
type RefinementConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	DecayFactor float64 `mapstructure:"decay_factor"`
}

// EscalationConfig holds human review settings.
type EscalationConfig struct {
	// TTL is how long an escalation may stay pending before expiring.
	TTL time.Duration `mapstructure:"ttl"`
	// SweepInterval is how often expired escalations are collected.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ConcurrencyConfig holds worker pool settings.
type ConcurrencyConfig struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
}

// ModelsConfig maps tiers to model names.
type ModelsConfig struct {
	Quick     string `mapstructure:"quick"`
	Scout     string `mapstructure:"scout"`
	Builder   string `mapstructure:"builder"`
	Architect string `mapstructure:"architect"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.crucible.yaml in current directory or parent)
// 3. User config (~/.config/crucible/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Thresholds.Accept <= c.Thresholds.Refine {
		return fmt.Errorf("thresholds.accept (%v) must be above thresholds.refine (%v)", c.Thresholds.Accept, c.Thresholds.Refine)
	}
	if c.Thresholds.Accept > 1 || c.Thresholds.Refine < 0 {
		return fmt.Errorf("thresholds must lie in [0, 1]")
	}
	if c.Refinement.DecayFactor <= 0 || c.Refinement.DecayFactor >= 1 {
		return fmt.Errorf("refinement.decay_factor (%v) must lie in (0, 1)", c.Refinement.DecayFactor)
	}
	if c.Concurrency.MaxConcurrentTasks < 1 {
		return fmt.Errorf("concurrency.max_concurrent_tasks must be at least 1")
	}
	if c.Escalation.TTL <= 0 {
		return fmt.Errorf("escalation.ttl must be positive")
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("gateway.failure_threshold", 5)
	v.SetDefault("gateway.recovery_timeout", "30s")
	v.SetDefault("gateway.retry_attempts", 3)
	v.SetDefault("gateway.retry_initial_interval", "1s")
	v.SetDefault("gateway.retry_max_interval", "30s")
	v.SetDefault("gateway.providers_by_tier", map[string][]string{
		"quick":     {"anthropic"},
		"scout":     {"anthropic"},
		"builder":   {"anthropic"},
		"architect": {"anthropic"},
	})

	v.SetDefault("router.quick_max", 3)
	v.SetDefault("router.scout_max", 8)
	v.SetDefault("router.builder_max", 20)

	v.SetDefault("thresholds.accept", 0.9)
	v.SetDefault("thresholds.refine", 0.5)

	v.SetDefault("refinement.max_attempts", 3)
	v.SetDefault("refinement.decay_factor", 0.8)

	v.SetDefault("escalation.ttl", "72h")
	v.SetDefault("escalation.sweep_interval", "1m")

	v.SetDefault("concurrency.max_concurrent_tasks", 4)

	v.SetDefault("models.quick", "claude-3-5-haiku-20241022")
	v.SetDefault("models.scout", "claude-haiku-4-5-20251001")
	v.SetDefault("models.builder", "claude-sonnet-4-5-20250929")
	v.SetDefault("models.architect", "claude-opus-4-5-20251101")
}

// getUserConfigDir returns the XDG config directory for crucible.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crucible")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "crucible")
	}
	return filepath.Join(home, ".config", "crucible")
}

// findProjectConfig searches for .crucible.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".crucible.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// ModelForTier returns the configured model name for a tier name.
func (m ModelsConfig) ModelForTier(tier string) string {
	switch tier {
	case "quick":
		return m.Quick
	case "scout":
		return m.Scout
	case "builder":
		return m.Builder
	case "architect":
		return m.Architect
	default:
		return m.Builder
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ProvidersByTier: map[string][]string{
				"quick":     {"anthropic"},
				"scout":     {"anthropic"},
				"builder":   {"anthropic"},
				"architect": {"anthropic"},
			},
			FailureThreshold:     5,
			RecoveryTimeout:      30 * time.Second,
			RetryAttempts:        3,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     30 * time.Second,
		},
		Router: RouterConfig{
			QuickMax:   3,
			ScoutMax:   8,
			BuilderMax: 20,
		},
		Thresholds: ThresholdsConfig{
			Accept: 0.9,
			Refine: 0.5,
		},
		Refinement: RefinementConfig{
			MaxAttempts: 3,
			DecayFactor: 0.8,
		},
		Escalation: EscalationConfig{
			TTL:           72 * time.Hour,
			SweepInterval: time.Minute,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentTasks: 4,
		},
		Models: ModelsConfig{
			Quick:     "claude-3-5-haiku-20241022",
			Scout:     "claude-haiku-4-5-20251001",
			Builder:   "claude-sonnet-4-5-20250929",
			Architect: "claude-opus-4-5-20251101",
		},
	}
}
