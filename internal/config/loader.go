package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// FOREMAN_AGENT_BINARY overrides agent.binary.
const EnvPrefix = "FOREMAN_"

// Default values for Config.
const (
	DefaultMaxReviewIterations   = 10
	DefaultMaxValidationAttempts = 3
	DefaultMaxTestFixAttempts    = 3
	DefaultStalenessThreshold    = 5 * time.Minute
	DefaultAgentBinary           = "claude"
	DefaultAgentTimeout          = 30 * time.Minute
	DefaultLightTimeout          = 2 * time.Minute
	DefaultMaxTurns              = 200
	DefaultOutputFormat          = "stream-json"
	DefaultServerAddr            = "127.0.0.1:8374"
	DefaultRateLimit             = 5.0
	DefaultRateBurst             = 10
	DefaultConfirmAttempts       = 3
	DefaultFileName              = "foreman.yaml"
)

// DefaultLimits returns limits with sensible default values.
func DefaultLimits() Limits {
	return Limits{
		MaxReviewIterations:   DefaultMaxReviewIterations,
		MaxValidationAttempts: DefaultMaxValidationAttempts,
		MaxTestFixAttempts:    DefaultMaxTestFixAttempts,
		StalenessThreshold:    DefaultStalenessThreshold,
	}
}

// DefaultAgentConfig returns the agent settings used when none are configured.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Binary:       DefaultAgentBinary,
		Timeout:      DefaultAgentTimeout,
		LightTimeout: DefaultLightTimeout,
		MaxTurns:     DefaultMaxTurns,
		OutputFormat: DefaultOutputFormat,
	}
}

// DefaultStages returns the per-stage tool lists and templates.
func DefaultStages() map[string]StageConfig {
	readOnly := []string{"Read", "Glob", "Grep"}
	edit := []string{"Read", "Glob", "Grep", "Edit", "Write", "Bash"}
	return map[string]StageConfig{
		StageDiscovery:     {Tools: append(append([]string{}, readOnly...), "Write", "WebSearch"), Template: "discovery"},
		StagePlanning:      {Tools: append(append([]string{}, readOnly...), "Write"), Template: "planner"},
		StageImplementing:  {Tools: edit, Template: "implementer"},
		StageDelivery:      {Tools: append(append([]string{}, edit...), "WebFetch"), Template: "delivery"},
		StageReview:        {Tools: append(append([]string{}, readOnly...), "Bash"), Template: "reviewer"},
		StageFinalApproval: {Tools: readOnly, Template: "approver"},
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Limits: DefaultLimits(),
		Agent:  DefaultAgentConfig(),
		Stages: DefaultStages(),
		Store: StoreConfig{
			Driver: StoreDriverFile,
			Path:   ".foreman",
		},
		Server: ServerConfig{
			Addr:      DefaultServerAddr,
			RateLimit: DefaultRateLimit,
			RateBurst: DefaultRateBurst,
		},
		GitHub: GitHubConfig{
			ConfirmAttempts: DefaultConfirmAttempts,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Load reads configuration from path, then applies FOREMAN_* environment
// overrides. A missing file yields the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	fillStageDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FOREMAN_AGENT_LIGHT_TIMEOUT to agent.light_timeout: the first
// segment after the prefix is the section, the rest is the field name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// fillStageDefaults restores tool lists and templates for stages that the
// file left out or left empty.
func fillStageDefaults(cfg *Config) {
	defaults := DefaultStages()
	if cfg.Stages == nil {
		cfg.Stages = defaults
		return
	}
	for name, def := range defaults {
		sc := cfg.Stages[name]
		if len(sc.Tools) == 0 {
			sc.Tools = def.Tools
		}
		if sc.Template == "" {
			sc.Template = def.Template
		}
		cfg.Stages[name] = sc
	}
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if cfg.Limits.MaxReviewIterations <= 0 {
		return ValidationError{Field: "limits.max_review_iterations", Message: "must be positive"}
	}
	if cfg.Limits.MaxValidationAttempts <= 0 {
		return ValidationError{Field: "limits.max_validation_attempts", Message: "must be positive"}
	}
	if cfg.Limits.MaxTestFixAttempts <= 0 {
		return ValidationError{Field: "limits.max_test_fix_attempts", Message: "must be positive"}
	}
	if cfg.Limits.StalenessThreshold <= 0 {
		return ValidationError{Field: "limits.staleness_threshold", Message: "must be positive"}
	}
	if cfg.Limits.RecoveryScanInterval < 0 {
		return ValidationError{Field: "limits.recovery_scan_interval", Message: "must not be negative"}
	}
	if cfg.Agent.Binary == "" {
		return ValidationError{Field: "agent.binary", Message: "required field is empty"}
	}
	if cfg.Agent.Timeout <= 0 {
		return ValidationError{Field: "agent.timeout", Message: "must be positive"}
	}
	if cfg.Agent.LightTimeout <= 0 {
		return ValidationError{Field: "agent.light_timeout", Message: "must be positive"}
	}
	for name := range cfg.Stages {
		if !isStageName(name) {
			return ValidationError{Field: "stages." + name, Message: "unknown stage"}
		}
	}
	switch cfg.Store.Driver {
	case StoreDriverFile, StoreDriverSQLite:
	default:
		return ValidationError{Field: "store.driver", Message: fmt.Sprintf("must be %q or %q", StoreDriverFile, StoreDriverSQLite)}
	}
	if cfg.Store.Path == "" {
		return ValidationError{Field: "store.path", Message: "required field is empty"}
	}
	if cfg.Server.RateLimit < 0 {
		return ValidationError{Field: "server.rate_limit", Message: "must not be negative"}
	}
	if cfg.GitHub.ConfirmAttempts <= 0 {
		return ValidationError{Field: "github.confirm_attempts", Message: "must be positive"}
	}
	return nil
}

func isStageName(name string) bool {
	for _, s := range StageNames {
		if s == name {
			return true
		}
	}
	return false
}

// WriteDefault writes a starter config file to path. An existing file is
// left untouched and reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	cfg := DefaultConfig()
	data, err := yamlv3.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
