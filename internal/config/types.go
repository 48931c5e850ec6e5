package config

import "time"

// Limits bounds the retry and iteration loops so every session makes
// progress without relying on cancellation.
type Limits struct {
	MaxReviewIterations   int           `koanf:"max_review_iterations" yaml:"max_review_iterations"`
	MaxValidationAttempts int           `koanf:"max_validation_attempts" yaml:"max_validation_attempts"`
	MaxTestFixAttempts    int           `koanf:"max_test_fix_attempts" yaml:"max_test_fix_attempts"`
	StalenessThreshold    time.Duration `koanf:"staleness_threshold" yaml:"staleness_threshold"`
	RecoveryScanInterval  time.Duration `koanf:"recovery_scan_interval" yaml:"recovery_scan_interval"`
}

// AgentConfig describes how the external agent binary is started.
type AgentConfig struct {
	Binary       string        `koanf:"binary" yaml:"binary"`
	Timeout      time.Duration `koanf:"timeout" yaml:"timeout"`
	LightTimeout time.Duration `koanf:"light_timeout" yaml:"light_timeout"`
	MaxTurns     int           `koanf:"max_turns" yaml:"max_turns"`
	OutputFormat string        `koanf:"output_format" yaml:"output_format"`
	Model        string        `koanf:"model" yaml:"model,omitempty"`
	LightModel   string        `koanf:"light_model" yaml:"light_model,omitempty"`
	// HomeDir overrides HOME for the subprocess so agent state stays out of
	// the operator's home directory.
	HomeDir string `koanf:"home_dir" yaml:"home_dir,omitempty"`
}

// StageConfig lists the tools an agent may use in a stage and the
// sub-agent template it runs under.
type StageConfig struct {
	Tools    []string `koanf:"tools" yaml:"tools"`
	Template string   `koanf:"template" yaml:"template"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Driver string `koanf:"driver" yaml:"driver"`
	Path   string `koanf:"path" yaml:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
	// TokenHash is the argon2id hash of the API bearer token. Empty disables
	// authentication.
	TokenHash string  `koanf:"token_hash" yaml:"token_hash,omitempty"`
	RateLimit float64 `koanf:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `koanf:"rate_burst" yaml:"rate_burst"`
}

// GitHubConfig configures deliverable confirmation.
type GitHubConfig struct {
	Token   string `koanf:"token" yaml:"token,omitempty"`
	Owner   string `koanf:"owner" yaml:"owner"`
	Repo    string `koanf:"repo" yaml:"repo"`
	BaseURL string `koanf:"base_url" yaml:"base_url,omitempty"`
	// ConfirmAttempts is how many times the pull request lookup is retried
	// before delivery is declared failed.
	ConfirmAttempts int `koanf:"confirm_attempts" yaml:"confirm_attempts"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Config represents the foreman.yaml file.
type Config struct {
	Limits Limits                 `koanf:"limits" yaml:"limits"`
	Agent  AgentConfig            `koanf:"agent" yaml:"agent"`
	Stages map[string]StageConfig `koanf:"stages" yaml:"stages"`
	Store  StoreConfig            `koanf:"store" yaml:"store"`
	Server ServerConfig           `koanf:"server" yaml:"server"`
	GitHub GitHubConfig           `koanf:"github" yaml:"github"`
	Log    LogConfig              `koanf:"log" yaml:"log"`
}

// Stage names used as keys in Config.Stages.
const (
	StageDiscovery     = "discovery"
	StagePlanning      = "planning"
	StageImplementing  = "implementing"
	StageDelivery      = "delivery"
	StageReview        = "review"
	StageFinalApproval = "final_approval"
)

// StageNames lists the configurable stages in pipeline order.
var StageNames = []string{
	StageDiscovery,
	StagePlanning,
	StageImplementing,
	StageDelivery,
	StageReview,
	StageFinalApproval,
}

// Store drivers.
const (
	StoreDriverFile   = "file"
	StoreDriverSQLite = "sqlite"
)
