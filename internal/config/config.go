// Package config defines the application configuration, its defaults, and
// validation. Configuration is layered: defaults, then the YAML config file,
// then TASKDROID_* environment variables, then command-line flags bound by
// the cmd package.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge" yaml:"knowledge"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// AgentConfig holds settings for the session controller and decision engine.
type AgentConfig struct {
	MaxTaskRounds    int           `mapstructure:"max_task_rounds" yaml:"max_task_rounds"`
	MaxExploreRounds int           `mapstructure:"max_explore_rounds" yaml:"max_explore_rounds"`
	RequestInterval  time.Duration `mapstructure:"request_interval" yaml:"request_interval"`
	AppLoadDelay     time.Duration `mapstructure:"app_load_delay" yaml:"app_load_delay"`
	SettleDelay      time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// DecisionRetries bounds consecutive re-prompt attempts when a model
	// response cannot be parsed into the action contract.
	DecisionRetries int `mapstructure:"decision_retries" yaml:"decision_retries"`
	// StuckRoundBudget bounds consecutive non-fatal round failures on one
	// sub-goal before the session fails as stuck.
	StuckRoundBudget int `mapstructure:"stuck_round_budget" yaml:"stuck_round_budget"`
	// ExecRetryBudget bounds consecutive device execution failures before the
	// session fails. A single transient failure is retried.
	ExecRetryBudget int `mapstructure:"exec_retry_budget" yaml:"exec_retry_budget"`
	// DocumentationRefinement enables merge-refinement of knowledge entries;
	// when false the store runs append-only.
	DocumentationRefinement bool      `mapstructure:"documentation_refinement" yaml:"documentation_refinement"`
	VLM                     VLMConfig `mapstructure:"vlm" yaml:"vlm"`
}

// VLMProvider enumerates the supported vision-language model providers.
type VLMProvider string

const (
	ProviderGemini VLMProvider = "gemini"
	ProviderOpenAI VLMProvider = "openai"
	ProviderQwen   VLMProvider = "qwen"
)

// VLMConfig selects and configures the model provider.
type VLMConfig struct {
	Provider VLMProvider    `mapstructure:"provider" yaml:"provider"`
	Gemini   VLMModelConfig `mapstructure:"gemini" yaml:"gemini"`
	OpenAI   VLMModelConfig `mapstructure:"openai" yaml:"openai"`
	Qwen     VLMModelConfig `mapstructure:"qwen" yaml:"qwen"`
}

// Active returns the model configuration for the selected provider.
func (v VLMConfig) Active() VLMModelConfig {
	switch v.Provider {
	case ProviderOpenAI:
		return v.OpenAI
	case ProviderQwen:
		return v.Qwen
	default:
		return v.Gemini
	}
}

// VLMModelConfig defines the configuration for a single model endpoint.
type VLMModelConfig struct {
	Model       string        `mapstructure:"model_name" yaml:"model_name"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// DeviceConfig holds settings for the adb device controller and the element
// normalization step.
type DeviceConfig struct {
	Serial string `mapstructure:"serial" yaml:"serial"`
	// MinElementDist is the pixel tolerance below which two elements are
	// treated as the same target during normalization (Manhattan distance of
	// bounding-box centers).
	MinElementDist int `mapstructure:"min_element_dist" yaml:"min_element_dist"`
	// GridCellSize is the edge length in pixels of one cell of the fallback
	// grid overlay.
	GridCellSize  int           `mapstructure:"grid_cell_size" yaml:"grid_cell_size"`
	ScreenshotDir string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	XMLDir        string        `mapstructure:"xml_dir" yaml:"xml_dir"`
	InputTimeout  time.Duration `mapstructure:"input_timeout" yaml:"input_timeout"`
	// KeepArtifacts retains staged screenshots and hierarchy dumps after the
	// session terminates.
	KeepArtifacts bool `mapstructure:"keep_artifacts" yaml:"keep_artifacts"`
}

// KnowledgeConfig selects the knowledge-base backend.
type KnowledgeConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DataDir is the root for file-backed stores and session logs. Supports
	// ~ expansion.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// PostgresDSN configures the postgres backend; read from
	// TASKDROID_KNOWLEDGE_POSTGRES_DSN when unset in the file.
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"-"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskdroid")
	v.SetDefault("logger.log_file", "taskdroid.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.max_task_rounds", 20)
	v.SetDefault("agent.max_explore_rounds", 40)
	v.SetDefault("agent.request_interval", "2s")
	v.SetDefault("agent.app_load_delay", "5s")
	v.SetDefault("agent.settle_delay", "2s")
	v.SetDefault("agent.decision_retries", 3)
	v.SetDefault("agent.stuck_round_budget", 4)
	v.SetDefault("agent.exec_retry_budget", 2)
	v.SetDefault("agent.documentation_refinement", true)

	// -- VLM --
	v.SetDefault("agent.vlm.provider", "gemini")
	v.SetDefault("agent.vlm.gemini.model_name", "gemini-2.5-flash")
	v.SetDefault("agent.vlm.gemini.api_timeout", "120s")
	v.SetDefault("agent.vlm.gemini.temperature", 0.2)
	v.SetDefault("agent.vlm.gemini.max_tokens", 2048)
	v.SetDefault("agent.vlm.openai.model_name", "gpt-4o")
	v.SetDefault("agent.vlm.openai.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("agent.vlm.openai.api_timeout", "120s")
	v.SetDefault("agent.vlm.openai.temperature", 0.2)
	v.SetDefault("agent.vlm.openai.max_tokens", 2048)
	v.SetDefault("agent.vlm.qwen.model_name", "qwen-vl-max")
	v.SetDefault("agent.vlm.qwen.endpoint", "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions")
	v.SetDefault("agent.vlm.qwen.api_timeout", "120s")
	v.SetDefault("agent.vlm.qwen.temperature", 0.2)
	v.SetDefault("agent.vlm.qwen.max_tokens", 2048)

	// -- Device --
	v.SetDefault("device.min_element_dist", 20)
	v.SetDefault("device.grid_cell_size", 240)
	v.SetDefault("device.input_timeout", "15s")
	v.SetDefault("device.keep_artifacts", false)

	// -- Knowledge --
	v.SetDefault("knowledge.backend", "file")
	v.SetDefault("knowledge.data_dir", "~/.taskdroid")
}

// NewFromViper creates a configuration instance from a viper object,
// resolving environment-provided secrets and expanding paths.
func NewFromViper(v *viper.Viper) (*Config, error) {
	// API keys come from the environment when the file omits them. The
	// conventional provider variables take precedence over the generic
	// TASKDROID_ prefixed forms.
	bindings := map[string][]string{
		"agent.vlm.gemini.api_key": {"GEMINI_API_KEY"},
		"agent.vlm.openai.api_key": {"OPENAI_API_KEY"},
		"agent.vlm.qwen.api_key":   {"DASHSCOPE_API_KEY"},
		"knowledge.postgres_dsn":   {"TASKDROID_KNOWLEDGE_POSTGRES_DSN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dataDir, err := homedir.Expand(cfg.Knowledge.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand knowledge.data_dir: %w", err)
	}
	cfg.Knowledge.DataDir = dataDir

	if cfg.Device.ScreenshotDir == "" {
		cfg.Device.ScreenshotDir = filepath.Join(dataDir, "screenshots")
	}
	if cfg.Device.XMLDir == "" {
		cfg.Device.XMLDir = filepath.Join(dataDir, "hierarchies")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefault creates a configuration populated with default values only.
// Intended for tests and as a fallback.
func NewDefault() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("failed to build default config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxTaskRounds <= 0 {
		return fmt.Errorf("agent.max_task_rounds must be a positive integer")
	}
	if c.Agent.MaxExploreRounds <= 0 {
		return fmt.Errorf("agent.max_explore_rounds must be a positive integer")
	}
	if c.Agent.DecisionRetries <= 0 {
		return fmt.Errorf("agent.decision_retries must be a positive integer")
	}
	if c.Agent.StuckRoundBudget <= 0 {
		return fmt.Errorf("agent.stuck_round_budget must be a positive integer")
	}
	if c.Agent.ExecRetryBudget <= 0 {
		return fmt.Errorf("agent.exec_retry_budget must be a positive integer")
	}
	switch c.Agent.VLM.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderQwen:
	default:
		return fmt.Errorf("agent.vlm.provider must be one of gemini, openai, qwen; got %q", c.Agent.VLM.Provider)
	}
	if c.Device.MinElementDist < 0 {
		return fmt.Errorf("device.min_element_dist must not be negative")
	}
	if c.Device.GridCellSize <= 0 {
		return fmt.Errorf("device.grid_cell_size must be a positive integer")
	}
	switch c.Knowledge.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("knowledge.backend must be \"file\" or \"postgres\"; got %q", c.Knowledge.Backend)
	}
	if c.Knowledge.Backend == "postgres" && c.Knowledge.PostgresDSN == "" {
		return fmt.Errorf("knowledge.postgres_dsn is required for the postgres backend (TASKDROID_KNOWLEDGE_POSTGRES_DSN)")
	}
	return nil
}
