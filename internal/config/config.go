package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gofer/internal/sandbox"
)

// Default model assignments per role. The decision and summary models are
// deliberately smaller than the main model.
const (
	DefaultModel         = "gpt-4o"
	DefaultDecisionModel = "gpt-4"
	DefaultSummaryModel  = "gpt-3.5-turbo"
)

// DefaultToolRepoAPI is the code-hosting API queried for remote tools.
const DefaultToolRepoAPI = "https://api.github.com"

// Config captures the tunable runtime settings for the agent.
type Config struct {
	Model         string `yaml:"model"`
	DecisionModel string `yaml:"decision_model"`
	SummaryModel  string `yaml:"summary_model"`
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`

	WorkspaceRoot          string   `yaml:"workspace_root"`
	InputDir               string   `yaml:"input_dir"`
	MaxInputFileSize       int64    `yaml:"max_input_file_size"`
	AllowedInputExtensions []string `yaml:"allowed_input_extensions"`

	MaxSteps              int     `yaml:"max_steps"`
	AutoContinue          int     `yaml:"auto_continue"`
	Temperature           float64 `yaml:"temperature"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	ShellTimeoutSeconds   int     `yaml:"shell_timeout_seconds"`

	ToolRepoAPIBase  string `yaml:"tool_repo_api_base"`
	ToolRepo         string `yaml:"tool_repo"`
	ToolRepoBranch   string `yaml:"tool_repo_branch"`
	ToolRepoTokenEnv string `yaml:"tool_repo_token_env"`

	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress"`

	MemoryStorePath string `yaml:"memory_store_path"`
	HistoryPath     string `yaml:"history_path"`
}

// LoadUserConfig loads configuration from ~/.gofer/config.yaml.
// Checks GOFER_CONFIG_PATH environment variable first.
// If the file doesn't exist, returns defaults.
func LoadUserConfig() (Config, error) {
	configPath := os.Getenv("GOFER_CONFIG_PATH")
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := Config{}
		cfg.applyDefaults()
		cfg.applyEnvOverrides()
		if err := cfg.validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	return Load(configPath)
}

// Load reads the YAML configuration from disk and injects sane defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills in optional values to keep the YAML file concise.
func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.DecisionModel == "" {
		c.DecisionModel = DefaultDecisionModel
	}
	if c.SummaryModel == "" {
		c.SummaryModel = DefaultSummaryModel
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "output"
	}
	if c.InputDir == "" {
		c.InputDir = "input"
	}
	if c.MaxInputFileSize <= 0 {
		c.MaxInputFileSize = sandbox.DefaultMaxInputSize
	}
	if len(c.AllowedInputExtensions) == 0 {
		c.AllowedInputExtensions = append([]string(nil), sandbox.DefaultInputExtensions...)
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.AutoContinue < -1 {
		c.AutoContinue = -1
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 90
	}
	if c.ShellTimeoutSeconds <= 0 {
		c.ShellTimeoutSeconds = 60
	}
	if c.ToolRepoAPIBase == "" {
		c.ToolRepoAPIBase = DefaultToolRepoAPI
	}
	if c.ToolRepoBranch == "" {
		c.ToolRepoBranch = "main"
	}
	if c.ToolRepoTokenEnv == "" {
		c.ToolRepoTokenEnv = "GITHUB_TOKEN"
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(GetConfigDir(), "gofer.log")
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 10
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays <= 0 {
		c.LogMaxAgeDays = 28
	}
	if c.MemoryStorePath == "" {
		c.MemoryStorePath = filepath.Join(c.WorkspaceRoot, "memory.db")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(GetConfigDir(), "history")
	}
}

// applyEnvOverrides lets operational settings be swapped without editing
// the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOFER_WORKSPACE"); v != "" {
		c.OverrideWorkspaceRoot(v)
	}
	if v := os.Getenv("GOFER_INPUT_DIR"); v != "" {
		c.InputDir = v
	}
	if v := os.Getenv("GOFER_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("GOFER_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxSteps = n
		}
	}
	if v := os.Getenv("GOFER_AUTO_CONTINUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= -1 {
			c.AutoContinue = n
		}
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model must be set")
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be >= 1 (got %d)", c.MaxSteps)
	}
	if c.AutoContinue < -1 {
		return fmt.Errorf("auto_continue must be -1, 0, or a positive step budget (got %d)", c.AutoContinue)
	}
	if c.Temperature < 0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0 and 2.0 (got %f)", c.Temperature)
	}
	if c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("request_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if c.ShellTimeoutSeconds > 600 {
		return fmt.Errorf("shell_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if c.MaxInputFileSize <= 0 {
		return fmt.Errorf("max_input_file_size must be positive")
	}
	if c.ToolRepo != "" && !strings.Contains(c.ToolRepo, "/") {
		return fmt.Errorf("tool_repo must be in owner/name form (got %q)", c.ToolRepo)
	}
	if strings.TrimSpace(c.MemoryStorePath) == "" {
		return fmt.Errorf("memory_store_path must be set")
	}
	if strings.TrimSpace(c.HistoryPath) == "" {
		return fmt.Errorf("history_path must be set")
	}
	return nil
}

// RequestTimeout turns the integer value into a duration for HTTP clients.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShellTimeout exposes the configured duration for sandboxed shell commands.
func (c Config) ShellTimeout() time.Duration {
	return time.Duration(c.ShellTimeoutSeconds) * time.Second
}

// APIKey reads the provider credential from the configured environment
// variable. Empty means unauthenticated (the mock client path).
func (c Config) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// ToolRepoToken reads the optional code-hosting token. Absence degrades to
// unauthenticated requests rather than failing.
func (c Config) ToolRepoToken() string {
	if c.ToolRepoTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.ToolRepoTokenEnv)
}

// OverrideWorkspaceRoot swaps the workspace root at runtime and rebases dependent paths.
func (c *Config) OverrideWorkspaceRoot(root string) {
	if c == nil {
		return
	}
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return
	}
	oldRoot := c.WorkspaceRoot
	c.WorkspaceRoot = trimmed
	c.rebasePath(&c.MemoryStorePath, oldRoot, trimmed)
}

func (c *Config) rebasePath(target *string, oldRoot, newRoot string) {
	if target == nil {
		return
	}
	val := strings.TrimSpace(*target)
	if val == "" {
		return
	}
	oldAbs := absPath(oldRoot)
	newAbs := absPath(newRoot)
	pathVal := val
	if filepath.IsAbs(pathVal) {
		if oldAbs == "" {
			return
		}
		rel, err := filepath.Rel(oldAbs, pathVal)
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		pathVal = rel
	} else {
		rel, err := filepath.Rel(oldRoot, pathVal)
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		pathVal = rel
	}
	if newAbs == "" {
		newAbs = "."
	}
	*target = filepath.Join(newAbs, pathVal)
}

func absPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func GetConfigDir() string {
	if configDir := os.Getenv("GOFER_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gofer"
	}
	return filepath.Join(home, ".gofer")
}
