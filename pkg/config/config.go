// Package config provides configuration loading, validation, and management
// for the cycle orchestrator.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig returns the config by value so callers cannot mutate
// shared state; updates go through the Update* functions, which validate
// and persist atomically. Configuration holds settings only; cycle state
// and history belong to the persistence layer, never in config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reploid/pkg/logx"
)

// ProjectConfigDir is the dot-directory holding config, secrets, and state.
const ProjectConfigDir = ".reploid"

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Environment variable names for provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGeminiAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// CurrentSchemaVersion tracks config file compatibility. Increment on any
// breaking change to the Config layout.
const CurrentSchemaVersion = 1

// Global config instance with mutex protection. projectDir is set once
// during LoadConfig and never changes.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string
	logger     *logx.Logger
	mu         sync.RWMutex
)

// getLogger returns the config logger, initializing it if needed.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ModelInfo contains static information about a known LLM model. This data
// is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, gemini, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels contains pricing and provider information for common models.
// Unknown models are inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-3-5-haiku-20241022": {
		Provider:         ProviderAnthropic,
		InputCPM:         0.80,
		OutputCPM:        4.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGemini,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"qwen2.5-coder": {
		Provider:         ProviderOllama,
		MaxContextTokens: 32768,
		MaxOutputTokens:  8192,
	},
}

// ProviderPattern infers a provider from a model name prefix, so new
// models work without code changes.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGemini},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// RetryConfig defines retry policy settings for LLM requests.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// CircuitBreakerConfig defines circuit breaker settings for LLM requests.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// ResilienceConfig bundles the LLM middleware settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        time.Duration        `json:"timeout"`
}

// LLMConfig selects models and generation parameters.
//
//nolint:govet // fieldalignment: logical grouping preferred
type LLMConfig struct {
	// Model drives planning and proposal generation.
	Model string `json:"model"`
	// ReflectionModel drives the reflection step. Empty means use Model.
	ReflectionModel string           `json:"reflection_model,omitempty"`
	MaxTokens       int              `json:"max_tokens"`
	Temperature     float32          `json:"temperature"`
	Resilience      ResilienceConfig `json:"resilience"`
}

// CycleConfig bounds cycle behavior.
type CycleConfig struct {
	// MaxHistory caps retained transition records per process.
	MaxHistory int `json:"max_history"`
	// MaxContextTokens is the curation budget for assembled context.
	MaxContextTokens int `json:"max_context_tokens"`
	// ApplyParallelism bounds concurrent entries inside a parallel-safe
	// changeset batch.
	ApplyParallelism int `json:"apply_parallelism"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	// DBPath is the sqlite database path, relative to the project dir
	// unless absolute.
	DBPath string `json:"db_path"`
	// ArtifactDir is the root of the versioned artifact store.
	ArtifactDir string `json:"artifact_dir"`
	// EventLogDir is where JSONL event logs are written.
	EventLogDir string `json:"event_log_dir"`
	// CheckpointKeep is how many checkpoints to retain per session.
	// Older ones are pruned after each completed cycle. Negative
	// disables pruning.
	CheckpointKeep int `json:"checkpoint_keep"`
}

// ConsoleConfig configures the HTTP control surface.
type ConsoleConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	// Username for basic auth. The password comes from the secrets store
	// under CONSOLE_PASSWORD, falling back to the unlock passphrase.
	Username string `json:"username"`
}

// MetricsConfig configures metrics readback.
type MetricsConfig struct {
	// PrometheusURL enables the query service when set.
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// Config is the root configuration, persisted to
// <projectDir>/.reploid/config.json.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Config struct {
	SchemaVersion int           `json:"schema_version"`
	LLM           LLMConfig     `json:"llm"`
	Cycle         CycleConfig   `json:"cycle"`
	Storage       StorageConfig `json:"storage"`
	Console       ConsoleConfig `json:"console"`
	Metrics       MetricsConfig `json:"metrics"`
}

// GetConfig returns the loaded config by value.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// ProjectDir returns the directory LoadConfig was given.
func ProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// SetConfigForTesting sets the global config, bypassing normal
// initialization. Pass nil to reset. Tests only.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// LoadConfig loads <projectDir>/.reploid/config.json into the global
// singleton. A missing file creates a new config with defaults; an
// unparseable file is an error so user changes are never overwritten.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, "config.json")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		return nil
	}

	getLogger().Info("📝 Loading config from %s", configPath)
	loaded, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("config file exists but cannot be parsed (refusing to overwrite): %w", err)
	}

	applyDefaults(loaded)
	if err := validateConfig(loaded); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config = loaded

	// Persist back so old files pick up newly defaulted fields.
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated")
	return nil
}

// UpdateLLM replaces the LLM section after validating provider mappings,
// then persists.
func UpdateLLM(llmCfg *LLMConfig) error {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	old := config.LLM
	config.LLM = *llmCfg
	applyDefaults(config)

	if _, err := GetModelProvider(config.LLM.Model); err != nil {
		config.LLM = old
		return fmt.Errorf("invalid model: %w", err)
	}
	if config.LLM.ReflectionModel != "" {
		if _, err := GetModelProvider(config.LLM.ReflectionModel); err != nil {
			config.LLM = old
			return fmt.Errorf("invalid reflection model: %w", err)
		}
	}
	return saveConfigLocked()
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// SaveConfig persists the given config to the project directory.
func SaveConfig(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	return saveConfigLocked()
}

// saveConfigLocked writes the global config to disk. Caller holds mu.
func saveConfigLocked() error {
	if config == nil {
		return fmt.Errorf("no config to save")
	}
	dir := filepath.Join(projectDir, ProjectConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func createDefaultConfig() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills any zero-valued field with its default.
func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 8192
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}

	resilience := &cfg.LLM.Resilience
	if resilience.CircuitBreaker.FailureThreshold == 0 {
		resilience.CircuitBreaker.FailureThreshold = 5
	}
	if resilience.CircuitBreaker.SuccessThreshold == 0 {
		resilience.CircuitBreaker.SuccessThreshold = 2
	}
	if resilience.CircuitBreaker.Timeout == 0 {
		resilience.CircuitBreaker.Timeout = 30 * time.Second
	}
	if resilience.Retry.MaxAttempts == 0 {
		resilience.Retry.MaxAttempts = 3
	}
	if resilience.Retry.InitialDelay == 0 {
		resilience.Retry.InitialDelay = 100 * time.Millisecond
	}
	if resilience.Retry.MaxDelay == 0 {
		resilience.Retry.MaxDelay = 10 * time.Second
	}
	if resilience.Retry.BackoffFactor == 0 {
		resilience.Retry.BackoffFactor = 2.0
	}
	if resilience.Timeout == 0 {
		resilience.Timeout = 5 * time.Minute
	}

	if cfg.Cycle.MaxHistory == 0 {
		cfg.Cycle.MaxHistory = 1000
	}
	if cfg.Cycle.MaxContextTokens == 0 {
		cfg.Cycle.MaxContextTokens = 32000
	}
	if cfg.Cycle.ApplyParallelism == 0 {
		cfg.Cycle.ApplyParallelism = 4
	}

	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(ProjectConfigDir, "reploid.db")
	}
	if cfg.Storage.ArtifactDir == "" {
		cfg.Storage.ArtifactDir = filepath.Join(ProjectConfigDir, "artifacts")
	}
	if cfg.Storage.EventLogDir == "" {
		cfg.Storage.EventLogDir = filepath.Join(ProjectConfigDir, "events")
	}
	if cfg.Storage.CheckpointKeep == 0 {
		cfg.Storage.CheckpointKeep = 8
	}

	if cfg.Console.Addr == "" {
		cfg.Console.Addr = "localhost:8780"
	}
	if cfg.Console.Username == "" {
		cfg.Console.Username = "operator"
	}
}

// validateConfig rejects configs that cannot drive a cycle.
func validateConfig(cfg *Config) error {
	if cfg.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("config schema version %d is newer than supported version %d", cfg.SchemaVersion, CurrentSchemaVersion)
	}
	if _, err := GetModelProvider(cfg.LLM.Model); err != nil {
		return fmt.Errorf("invalid model: %w", err)
	}
	if cfg.LLM.ReflectionModel != "" {
		if _, err := GetModelProvider(cfg.LLM.ReflectionModel); err != nil {
			return fmt.Errorf("invalid reflection model: %w", err)
		}
	}
	if cfg.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if cfg.Cycle.ApplyParallelism < 1 {
		return fmt.Errorf("cycle.apply_parallelism must be at least 1")
	}
	return nil
}

// GetModelProvider returns the API provider for a given model. It checks
// KnownModels first, then falls back to prefix patterns. The "ollama:"
// prefix forces the Ollama provider for arbitrary local models.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	if strings.HasPrefix(modelName, "ollama:") {
		return ProviderOllama, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: no provider mapping or pattern match", modelName)
}

// GetModelInfo returns ModelInfo for a model, inferring the provider for
// unknown models. The bool reports whether the model was known.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}
	provider, err := GetModelProvider(modelName)
	if err != nil {
		provider = ""
	}
	return ModelInfo{Provider: provider}, false
}

// ResolveModelName strips the explicit "ollama:" prefix, returning the
// name the provider API expects.
func ResolveModelName(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}

// GetAPIKey returns the credential for a provider: the secrets store
// first, then environment variables. For Ollama it returns the host URL.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGemini:
		envVar = EnvGeminiAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err != nil || key == "" {
		return "", fmt.Errorf("no API key for provider %s: set %s in the secrets store or environment", provider, envVar)
	}
	return key, nil
}
