package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lamim/cs4/pkg/models"
)

// Backend kinds a model can be served through
const (
	BackendChat        = "chat"        // OpenAI-compatible /chat/completions, one prompt per request
	BackendCompletions = "completions" // OpenAI-compatible /completions, many prompts per request (vLLM)
	BackendOllama      = "ollama"      // local Ollama server /api/generate
)

// Config represents the complete application configuration
type Config struct {
	Generation      GenerationConfig       `toml:"generation"`
	Evaluation      EvaluationConfig       `toml:"evaluation"`
	Models          map[string]ModelConfig `toml:"models"`
	PromptTemplates PromptTemplates        `toml:"prompt_templates"`
	Cache           CacheConfig            `toml:"cache"`
	Usage           UsageConfig            `toml:"usage"`
	Pricing         map[string]float64     `toml:"pricing"` // USD per 1K tokens, keyed by model_name
}

// GenerationConfig holds constraint and story generation settings
type GenerationConfig struct {
	ConstraintModel     string `toml:"constraint_model"`    // models.<key> used to write constraint lists
	BaseStoryModel      string `toml:"base_story_model"`    // models.<key> used for unconstrained base stories
	Direction           string `toml:"direction"`           // d2 or d3
	ConstraintCounts    []int  `toml:"constraint_counts"`   // subset sizes, must be drawn from 7/15/23/31/39
	BatchSize           int    `toml:"batch_size"`          // prompts per backend invocation (default 8)
	OutputDir           string `toml:"output_dir"`          // root for session directories (default "output")
	EnableCheckpointing bool   `toml:"enable_checkpointing"`
	CheckpointInterval  int    `toml:"checkpoint_interval"` // save checkpoint every N completed rows (default 20)
	ResumeFromSession   string `toml:"resume_from_session"` // session directory to resume from
}

// EvaluationConfig holds judge and metric settings
type EvaluationConfig struct {
	SatisfactionJudge    string `toml:"satisfaction_judge"`    // models.<key> counting satisfied constraints
	QualityJudge         string `toml:"quality_judge"`         // models.<key> comparing story pairs
	PerplexityModel      string `toml:"perplexity_model"`      // models.<key> scoring logprobs
	MaxTrials            int    `toml:"max_trials"`            // instruction groups compared (default 35)
	MaxRedo              int    `toml:"max_redo"`              // judge attempts per pair (default 3)
	ReferenceConstraints int    `toml:"reference_constraints"` // constraint count of the reference story (default 23)
	SaveEvery            int    `toml:"save_every"`            // partial save interval for judge stages (default 20)
	Concurrency          int    `toml:"concurrency"`           // parallel satisfaction judge calls (default 4)
	Seed                 int64  `toml:"seed"`                  // story order seed, 0 = time based
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	Backend            string  `toml:"backend"` // chat, completions or ollama
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Label              string  `toml:"label"` // display name used in plots and reports
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	ContextSize        int     `toml:"context_size"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`          // default 3, -1 disables retries
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // default 120
	PromptFormat       string  `toml:"prompt_format"`        // template wrapping raw prompts, e.g. a chat template
	UserTag            string  `toml:"user_tag"`             // transcript delimiter before the prompt
	AssistantTag       string  `toml:"assistant_tag"`        // transcript delimiter before the answer
}

// DisplayLabel returns the configured label, falling back to the known short names
func (mc ModelConfig) DisplayLabel(key string) string {
	if mc.Label != "" {
		return mc.Label
	}
	return ModelLabel(key)
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	ConstraintSystemPrompt   string `toml:"constraint_system_prompt"`
	ConstraintGeneration     string `toml:"constraint_generation"`
	BaseStoryGeneration      string `toml:"base_story_generation"`
	StorySystemPrompt        string `toml:"story_system_prompt"`
	StoryGeneration          string `toml:"story_generation"` // d2
	StoryRevision            string `toml:"story_revision"`   // d3
	SatisfactionSystemPrompt string `toml:"satisfaction_system_prompt"`
	SatisfactionPrompt       string `toml:"satisfaction_prompt"`
	QualitySystemPrompt      string `toml:"quality_system_prompt"`
	QualityPrompt            string `toml:"quality_prompt"`
}

// CacheConfig holds model cache eviction settings
type CacheConfig struct {
	Dir              string   `toml:"dir"`               // default ~/.cache/huggingface/hub
	ThresholdPercent float64  `toml:"threshold_percent"` // evict while filesystem usage is above this (default 60)
	MaxBytes         int64    `toml:"max_bytes"`         // optional size budget for the cache directory
	Pinned           []string `toml:"pinned"`            // entries never evicted
}

// UsageConfig holds token metering sinks
type UsageConfig struct {
	LogPath     string `toml:"log_path"`     // append-only usage log (default api_usage.txt)
	LedgerPath  string `toml:"ledger_path"`  // SQLite usage ledger, empty disables
	MetricsPath string `toml:"metrics_path"` // Prometheus textfile written on exit, empty disables
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

const (
	// MaxBatchSize is the maximum allowed prompts per backend call
	MaxBatchSize = 512
	// MaxTrials is the upper bound on compared instruction groups
	MaxTrials = 10000
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Generation.Direction != "" {
		if _, err := models.ParseDirection(c.Generation.Direction); err != nil {
			return fmt.Errorf("generation.direction: %w", err)
		}
	}
	if len(c.Generation.ConstraintCounts) == 0 {
		return fmt.Errorf("generation.constraint_counts must not be empty")
	}
	for _, n := range c.Generation.ConstraintCounts {
		if err := models.ValidateConstraintCount(n); err != nil {
			return fmt.Errorf("generation.constraint_counts: %w", err)
		}
	}
	if c.Generation.BatchSize < 1 || c.Generation.BatchSize > MaxBatchSize {
		return fmt.Errorf("generation.batch_size must be between 1 and %d (got %d)", MaxBatchSize, c.Generation.BatchSize)
	}
	if c.Generation.CheckpointInterval < 1 {
		c.Generation.CheckpointInterval = 20
	}

	if c.Evaluation.MaxTrials < 1 || c.Evaluation.MaxTrials > MaxTrials {
		return fmt.Errorf("evaluation.max_trials must be between 1 and %d (got %d)", MaxTrials, c.Evaluation.MaxTrials)
	}
	if c.Evaluation.MaxRedo < 1 || c.Evaluation.MaxRedo > 10 {
		return fmt.Errorf("evaluation.max_redo must be between 1 and 10 (got %d)", c.Evaluation.MaxRedo)
	}
	if err := models.ValidateConstraintCount(c.Evaluation.ReferenceConstraints); err != nil {
		return fmt.Errorf("evaluation.reference_constraints: %w", err)
	}
	if c.Evaluation.SaveEvery < 1 {
		return fmt.Errorf("evaluation.save_every must be at least 1")
	}
	if c.Evaluation.Concurrency < 1 || c.Evaluation.Concurrency > 64 {
		return fmt.Errorf("evaluation.concurrency must be between 1 and 64 (got %d)", c.Evaluation.Concurrency)
	}

	for name, mc := range c.Models {
		if err := validateModelConfig(name, mc); err != nil {
			return err
		}
	}

	// Role references must point at configured models
	roles := []struct {
		field string
		key   string
	}{
		{"generation.constraint_model", c.Generation.ConstraintModel},
		{"generation.base_story_model", c.Generation.BaseStoryModel},
		{"evaluation.satisfaction_judge", c.Evaluation.SatisfactionJudge},
		{"evaluation.quality_judge", c.Evaluation.QualityJudge},
		{"evaluation.perplexity_model", c.Evaluation.PerplexityModel},
	}
	for _, role := range roles {
		if role.key == "" {
			continue
		}
		if _, ok := c.Models[role.key]; !ok {
			return fmt.Errorf("%s refers to unknown model %q", role.field, role.key)
		}
	}
	if key := c.Evaluation.PerplexityModel; key != "" && c.Models[key].Backend != BackendCompletions {
		return fmt.Errorf("evaluation.perplexity_model %q must use the completions backend", key)
	}

	if c.Cache.ThresholdPercent <= 0 || c.Cache.ThresholdPercent > 100 {
		return fmt.Errorf("cache.threshold_percent must be in (0, 100] (got %.1f)", c.Cache.ThresholdPercent)
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must not be negative")
	}

	for model, price := range c.Pricing {
		if price < 0 {
			return fmt.Errorf("pricing.%s must not be negative", model)
		}
	}

	templates := []struct {
		name  string
		value string
	}{
		{"constraint_generation", c.PromptTemplates.ConstraintGeneration},
		{"story_generation", c.PromptTemplates.StoryGeneration},
		{"story_revision", c.PromptTemplates.StoryRevision},
		{"satisfaction_prompt", c.PromptTemplates.SatisfactionPrompt},
		{"quality_prompt", c.PromptTemplates.QualityPrompt},
	}
	for _, tmpl := range templates {
		if tmpl.value == "" {
			return fmt.Errorf("prompt_templates.%s is required", tmpl.name)
		}
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	switch mc.Backend {
	case BackendChat, BackendCompletions, BackendOllama:
	default:
		return fmt.Errorf("models.%s.backend must be one of chat, completions, ollama (got %q)", name, mc.Backend)
	}
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.ContextSize < 1 {
		return fmt.Errorf("models.%s.context_size must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	if mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("models.%s.max_output_tokens (%d) must not exceed context_size (%d)", name, mc.MaxOutputTokens, mc.ContextSize)
	}
	if (mc.UserTag == "") != (mc.AssistantTag == "") {
		return fmt.Errorf("models.%s: user_tag and assistant_tag must be set together", name)
	}
	return nil
}

// Model returns the named model or a descriptive error
func (c *Config) Model(key string) (ModelConfig, error) {
	mc, ok := c.Models[key]
	if !ok {
		return ModelConfig{}, fmt.Errorf("model %q is not configured", key)
	}
	return mc, nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Generic key for any OpenAI-compatible server
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Provider-specific keys override the generic one
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}
	if key := os.Getenv("VLLM_API_KEY"); key != "" {
		secrets.APIKeys["vllm"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if s == nil {
		return ""
	}
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "localhost") || strings.Contains(baseURL, "127.0.0.1") {
		if key := s.APIKeys["vllm"]; key != "" {
			return key
		}
	}

	if key := s.APIKeys["generic"]; key != "" {
		return key
	}

	// Local servers usually run without auth
	return ""
}
