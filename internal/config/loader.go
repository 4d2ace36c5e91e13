package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

// LoadOrDefault behaves like Load but falls back to the built-in defaults
// when configPath does not exist. Metric and plot stages need no endpoints.
func LoadOrDefault(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return parse(nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, *Secrets, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.ValidateInputs(); err != nil {
		return nil, nil, fmt.Errorf("input validation failed: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// Default returns the built-in configuration with defaults applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Generation.Direction == "" {
		cfg.Generation.Direction = "d3"
	}
	if len(cfg.Generation.ConstraintCounts) == 0 {
		cfg.Generation.ConstraintCounts = []int{7, 15, 23, 31, 39}
	}
	if cfg.Generation.BatchSize == 0 {
		cfg.Generation.BatchSize = 8
	}
	if cfg.Generation.OutputDir == "" {
		cfg.Generation.OutputDir = "output"
	}
	if cfg.Generation.CheckpointInterval == 0 {
		cfg.Generation.CheckpointInterval = 20
	}

	if cfg.Evaluation.MaxTrials == 0 {
		cfg.Evaluation.MaxTrials = 35
	}
	if cfg.Evaluation.MaxRedo == 0 {
		cfg.Evaluation.MaxRedo = 3
	}
	if cfg.Evaluation.ReferenceConstraints == 0 {
		cfg.Evaluation.ReferenceConstraints = 23
	}
	if cfg.Evaluation.SaveEvery == 0 {
		cfg.Evaluation.SaveEvery = 20
	}
	if cfg.Evaluation.Concurrency == 0 {
		cfg.Evaluation.Concurrency = 4
	}

	if cfg.Models == nil {
		cfg.Models = defaultModels()
	}
	if cfg.Generation.ConstraintModel == "" {
		if _, ok := cfg.Models["gpt4"]; ok {
			cfg.Generation.ConstraintModel = "gpt4"
		}
	}
	if cfg.Evaluation.SatisfactionJudge == "" {
		if _, ok := cfg.Models["gpt4"]; ok {
			cfg.Evaluation.SatisfactionJudge = "gpt4"
		}
	}
	if cfg.Evaluation.QualityJudge == "" {
		if _, ok := cfg.Models["gpt35"]; ok {
			cfg.Evaluation.QualityJudge = "gpt35"
		}
	}

	for name, model := range cfg.Models {
		if model.Backend == "" {
			model.Backend = BackendChat
		}
		if model.Temperature == 0 {
			model.Temperature = 0.8
		}
		if model.TopP == 0 {
			model.TopP = 0.95
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 4096
		}
		if model.ContextSize == 0 {
			model.ContextSize = 8192
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		// 0 means unset; -1 disables retries
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}

	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = DefaultCacheDir()
	}
	if cfg.Cache.ThresholdPercent == 0 {
		cfg.Cache.ThresholdPercent = 60
	}

	if cfg.Usage.LogPath == "" {
		cfg.Usage.LogPath = "api_usage.txt"
	}
	if cfg.Pricing == nil {
		cfg.Pricing = map[string]float64{
			"gpt-3.5-turbo": 0.0015,
			"gpt-4-turbo":   0.03,
		}
	}

	t := &cfg.PromptTemplates
	if t.ConstraintSystemPrompt == "" {
		t.ConstraintSystemPrompt = GetDefaultConstraintSystemPrompt()
	}
	if t.ConstraintGeneration == "" {
		t.ConstraintGeneration = GetDefaultConstraintTemplate()
	}
	if t.BaseStoryGeneration == "" {
		t.BaseStoryGeneration = GetDefaultBaseStoryTemplate()
	}
	if t.StorySystemPrompt == "" {
		t.StorySystemPrompt = GetDefaultStorySystemPrompt()
	}
	if t.StoryGeneration == "" {
		t.StoryGeneration = GetDefaultStoryTemplate()
	}
	if t.StoryRevision == "" {
		t.StoryRevision = GetDefaultRevisionTemplate()
	}
	if t.SatisfactionSystemPrompt == "" {
		t.SatisfactionSystemPrompt = GetDefaultSatisfactionSystemPrompt()
	}
	if t.SatisfactionPrompt == "" {
		t.SatisfactionPrompt = GetDefaultSatisfactionTemplate()
	}
	if t.QualitySystemPrompt == "" {
		t.QualitySystemPrompt = GetDefaultQualitySystemPrompt()
	}
	if t.QualityPrompt == "" {
		t.QualityPrompt = GetDefaultQualityTemplate()
	}
}

func defaultModels() map[string]ModelConfig {
	return map[string]ModelConfig{
		"gpt4": {
			Backend:     BackendChat,
			BaseURL:     "https://api.openai.com/v1",
			ModelName:   "gpt-4-turbo",
			Label:       "GPT-4 Turbo",
			Temperature: 0.7,
			TopP:        1.0,
		},
		"gpt35": {
			Backend:     BackendChat,
			BaseURL:     "https://api.openai.com/v1",
			ModelName:   "gpt-3.5-turbo",
			Label:       "GPT-3.5 Turbo",
			Temperature: 0.7,
			TopP:        1.0,
		},
	}
}

// DefaultCacheDir returns the Hugging Face hub cache under the user's home
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// LoadEnvFile sets KEY=VALUE pairs from a dotenv-style file.
// Existing environment variables are overwritten.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if err := os.Setenv(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return scanner.Err()
}
