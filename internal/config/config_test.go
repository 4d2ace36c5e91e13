package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamim/cs4/pkg/models"
)

func validConfig() Config {
	cfg := Config{
		Models: map[string]ModelConfig{
			"gemma": {
				Backend:            BackendCompletions,
				BaseURL:            "http://localhost:8000/v1",
				ModelName:          "google/gemma-7b-it",
				Temperature:        0.8,
				TopP:               0.95,
				MaxOutputTokens:    1024,
				ContextSize:        8192,
				RateLimitPerMinute: 600,
			},
		},
	}
	applyDefaults(&cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "constraint count outside allowed set",
			mutate:  func(c *Config) { c.Generation.ConstraintCounts = []int{7, 10} },
			wantErr: "constraint_counts",
		},
		{
			name:    "unknown direction",
			mutate:  func(c *Config) { c.Generation.Direction = "d9" },
			wantErr: "direction",
		},
		{
			name:    "batch size zero",
			mutate:  func(c *Config) { c.Generation.BatchSize = 0 },
			wantErr: "batch_size",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { m := c.Models["gemma"]; m.Backend = "grpc"; c.Models["gemma"] = m },
			wantErr: "backend",
		},
		{
			name:    "judge refers to missing model",
			mutate:  func(c *Config) { c.Evaluation.QualityJudge = "claude" },
			wantErr: "unknown model",
		},
		{
			name: "perplexity model must be completions",
			mutate: func(c *Config) {
				c.Models["gpt"] = ModelConfig{Backend: BackendChat, BaseURL: "https://api.openai.com/v1", ModelName: "gpt-4",
					TopP: 1, MaxOutputTokens: 10, ContextSize: 100, RateLimitPerMinute: 1}
				c.Evaluation.PerplexityModel = "gpt"
			},
			wantErr: "completions backend",
		},
		{
			name:    "unpaired transcript tags",
			mutate:  func(c *Config) { m := c.Models["gemma"]; m.UserTag = "<|user|>"; c.Models["gemma"] = m },
			wantErr: "assistant_tag",
		},
		{
			name:    "threshold above 100",
			mutate:  func(c *Config) { c.Cache.ThresholdPercent = 120 },
			wantErr: "threshold_percent",
		},
		{
			name:    "reference count not allowed",
			mutate:  func(c *Config) { c.Evaluation.ReferenceConstraints = 11 },
			wantErr: "reference_constraints",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_WrapsConstraintCountError(t *testing.T) {
	cfg := validConfig()
	cfg.Generation.ConstraintCounts = []int{8}
	err := cfg.Validate()
	if !errors.Is(err, models.ErrInvalidConstraintCount) {
		t.Errorf("expected ErrInvalidConstraintCount, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[generation]
direction = "d2"
batch_size = 4
constraint_model = "gpt4"

[models.gpt4]
backend = "chat"
base_url = "https://api.openai.com/v1"
model_name = "gpt-4-turbo"

[models.llama]
backend = "ollama"
base_url = "http://localhost:11434"
model_name = "llama2:7b-chat"

[pricing]
"gpt-4-turbo" = 0.03
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, secrets, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if secrets == nil {
		t.Fatal("expected secrets")
	}
	if cfg.Generation.BatchSize != 4 {
		t.Errorf("batch_size = %d, want 4", cfg.Generation.BatchSize)
	}
	if cfg.Generation.Direction != "d2" {
		t.Errorf("direction = %s, want d2", cfg.Generation.Direction)
	}
	llama := cfg.Models["llama"]
	if llama.Temperature != 0.8 || llama.TopP != 0.95 || llama.MaxOutputTokens != 4096 {
		t.Errorf("sampling defaults not applied: %+v", llama)
	}
	if llama.DisplayLabel("llama") != "Llama-2-7B Chat" {
		t.Errorf("DisplayLabel() = %s", llama.DisplayLabel("llama"))
	}
	if cfg.Evaluation.MaxTrials != 35 || cfg.Evaluation.MaxRedo != 3 || cfg.Evaluation.ReferenceConstraints != 23 {
		t.Errorf("evaluation defaults not applied: %+v", cfg.Evaluation)
	}
	if cfg.PromptTemplates.StoryRevision == "" {
		t.Error("default revision template not applied")
	}
	// Judges default to gpt35 only when it is configured
	if cfg.Evaluation.QualityJudge != "" {
		t.Errorf("quality judge = %q, want empty", cfg.Evaluation.QualityJudge)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Evaluation.SatisfactionJudge != "gpt4" {
		t.Errorf("satisfaction judge = %q, want gpt4", cfg.Evaluation.SatisfactionJudge)
	}
	if cfg.Pricing["gpt-3.5-turbo"] != 0.0015 {
		t.Errorf("default pricing missing: %v", cfg.Pricing)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[generation\nbatch_size = "), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key-123")
	t.Setenv("API_KEY", "generic-key")

	secrets, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}
	if secrets.APIKeys["openai"] != "test-key-123" {
		t.Errorf("Expected OpenAI key to be 'test-key-123', got %s", secrets.APIKeys["openai"])
	}
	if secrets.APIKeys["generic"] != "generic-key" {
		t.Errorf("Expected generic key, got %s", secrets.APIKeys["generic"])
	}
}

func TestGetAPIKey(t *testing.T) {
	secrets := &Secrets{
		APIKeys: map[string]string{
			"openai": "openai-key",
			"vllm":   "vllm-key",
		},
	}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"OpenAI URL", "https://api.openai.com/v1", "openai-key"},
		{"local vLLM", "http://localhost:8000/v1", "vllm-key"},
		{"Unknown URL", "https://unknown.com/v1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := secrets.GetAPIKey(tt.baseURL); got != tt.want {
				t.Errorf("GetAPIKey() = %v, want %v", got, tt.want)
			}
		})
	}

	var none *Secrets
	if got := none.GetAPIKey("https://api.openai.com/v1"); got != "" {
		t.Errorf("nil secrets returned %q", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport CS4_TEST_A=\"quoted value\"\nCS4_TEST_B = plain\n\nmalformed line\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CS4_TEST_A", "")
	t.Setenv("CS4_TEST_B", "")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("CS4_TEST_A"); got != "quoted value" {
		t.Errorf("CS4_TEST_A = %q", got)
	}
	if got := os.Getenv("CS4_TEST_B"); got != "plain" {
		t.Errorf("CS4_TEST_B = %q", got)
	}
}
