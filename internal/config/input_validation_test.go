package config

import (
	"strings"
	"testing"
)

func TestValidateInputs_ModelKeys(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"short name", "gemma", false},
		{"underscore", "olmo_sft", false},
		{"dotted", "llama-2.7b", false},
		{"path traversal", "../etc", true},
		{"slash", "olmo/sft", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Models: map[string]ModelConfig{
				tt.key: {BaseURL: "http://localhost:8000/v1", ModelName: "m"},
			}}
			err := cfg.ValidateInputs()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInputs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr string
	}{
		{"https://api.openai.com/v1", ""},
		{"http://localhost:11434", ""},
		{"ftp://example.com", "scheme"},
		{"http://", "host"},
		{"://bad", "invalid base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateBaseURL(tt.url, "m")
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateBaseURL(%q) unexpected error: %v", tt.url, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateBaseURL(%q) error = %v, want substring %q", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateModelName(t *testing.T) {
	if err := validateModelName("allenai/OLMo-7B-SFT", "olmo_sft"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateModelName(strings.Repeat("x", MaxModelNameLength+1), "m"); err == nil {
		t.Error("expected length error")
	}
	if err := validateModelName("bad\x00name", "m"); err == nil {
		t.Error("expected control character error")
	}
}

func TestValidateTemplateSizes(t *testing.T) {
	cfg := Default()
	if err := cfg.validateTemplateSizes(); err != nil {
		t.Fatalf("default templates rejected: %v", err)
	}
	cfg.PromptTemplates.QualityPrompt = strings.Repeat("a", MaxTemplateSize+1)
	err := cfg.validateTemplateSizes()
	if err == nil || !strings.Contains(err.Error(), "quality_prompt") {
		t.Errorf("expected quality_prompt size error, got %v", err)
	}
}
