package config

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 64 * 1024
)

// modelKeyPattern restricts model keys because they become directory and file names
var modelKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateInputs performs additional validation on user-controllable fields
// that end up in URLs, file paths or prompts.
func (c *Config) ValidateInputs() error {
	for name, mc := range c.Models {
		if !modelKeyPattern.MatchString(name) {
			return fmt.Errorf("model key %q must be alphanumeric with _ . or -", name)
		}
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}
		if err := validateBaseURL(mc.BaseURL, name); err != nil {
			return err
		}
	}

	if err := c.validateTemplateSizes(); err != nil {
		return err
	}

	return nil
}

// validateModelName checks model name for control characters and length
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}
	if containsControlChars(modelName) {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}
	return nil
}

// validateBaseURL checks that the base URL is an absolute http(s) URL
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("model '%s' has invalid base_url: %w", configKey, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("model '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("model '%s' base_url must have a host", configKey)
	}
	return nil
}

func (c *Config) validateTemplateSizes() error {
	t := c.PromptTemplates
	templates := []struct {
		name  string
		value string
	}{
		{"constraint_system_prompt", t.ConstraintSystemPrompt},
		{"constraint_generation", t.ConstraintGeneration},
		{"base_story_generation", t.BaseStoryGeneration},
		{"story_system_prompt", t.StorySystemPrompt},
		{"story_generation", t.StoryGeneration},
		{"story_revision", t.StoryRevision},
		{"satisfaction_system_prompt", t.SatisfactionSystemPrompt},
		{"satisfaction_prompt", t.SatisfactionPrompt},
		{"quality_system_prompt", t.QualitySystemPrompt},
		{"quality_prompt", t.QualityPrompt},
	}
	for _, tmpl := range templates {
		if len(tmpl.value) > MaxTemplateSize {
			return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)",
				tmpl.name, MaxTemplateSize, len(tmpl.value))
		}
	}
	for name, mc := range c.Models {
		if len(mc.PromptFormat) > MaxTemplateSize {
			return fmt.Errorf("models.%s.prompt_format exceeds maximum size of %d bytes", name, MaxTemplateSize)
		}
	}
	return nil
}

// containsControlChars reports control characters other than newline, tab and CR
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
