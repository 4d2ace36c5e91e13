package util

import "testing"

func TestContainsThinkTags(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected bool
	}{
		{"think tags", "<think>plan</think>Story", true},
		{"thinking tags", "<thinking>plan</thinking>Story", true},
		{"uppercase", "<THINK>plan</THINK>Story", true},
		{"chinese", "<思考>计划</思考>Story", true},
		{"none", "Just a story", false},
		{"unclosed", "<think>plan", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsThinkTags(tt.response); got != tt.expected {
				t.Errorf("ContainsThinkTags() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStripThinkTags(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected string
	}{
		{"single block", "<think>plan the plot</think>\n\nOnce upon a time", "Once upon a time"},
		{"multiple blocks", "<think>a</think>Start <thinking>b</thinking>end", "Start end"},
		{"no tags", "  A story.  ", "A story."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripThinkTags(tt.response); got != tt.expected {
				t.Errorf("StripThinkTags() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCleanStory(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "trailing sign-off removed",
			content:  "The lighthouse went dark.\n\nMara climbed the stairs.\n\nI hope you enjoyed this story!",
			expected: "The lighthouse went dark.\n\nMara climbed the stairs.",
		},
		{
			name:     "think block and sign-off",
			content:  "<think>outline</think>Para one.\n\nLet me know if you want changes.",
			expected: "Para one.",
		},
		{
			name:     "single paragraph kept",
			content:  "I hope you enjoyed the festival, said Mara.",
			expected: "I hope you enjoyed the festival, said Mara.",
		},
		{
			name:     "story without trailer untouched",
			content:  "First.\n\nSecond.",
			expected: "First.\n\nSecond.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanStory(tt.content); got != tt.expected {
				t.Errorf("CleanStory() = %q, want %q", got, tt.expected)
			}
		})
	}
}
