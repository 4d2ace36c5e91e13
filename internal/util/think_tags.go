package util

import (
	"regexp"
	"strings"
)

var (
	thinkTagRegex        = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
	chineseThinkTagRegex = regexp.MustCompile(`(?i)<思考>([\s\S]*?)</思考>`)

	// Sign-offs some chat models append after the story
	storyTrailers = []string{
		"i hope you enjoyed",
		"let me know if you",
		"i hope this story",
		"feel free to ask",
	}
)

// ContainsThinkTags reports whether a response carries reasoning tags
func ContainsThinkTags(response string) bool {
	return thinkTagRegex.MatchString(response) || chineseThinkTagRegex.MatchString(response)
}

// StripThinkTags removes reasoning blocks from a response and trims it
func StripThinkTags(response string) string {
	result := thinkTagRegex.ReplaceAllString(response, "")
	result = chineseThinkTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// CleanStory strips reasoning blocks and a trailing sign-off paragraph from a
// generated story. If cutting would leave nothing, the stripped text is kept.
func CleanStory(content string) string {
	story := StripThinkTags(content)
	if story == "" {
		return story
	}

	paragraphs := strings.Split(story, "\n\n")
	if len(paragraphs) < 2 {
		return story
	}
	last := strings.ToLower(strings.TrimSpace(paragraphs[len(paragraphs)-1]))
	for _, trailer := range storyTrailers {
		if strings.HasPrefix(last, trailer) {
			return strings.TrimSpace(strings.Join(paragraphs[:len(paragraphs)-1], "\n\n"))
		}
	}
	return story
}
