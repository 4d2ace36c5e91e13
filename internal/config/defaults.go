package config

// knownLabels maps the short model names used in file paths to plot labels
var knownLabels = map[string]string{
	"gemma":         "Gemma-7B Instruct",
	"mistral":       "Mistral-7B Instruct",
	"llama":         "Llama-2-7B Chat",
	"olmo_basehf":   "OLMo Base",
	"olmo_sft":      "OLMo SFT",
	"olmo_instruct": "OLMo Instruct",
}

// ModelLabel returns the display label for a short model name, or the name itself
func ModelLabel(short string) string {
	if label, ok := knownLabels[short]; ok {
		return label
	}
	return short
}

// GetDefaultConstraintTemplate returns the user turn for constraint generation
func GetDefaultConstraintTemplate() string {
	return "\nInput - {{.Instruction}}\nOutput -\n"
}

// GetDefaultBaseStoryTemplate returns the prompt for an unconstrained base story
func GetDefaultBaseStoryTemplate() string {
	return "Write a short story for the following instruction in about 500 words.\nInstruction - {{.Instruction}}"
}

// GetDefaultStoryTemplate returns the d2 prompt: write directly under constraints
func GetDefaultStoryTemplate() string {
	return "Instruction - {{.Instruction}}\nConstraints - {{.Constraints}}"
}

// GetDefaultRevisionTemplate returns the d3 prompt: revise a base story under constraints
func GetDefaultRevisionTemplate() string {
	return "Story Instruction: {{.Instruction}}\nBaseStory: {{.BaseStory}}\nTask: Now revise the given BaseStory to satisfy the following constraints within 500 words: \n{{.Constraints}}"
}

// GetDefaultSatisfactionTemplate returns the judge input for constraint counting
func GetDefaultSatisfactionTemplate() string {
	return "Input - \nStory: - {{.Story}}\n\nNumber of Constraints in the story: - {{.NumConstraints}}\nConstraints: - \n{{.Constraints}} \n\n Output - Give me Number of Constraints Satisfied"
}

// GetDefaultQualityTemplate returns the judge input for a pairwise comparison
func GetDefaultQualityTemplate() string {
	return "\nStory A:\n{{.StoryA}}\n\nStory B:\n{{.StoryB}}\n"
}
