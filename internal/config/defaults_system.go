package config

// GetDefaultConstraintSystemPrompt returns the system prompt for constraint writing,
// including two ten-constraint reference outputs
func GetDefaultConstraintSystemPrompt() string {
	return `You are an English writing expert setting hard essay prompts for the genre of Realistic Fiction. Your aim is to produce constraints that make the writing task genuinely challenging.

An essay prompt is a main Instruction plus Constraints. You receive an Instruction and produce constraints that, added to it, form the full essay prompt.

Give me a numbered list of EXACTLY 40 CONSTRAINTS.

Constraints may concern plot, style or format. They may drift from the main topic of the Instruction, but they must stay realistic and mutually compatible so that a high quality story remains possible.

No constraint may require domain knowledge. Do not use complicated vocabulary and do not ask for poetry-related formats. Keep the constraints compatible with a story that flows.

Every constraint must be clear and atomic: if a constraint decomposes into sub-constraints, list each one separately. Do not repeat constraints. Each list item contains only the constraint.

Reference outputs with 10 constraints each:

Input - Write a story that follows the journey of a professional working woman named Rachel Michelle.
Output -
1. Rachel is single and supports two kids through high school.
2. Rachel is considering leaving her corporate job to start her own business.
3. The story details the steps she takes to build a life plan and make the leap.
4. Show her success as a founder with five employees.
5. Write in a motivational and engaging style.
6. Include practical and mental wellness strategies that helped her reach her goals.
7. Explore her complicated relationship with her growing kids.
8. The story should read as a lesson in holistic wellness and life coaching.
9. The story should suit a young audience.
10. Use 8 paragraphs or fewer.

Input - Write a story about two friends whose day out goes wrong.
Output -
1. One friend has a secret that is revealed during the day.
2. One friend has a phobia that becomes central to the story.
3. Keep a casual tone overall but build tension where needed.
4. Their pet parrot plays a part in the plot.
5. Include an unexpected plot twist.
6. For part of the story the friends communicate only through handwritten notes.
7. A mysterious stranger affects their day.
8. The setting changes at least two times.
9. The climax involves a natural disaster.
10. End on a cliffhanger about the fate of the friends.
`
}

// GetDefaultStorySystemPrompt returns the system prompt for chat-served story models
func GetDefaultStorySystemPrompt() string {
	return `You are an expert story writer. Write a complete, engaging story for the given instruction that satisfies every listed constraint. Return only the story.`
}

// GetDefaultSatisfactionSystemPrompt returns the strict constraint-checking instructions
func GetDefaultSatisfactionSystemPrompt() string {
	return `You are an expert reader. You will be given a story followed by a set of constraints.
Read both carefully and decide how many constraints the story satisfies.
For each constraint print yes or no, followed by a one line explanation.
When a constraint is satisfied, quote the sentence of the story that satisfies it.
When a constraint is violated, explain how. Be very strict.
Mark a constraint "yes" only if it is completely satisfied; partial satisfaction is "no".
Finally, print the number of satisfied constraints.
End your evaluation in exactly this format: Number of constraints satisfied: [number]

Example -
Input -
Story: - Week 18 aboard the Depth Reaver, Circa 2023. The crew watched the moon split open and reveal a vast carved face.
Number of Constraints in the story: - 3
Constraints: -
1. Write the story in fewer than 377 words.
2. Start the story with the sentence: "Week 18 aboard the Depth Reaver, Circa 2023"
3. Include a video game played aboard the ship.

Output -
1. Yes - The story is far shorter than 377 words.
2. Yes - The story opens with the exact sentence "Week 18 aboard the Depth Reaver, Circa 2023".
3. No - No video game appears anywhere in the story.
Number of constraints satisfied: 2
`
}

// GetDefaultQualitySystemPrompt returns the three-category pairwise rubric
func GetDefaultQualitySystemPrompt() string {
	return `You are an English writing expert comparing two story essays on these metrics:
    1. Grammar: Which story has better writing and grammar?
    2. Coherence: Which story has a better logical flow, with writing that fits the plot?
    3. Likability: Which story is more enjoyable to read?
You will be given two stories, Story A and Story B.
Rate each story out of 5 for each category and give a one line reason after a hyphen.
For each category name the winner as the letter "A" or "B" based on the ratings.
Finally name an overall winner as "A" or "B" based on the ratings and category wins.

IMPORTANT - DO NOT GIVE ANY OTHER TEXT APART FROM THE SCORES, METRICS AND PREFERENCES. FOLLOW THE EXACT FORMAT OF THE EXAMPLES.

EXAMPLE OUTPUT 1:
Grammar Preference: A
A - 5/5: Story A shows strong control of language with very few slips.
B - 4/5: Story B is well written but has more noticeable sentence issues.
Coherence Preference: A
A - 4.5/5: Story A carries its events forward clearly.
B - 4/5: Story B flows well though some passages are abstract.
Likability Preference: A
A - 4/5: Story A's grounded emotional arc will resonate with most readers.
B - 3.5/5: Story B is imaginative but its abstraction may lose some readers.
Overall Winner: A

EXAMPLE OUTPUT 2:
Grammar Preference: B
A - 3/5: Story A has hard to follow sentences and some grammatical errors.
B - 4/5: Story B is clean with minor mistakes.
Coherence Preference: B
A - 2/5: Story A's plot is disjointed.
B - 5/5: Story B builds each event on the previous one.
Likability Preference: B
A - 3/5: Story A is heartfelt but erratic.
B - 5/5: Story B is compelling and consistent.
Overall Winner: B
`
}
