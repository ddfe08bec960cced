package ai

import "strings"

// Topic categories an account can subscribe to. Unknown names are ignored
// when the prompt is assembled.
const (
	CategoryGeneral  = "general"
	CategoryTravel   = "travel"
	CategoryFood     = "food"
	CategoryEvents   = "events"
	CategoryNews     = "news"
	CategoryOutdoors = "outdoors"
)

const basePrompt = "You are a helpful assistant answering by SMS. " +
	"Keep replies under 450 characters. Plain text only, no markdown, no emoji. " +
	"Be direct and concrete."

const expandPrompt = "The user wants more detail on your previous answer. " +
	"Expand it with new specifics instead of repeating it. " +
	"Keep the reply under 450 characters, plain text only."

var categoryInstructions = map[string]string{
	CategoryGeneral:  "",
	CategoryTravel:   "The user follows travel topics. Favor transport options, routes and practical local tips.",
	CategoryFood:     "The user follows food topics. Favor restaurants, dishes and where to eat nearby.",
	CategoryEvents:   "The user follows event topics. Favor concerts, happenings and their dates.",
	CategoryNews:     "The user follows news topics. Favor brief factual summaries of current events.",
	CategoryOutdoors: "The user follows outdoor topics. Favor hiking, conditions and gear advice.",
}

var languageNames = map[string]string{
	"en": "English",
	"sv": "Swedish",
}

// KnownCategory reports whether name is a selectable topic category.
func KnownCategory(name string) bool {
	_, ok := categoryInstructions[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Categories lists the selectable topic categories.
func Categories() []string {
	return []string{CategoryGeneral, CategoryTravel, CategoryFood, CategoryEvents, CategoryNews, CategoryOutdoors}
}

// ChatSystemPrompt assembles the system prompt for the default chat flow.
// Active agent instructions replace the category flavoring entirely.
func ChatSystemPrompt(language string, categories []string, agentInstructions string) string {
	lines := []string{basePrompt}

	if agent := strings.TrimSpace(agentInstructions); agent != "" {
		lines = append(lines, agent)
	} else {
		for _, category := range categories {
			if instr := categoryInstructions[strings.ToLower(strings.TrimSpace(category))]; instr != "" {
				lines = append(lines, instr)
			}
		}
	}

	if line := languageLine(language); line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// ExpandSystemPrompt assembles the system prompt for follow-up expansions.
func ExpandSystemPrompt(language string, categories []string) string {
	lines := []string{expandPrompt}
	for _, category := range categories {
		if instr := categoryInstructions[strings.ToLower(strings.TrimSpace(category))]; instr != "" {
			lines = append(lines, instr)
		}
	}
	if line := languageLine(language); line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// DefaultImageQuestion is asked when a picture arrives without a caption.
func DefaultImageQuestion(language string) string {
	if language == "sv" {
		return "Vad finns på bilden?"
	}
	return "What is in this image?"
}

func languageLine(language string) string {
	name, ok := languageNames[strings.ToLower(strings.TrimSpace(language))]
	if !ok || name == "English" {
		return ""
	}
	return "Reply in " + name + "."
}
