package llm

const DefaultPersonality = "default"

// personalityOrder is the order presented to clients.
var personalityOrder = []string{"default", "coding", "creative", "academic", "concise", "gemini"}

var systemPrompts = map[string]string{
	"default": "You are a helpful, friendly AI assistant. Be conversational, informative, and engaging.",

	"coding": `You are an expert programming assistant. Help users write clean, efficient code.
Provide examples, explain concepts, and follow best practices. Use markdown for code blocks.
Be detailed in your explanations and suggest best practices.`,

	"creative": "You are a creative assistant. Help with writing, brainstorming, and creative projects. Be imaginative, inspiring, and think outside the box.",

	"academic": "You are an academic tutor. Provide thorough explanations, cite sources when possible, and help with learning complex topics. Be patient and educational.",

	"concise": "You are a concise assistant. Give brief, direct answers. Avoid unnecessary details unless specifically asked for more information.",

	"gemini": "You are Google's Gemini AI assistant. Be helpful, harmless, and honest. Provide accurate, up-to-date information.",
}

// Personalities lists the known personality tags.
func Personalities() []string {
	out := make([]string, len(personalityOrder))
	copy(out, personalityOrder)
	return out
}

// NormalizePersonality maps unknown or empty tags to the default.
func NormalizePersonality(tag string) string {
	if _, ok := systemPrompts[tag]; ok {
		return tag
	}
	return DefaultPersonality
}

// SystemPrompt returns the instructions for a personality tag.
func SystemPrompt(tag string) string {
	return systemPrompts[NormalizePersonality(tag)]
}
