package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is immutable once appended to a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Personality string    `json:"personality"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	Preview      string    `json:"preview"`
	Model        string    `json:"model"`
	Personality  string    `json:"personality"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SearchHit is a single message matching a full-text query.
type SearchHit struct {
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Usage is the token accounting returned with a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationRequest is never persisted.
type GenerationRequest struct {
	Message     string  `json:"message"`
	Model       string  `json:"model"`
	Personality string  `json:"personality"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// Reply is what a successful chat exchange returns to the caller.
type Reply struct {
	ConversationID string `json:"session_id"`
	Text           string `json:"response"`
	Model          string `json:"model"`
	Usage          Usage  `json:"usage"`
}
