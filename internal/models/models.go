package models

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PlaceholderTitle is the title given to a conversation before its first
// assistant turn completes and a real title is generated.
const PlaceholderTitle = "New Chat"

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // system, user, or assistant
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Edited         bool      `json:"edited"`
}

// Memory is a durable fact extracted from an assistant reply. Its link to the
// source conversation is lineage only: deleting the conversation nulls the
// reference but never deletes the memory.
type Memory struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	Fact                 string    `json:"fact"`
	SourceConversationID *string   `json:"source_conversation_id"`
	Displayed            bool      `json:"is_displayed"`
	CreatedAt            time.Time `json:"created_at"`
}
