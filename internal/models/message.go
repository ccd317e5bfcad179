package models

import "time"

// Message represents an individual entry in a widget conversation. Messages are append-only: once committed
// to a conversation they are never edited, and their order is the chronological order of the conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsLink marks an assistant message whose Content is a URL that should be rendered as a call-to-action
	// instead of literal text.
	IsLink bool `json:"isLink,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the widget visitor.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the chatbot, including fallback and link messages.
	RoleAssistant Role = "assistant"
)

// WireMessage is the role/content pair transmitted to the completion endpoint as conversation context.
type WireMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// WireMessages strips messages down to the role/content pairs sent over the wire. Link messages are not
// part of the model's context and are skipped.
func WireMessages(messages []Message) []WireMessage {
	res := make([]WireMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.IsLink {
			continue
		}
		res = append(res, WireMessage{Role: msg.Role, Content: msg.Content})
	}
	return res
}
