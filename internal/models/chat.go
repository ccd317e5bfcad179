package models

import "time"

// Chatbot is the read-only business configuration of one deployed chatbot. It is declared in the server
// configuration file and identified by ID in every widget and completion URL.
type Chatbot struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	SystemPrompt string `yaml:"systemPrompt" json:"-"`
	// BookingLink, when set, is offered to visitors whose message shows booking intent.
	BookingLink string `yaml:"bookingLink" json:"bookingLink,omitempty"`
	Theme       string `yaml:"theme" json:"theme,omitempty"`
}

// Conversation is a persisted thread between one visitor and one chatbot.
type Conversation struct {
	ID        string    `json:"id"`
	ChatbotID string    `json:"chatbotId"`
	CreatedAt time.Time `json:"createdAt"`
}
