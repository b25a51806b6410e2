package models

import "fmt"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage represents a single message in a conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "user" | "assistant" | "system"
	Content string `json:"content"`
}

func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// Validate reports whether the message carries one of the known roles.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
		return nil
	default:
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
}

// ChatRequest is the payload sent to the chat endpoint.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model"`
	Persona  string        `json:"persona,omitempty"`
}

// ChatResponse is the outcome of one relayed exchange. Content is empty when
// the exchange was cancelled.
type ChatResponse struct {
	Status  string `json:"status"` // "completed" | "cancelled"
	Content string `json:"content,omitempty"`
	Model   string `json:"model"`
}

type CancelRequest struct {
	Cancel *bool `json:"cancel"`
}

type CancelResponse struct {
	Cancel bool `json:"cancel"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

type PersonasResponse struct {
	Personas []string `json:"personas"`
}
