package ollama

import (
	"sync"

	"chat-relay/internal/models"
)

// History is the ordered context sent ahead of each new turn. It is safe to
// share between the caller and an in-flight stream.
type History struct {
	mu       sync.Mutex
	messages []models.ChatMessage
}

// NewHistory copies messages into a fresh History, preserving order.
func NewHistory(messages []models.ChatMessage) *History {
	h := &History{messages: make([]models.ChatMessage, len(messages))}
	copy(h.messages, messages)
	return h
}

func (h *History) Append(messages ...models.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messages...)
}

// Messages returns a snapshot of the history.
func (h *History) Messages() []models.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}
