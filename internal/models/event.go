package models

// WebSocket message types
const EventChatStream = "chat_stream_event"

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ChatEvent carries one streamed fragment of the assistant's reply.
type ChatEvent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
