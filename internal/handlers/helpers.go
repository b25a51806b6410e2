package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"chat-relay/internal/middleware"
	"chat-relay/internal/models"
	"chat-relay/internal/relay"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		},
	}
}

// validateMessages returns per-field problems keyed like "messages[2].role".
func validateMessages(messages []models.ChatMessage) map[string]string {
	fields := map[string]string{}
	if len(messages) == 0 {
		fields["messages"] = relay.ErrEmptyConversation.Error()
		return fields
	}
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			fields[fmt.Sprintf("messages[%d].role", i)] = err.Error()
		}
	}
	return fields
}

func handleRelayError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var backendErr *relay.BackendError
	switch {
	case errors.Is(err, relay.ErrEmptyConversation):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
	case errors.Is(err, relay.ErrStreamIdle):
		writeJSON(w, http.StatusGatewayTimeout, errorResp("BACKEND_TIMEOUT", "The model stopped responding", r))
	case errors.As(err, &backendErr):
		writeJSON(w, http.StatusBadGateway, errorResp("BACKEND_ERROR", backendErr.Error(), r))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away while waiting for its turn; nobody reads this.
		logger.Debug("chat request abandoned", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResp("REQUEST_ABANDONED", "Request was abandoned", r))
	default:
		logger.Error("chat turn failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
