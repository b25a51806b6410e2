package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"chat-relay/internal/models"
	"chat-relay/internal/personas"
	"chat-relay/internal/relay"
)

type chatRelay interface {
	RunChat(ctx context.Context, conversation []models.ChatMessage, model string, sink relay.Sink) (relay.Result, error)
}

type cancelController interface {
	RequestCancel(flag bool) bool
}

type modelLister interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
}

type ChatHandler struct {
	relay        chatRelay
	controller   cancelController
	models       modelLister
	sink         relay.Sink
	personas     *personas.Set
	defaultModel string
	logger       *slog.Logger
}

func NewChatHandler(
	chat chatRelay,
	controller cancelController,
	lister modelLister,
	sink relay.Sink,
	presets *personas.Set,
	defaultModel string,
	logger *slog.Logger,
) *ChatHandler {
	if presets == nil {
		presets = personas.Empty()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ChatHandler{
		relay:        chat,
		controller:   controller,
		models:       lister,
		sink:         sink,
		personas:     presets,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

// Chat relays one exchange and answers once the stream is finished or
// cancelled. Fragments reach listeners through the event channel meanwhile.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if fields := validateMessages(req.Messages); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	conversation := req.Messages
	if req.Persona != "" {
		applied, err := h.personas.Apply(req.Persona, conversation)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
			return
		}
		conversation = applied
	}

	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	result, err := h.relay.RunChat(r.Context(), conversation, model, h.sink)
	if err != nil {
		handleRelayError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, models.ChatResponse{
		Status:  result.Status,
		Content: result.Content,
		Model:   result.Model,
	})
}

// Cancel sets the shared cancellation flag. A missing or empty body means
// cancel.
func (h *ChatHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req models.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	flag := true
	if req.Cancel != nil {
		flag = *req.Cancel
	}

	writeJSON(w, http.StatusOK, models.CancelResponse{Cancel: h.controller.RequestCancel(flag)})
}

func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	list, err := h.models.ListModels(r.Context())
	if err != nil {
		h.logger.Warn("list models failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResp("BACKEND_ERROR", "Failed to list models", r))
		return
	}
	if list == nil {
		list = []models.ModelInfo{}
	}

	writeJSON(w, http.StatusOK, models.ModelsResponse{Models: list})
}

func (h *ChatHandler) Personas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.PersonasResponse{Personas: h.personas.Names()})
}
