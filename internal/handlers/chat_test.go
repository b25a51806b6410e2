package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chat-relay/internal/models"
	"chat-relay/internal/personas"
	"chat-relay/internal/relay"
)

type stubRelay struct {
	result       relay.Result
	err          error
	calls        int
	conversation []models.ChatMessage
	model        string
}

func (s *stubRelay) RunChat(ctx context.Context, conversation []models.ChatMessage, model string, sink relay.Sink) (relay.Result, error) {
	s.calls++
	s.conversation = conversation
	s.model = model
	if s.err != nil {
		return relay.Result{}, s.err
	}
	res := s.result
	res.Model = model
	return res, nil
}

type stubController struct {
	flags []bool
}

func (s *stubController) RequestCancel(flag bool) bool {
	s.flags = append(s.flags, flag)
	return flag
}

type stubLister struct {
	list []models.ModelInfo
	err  error
}

func (s *stubLister) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	return s.list, s.err
}

func newTestHandler(t *testing.T, rl *stubRelay) (*ChatHandler, *stubController) {
	t.Helper()
	set, err := personas.Parse([]byte("personas:\n  - name: editor\n    system: Tighten prose.\n"))
	if err != nil {
		t.Fatalf("parse personas: %v", err)
	}
	ctrl := &stubController{}
	lister := &stubLister{list: []models.ModelInfo{{Name: "deepseek-r1:32b"}}}
	return NewChatHandler(rl, ctrl, lister, nil, set, "deepseek-r1:32b", nil), ctrl
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestChatHandler_Chat_Completed(t *testing.T) {
	rl := &stubRelay{result: relay.Result{Status: relay.StatusCompleted, Content: "Hello world"}}
	h, _ := newTestHandler(t, rl)

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Chat(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp models.ChatResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != relay.StatusCompleted || resp.Content != "Hello world" || resp.Model != "deepseek-r1:32b" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if rl.model != "deepseek-r1:32b" {
		t.Fatalf("expected default model, got %q", rl.model)
	}
}

func TestChatHandler_Chat_Cancelled(t *testing.T) {
	rl := &stubRelay{result: relay.Result{Status: relay.StatusCancelled}}
	h, _ := newTestHandler(t, rl)

	body := `{"messages":[{"role":"user","content":"hi"}],"model":"llama3"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Chat(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var raw map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["status"] != "cancelled" || raw["model"] != "llama3" {
		t.Fatalf("unexpected response: %v", raw)
	}
	if _, ok := raw["content"]; ok {
		t.Fatalf("cancelled response must not carry content: %v", raw)
	}
}

func TestChatHandler_Chat_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"messages":`},
		{"empty conversation", `{"messages":[]}`},
		{"missing messages", `{}`},
		{"bad role", `{"messages":[{"role":"robot","content":"x"}]}`},
		{"unknown persona", `{"messages":[{"role":"user","content":"x"}],"persona":"nobody"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rl := &stubRelay{}
			h, _ := newTestHandler(t, rl)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			h.Chat(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if resp := decodeError(t, rr); resp.Error.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %s", resp.Error.Code)
			}
			if rl.calls != 0 {
				t.Fatalf("relay must not be invoked on invalid input")
			}
		})
	}
}

func TestChatHandler_Chat_AppliesPersona(t *testing.T) {
	rl := &stubRelay{result: relay.Result{Status: relay.StatusCompleted}}
	h, _ := newTestHandler(t, rl)

	body := `{"messages":[{"role":"user","content":"hi"}],"persona":"editor"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Chat(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rl.conversation) != 2 || rl.conversation[0].Role != models.RoleSystem || rl.conversation[0].Content != "Tighten prose." {
		t.Fatalf("persona not applied: %+v", rl.conversation)
	}
}

func TestChatHandler_Chat_RelayErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"setup failure", &relay.BackendError{Stage: relay.StageSetup, Err: errors.New("connection refused")}, http.StatusBadGateway, "BACKEND_ERROR"},
		{"stream failure", &relay.BackendError{Stage: relay.StageStream, Err: errors.New("unexpected EOF")}, http.StatusBadGateway, "BACKEND_ERROR"},
		{"idle timeout", relay.ErrStreamIdle, http.StatusGatewayTimeout, "BACKEND_TIMEOUT"},
		{"empty conversation", relay.ErrEmptyConversation, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unexpected", errors.New("emit chunk: boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &stubRelay{err: tc.err})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
			req.Header.Set("X-Request-ID", "req-1")
			rr := httptest.NewRecorder()
			h.Chat(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			resp := decodeError(t, rr)
			if resp.Error.Code != tc.code || resp.Error.RequestID != "req-1" {
				t.Fatalf("unexpected error body: %+v", resp.Error)
			}
		})
	}
}

func TestChatHandler_Cancel(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"explicit true", `{"cancel":true}`, true},
		{"explicit false", `{"cancel":false}`, false},
		{"missing field", `{}`, true},
		{"empty body", ``, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, ctrl := newTestHandler(t, &stubRelay{})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/cancel", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			h.Cancel(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			var resp models.CancelResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Cancel != tc.want || len(ctrl.flags) != 1 || ctrl.flags[0] != tc.want {
				t.Fatalf("expected cancel=%v, got %+v (flags %v)", tc.want, resp, ctrl.flags)
			}
		})
	}
}

func TestChatHandler_Models(t *testing.T) {
	h, _ := newTestHandler(t, &stubRelay{})

	rr := httptest.NewRecorder()
	h.Models(rr, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp models.ModelsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "deepseek-r1:32b" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}

	h.models = &stubLister{err: errors.New("connection refused")}
	rr = httptest.NewRecorder()
	h.Models(rr, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestChatHandler_Personas(t *testing.T) {
	h, _ := newTestHandler(t, &stubRelay{})

	rr := httptest.NewRecorder()
	h.Personas(rr, httptest.NewRequest(http.MethodGet, "/api/v1/personas", nil))

	var resp models.PersonasResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Personas) != 1 || resp.Personas[0] != "editor" {
		t.Fatalf("unexpected personas: %+v", resp.Personas)
	}
}
