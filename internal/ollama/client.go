package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-relay/internal/models"
)

const DefaultBaseURL = "http://localhost:11434"

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to an Ollama server. One Client is shared by every chat turn
// of the process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Chunk is one fragment of a streamed assistant reply.
type Chunk struct {
	Role    string
	Content string
}

// ChunkStream yields chunks in arrival order. Next returns io.EOF once the
// backend has finished the reply.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid ollama base url: %s", baseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}, nil
}

// ChatStream submits history followed by message as a new turn and returns
// the reply as a lazy chunk sequence. When the sequence completes normally
// the turn and the aggregated reply are appended to history.
func (c *Client) ChatStream(ctx context.Context, history *History, message models.ChatMessage, model string) (ChunkStream, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("ollama model is required")
	}
	if history == nil {
		history = NewHistory(nil)
	}
	messages := append(history.Messages(), message)
	payload := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		defer httpResp.Body.Close()
		return nil, readOllamaError(httpResp.Body, httpResp.StatusCode)
	}
	return newStream(httpResp.Body, history, message), nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, readOllamaError(httpResp.Body, httpResp.StatusCode)
	}
	var resp tagsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make([]models.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		out = append(out, models.ModelInfo{
			Name:       name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return out, nil
}

func readOllamaError(body io.Reader, status int) error {
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(body).Decode(&resp)
	if resp.Error != "" {
		return fmt.Errorf("ollama request failed: %s (status %d)", resp.Error, status)
	}
	return fmt.Errorf("ollama request failed with status %d", status)
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type chatFrame struct {
	Model   string             `json:"model"`
	Message models.ChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error"`
}

type tagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		Model      string `json:"model"`
		ModifiedAt string `json:"modified_at"`
		Size       int64  `json:"size"`
		Digest     string `json:"digest"`
	} `json:"models"`
}
