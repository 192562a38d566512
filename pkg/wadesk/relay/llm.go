// llm.go implements the chat completion client for the AI provider.
// Uses the OpenAI-compatible API format, which works with OpenAI, OpenRouter
// and any compatible endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ChatMessage is a single turn in the OpenAI chat format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-200 response from the provider. The status code drives
// the fallback classification in the responder.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.Status, e.Body)
}

// ProviderSettings is the subset of runtime settings the client needs for a
// single call. Passed per call so dashboard settings updates take effect
// immediately without rebuilding the client.
type ProviderSettings struct {
	APIKey    string
	BaseURL   string
	ModelName string
}

// Completer is the opaque AI capability the responder invokes.
type Completer interface {
	Complete(ctx context.Context, settings ProviderSettings, messages []ChatMessage) (string, error)
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates the client. The HTTP client carries no timeout of its
// own; each call is bounded by the caller's context.
func NewLLMClient(logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		httpClient: &http.Client{},
		logger:     logger.With("component", "llm"),
	}
}

// Complete sends a chat completion request and returns the reply text.
func (c *LLMClient) Complete(ctx context.Context, settings ProviderSettings, messages []ChatMessage) (string, error) {
	if settings.APIKey == "" {
		return "", &APIError{Status: http.StatusUnauthorized, Body: "API key not configured"}
	}

	baseURL := strings.TrimRight(settings.BaseURL, "/")
	body, err := json.Marshal(chatRequest{Model: settings.ModelName, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+settings.APIKey)

	c.logger.Debug("sending chat completion",
		"model", settings.ModelName,
		"messages", len(messages),
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Surface the context error directly so timeouts classify cleanly.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return "", &APIError{Status: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", errors.New("API error: " + chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("no response from model")
	}

	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)

	c.logger.Info("chat completion done",
		"model", settings.ModelName,
		"duration_ms", time.Since(start).Milliseconds(),
		"preview", truncate(text, 100),
	)

	return text, nil
}

// truncate shortens a string for log output.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
