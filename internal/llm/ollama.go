package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/localbridge/internal/httpkit"
	"github.com/nugget/localbridge/internal/invoke"
)

// DefaultBaseURL is where a local Ollama listens by default.
const DefaultBaseURL = "http://localhost:11434"

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

var _ Generator = (*OllamaClient)(nil)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client for model.
func NewOllamaClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = httpkit.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:     logger,
	}
}

// Model returns the model name sent with each request.
func (c *OllamaClient) Model() string {
	return c.model
}

// Generate sends a non-streaming completion request to /api/generate.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	resp, err := c.GenerateFull(ctx, prompt, maxTokens, temperature)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// GenerateFull is Generate returning the whole response with usage stats.
func (c *OllamaClient) GenerateFull(ctx context.Context, prompt string, maxTokens int, temperature float64) (*GenerateResponse, error) {
	req := GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: &Options{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, invoke.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	c.logger.Log(ctx, LevelTrace, "ollama request", "model", c.model, "prompt", prompt)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return nil, invoke.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.requestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		return nil, statusError(resp.StatusCode, []byte(body))
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	usage := genResp.Usage()
	c.logger.Debug("ollama response",
		"model", genResp.Model,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"total", usage.TotalDuration.String(),
	)
	c.logger.Log(ctx, LevelTrace, "ollama raw output", "response", genResp.Response)
	return &genResp, nil
}

// requestError wraps a transport failure. A client-side timeout is
// retryable even though it wraps context.DeadlineExceeded; the caller's
// own cancellation is not.
func (c *OllamaClient) requestError(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("request failed: %w", err)
	if ctx.Err() != nil {
		return wrapped
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return invoke.Transient(wrapped)
	}
	return wrapped
}

// statusError maps an HTTP status to an error the invocation controller
// classifies correctly.
func statusError(code int, body []byte) error {
	e := &StatusError{StatusCode: code, Message: errorMessage(body)}
	switch {
	case code == http.StatusServiceUnavailable:
		e.Condition = "service unavailable"
	case code == http.StatusTooManyRequests:
		e.Condition = "rate limit exceeded"
	case code == http.StatusRequestTimeout:
		e.Condition = "request timeout"
	case code >= 500:
		e.Condition = "temporary server error"
	default:
		return invoke.Permanent(e)
	}
	return invoke.Transient(e)
}

// errorMessage pulls the "error" field out of an Ollama error body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(body))
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
