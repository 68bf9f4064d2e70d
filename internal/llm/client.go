// Package llm provides the OpenAI-compatible chat completion client the
// planner, aggregator and department workers share, plus the per-role model
// router and the retry/circuit-breaker wrapper.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "atlas/internal/errors"
	"atlas/internal/logging"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONOnly constrains the response to a JSON object. Used by the
	// planner so its output parses without prose stripping.
	JSONOnly bool
	// Role labels the completion for telemetry. Never sent to the provider.
	Role Role
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completion result.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Client is the completion port. Implementations must be safe for concurrent
// use.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

type openaiClient struct {
	config     Config
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient constructs a client speaking the OpenAI-compatible chat
// completions API.
func NewClient(config Config) Client {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &openaiClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logging.NewComponentLogger("llm"),
	}
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.JSONOnly {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.config.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("POST %s model=%s messages=%d", endpoint, req.Model, len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("api error: %s", parsed.Error.Message),
			fmt.Sprintf("provider rejected the request: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := parsed.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

// mapHTTPError converts an HTTP error status into a classified error,
// honoring Retry-After on rate limits.
func mapHTTPError(statusCode int, body []byte, headers http.Header) error {
	base := fmt.Errorf("llm request failed with status %d: %s", statusCode, truncate(string(body), 512))

	switch {
	case statusCode == http.StatusTooManyRequests:
		te := &apperrors.TransientError{
			Err:        base,
			StatusCode: statusCode,
			Message:    "rate limited by provider, backing off",
		}
		if after := headers.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil {
				te.RetryAfter = seconds
			}
		}
		return te
	case statusCode >= 500:
		return &apperrors.TransientError{Err: base, StatusCode: statusCode, Message: fmt.Sprintf("provider error (status %d), retrying", statusCode)}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &apperrors.PermanentError{Err: base, StatusCode: statusCode, Message: "provider rejected credentials; check the API key"}
	default:
		return &apperrors.PermanentError{Err: base, StatusCode: statusCode}
	}
}

// classifyError wraps transport-level failures.
func classifyError(err error) error {
	if apperrors.IsTransient(err) {
		return apperrors.NewTransientError(err, "llm transport failure, retrying")
	}
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…(truncated)"
}
