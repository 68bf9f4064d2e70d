package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "atlas/internal/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{BaseURL: server.URL, APIKey: "test-key"})
}

func completionBody(content string) string {
	return `{"model":"m","choices":[{"message":{"content":` + jsonString(content) + `},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestCompleteParsesResponse(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		Stream         bool   `json:"stream"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completionBody("hello")))
	})

	resp, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hi"}},
		JSONOnly: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.False(t, got.Stream)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestCompleteRateLimitIsTransientWithRetryAfter(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	var te *apperrors.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 7, te.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
}

func TestCompleteServerErrorIsTransient(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestCompleteAuthFailureIsPermanent(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))
	assert.False(t, apperrors.IsTransient(err))
}

func TestCompleteEmbeddedAPIErrorIsPermanent(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"model is overloaded with nonsense","type":"invalid_request_error"}}`))
	})
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))
}

func TestRetryWrapperRetriesTransientOnly(t *testing.T) {
	attempts := 0
	mock := &MockClient{}
	mock.CompleteFunc = func(context.Context, Request) (*Response, error) {
		attempts++
		if attempts < 3 {
			return nil, apperrors.NewTransientError(nil, "overloaded, retrying")
		}
		return &Response{Content: "ok"}, nil
	}

	wrapped := WrapWithRetry(mock, apperrors.RetryConfig{MaxAttempts: 5, BaseDelay: 1, MaxDelay: 1}, apperrors.DefaultCircuitBreakerConfig(), nil)
	resp, err := wrapped.Complete(context.Background(), Request{Model: "m", Role: RoleTool})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, attempts)
}

func TestRetryWrapperStopsOnPermanent(t *testing.T) {
	attempts := 0
	mock := &MockClient{}
	mock.CompleteFunc = func(context.Context, Request) (*Response, error) {
		attempts++
		return nil, apperrors.NewPermanentError(nil, "key rejected")
	}

	wrapped := WrapWithRetry(mock, apperrors.RetryConfig{MaxAttempts: 5, BaseDelay: 1, MaxDelay: 1}, apperrors.DefaultCircuitBreakerConfig(), nil)
	_, err := wrapped.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
