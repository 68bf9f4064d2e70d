package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are returned in
// order; when the script runs out, the last entry repeats. A CompleteFunc
// overrides the script entirely.
type MockClient struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     []Request

	CompleteFunc func(ctx context.Context, req Request) (*Response, error)
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock that answers every request with content.
func NewMockClient(content string) *MockClient {
	return &MockClient{responses: []*Response{{Content: content, FinishReason: "stop"}}}
}

// Script queues a response (or error) to return for the next call.
func (m *MockClient) Script(resp *Response, err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, err)
	return m
}

// Calls returns a copy of the requests seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if idx < 0 {
		return &Response{Content: "", FinishReason: "stop"}, nil
	}
	var err error
	if idx < len(m.errs) {
		err = m.errs[idx]
	}
	if err != nil {
		return nil, err
	}
	return m.responses[idx], nil
}
