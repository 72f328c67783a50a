package backend

import (
	"context"
	"sync"
)

// MockAdapter is a scriptable Adapter used by package tests throughout the
// module; callers queue canned responses/errors or supply a Fn hook for
// dynamic behavior.
type MockAdapter struct {
	mu        sync.Mutex
	Responses []*Response
	Errs      []error
	calls     int
	Fn        func(ctx context.Context, prompt string, opts Options) (*Response, error)
	Healthy   bool
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{Healthy: true}
}

var _ Adapter = (*MockAdapter)(nil)
var _ HealthProbe = (*MockAdapter)(nil)

func (m *MockAdapter) Send(ctx context.Context, prompt string, opts Options) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fn != nil {
		return m.Fn(ctx, prompt, opts)
	}

	idx := m.calls
	m.calls++

	var resp *Response
	if idx < len(m.Responses) {
		resp = m.Responses[idx]
	} else if len(m.Responses) > 0 {
		resp = m.Responses[len(m.Responses)-1]
	} else {
		resp = &Response{Content: "ok", Metadata: ResponseMetadata{FinishReason: FinishStop}}
	}

	var err error
	if idx < len(m.Errs) {
		err = m.Errs[idx]
	} else if len(m.Errs) > 0 {
		err = m.Errs[len(m.Errs)-1]
	}

	return resp, err
}

func (m *MockAdapter) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Healthy
}

// CallCount reports how many times Send has been invoked.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
