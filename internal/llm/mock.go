package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// MockClient returns deterministic completions with no network access.
// The default reply is a stable function of the last message, so tests
// and mock-mode runs are reproducible.
type MockClient struct {
	ModelName string
	// Handler overrides the default reply when set.
	Handler func(ctx context.Context, req Request) (*Response, error)

	mu    sync.Mutex
	calls []Request
}

// NewMockClient builds a mock for the given model name.
func NewMockClient(model string) *MockClient {
	if model == "" {
		model = "mock-model"
	}
	return &MockClient{ModelName: model}
}

func (m *MockClient) Model() string {
	return m.ModelName
}

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Handler != nil {
		return m.Handler(ctx, req)
	}

	last := ""
	if len(req.Messages) > 0 {
		last = strings.TrimSpace(req.Messages[len(req.Messages)-1].Content)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(last))
	excerpt := last
	if len(excerpt) > 96 {
		excerpt = excerpt[:96]
	}
	content := fmt.Sprintf("mock completion %016x: %s", h.Sum64(), excerpt)

	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Response{
		Content:    content,
		StopReason: "stop",
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: len(content) / 4,
			TotalTokens:      prompt + len(content)/4,
		},
	}, nil
}

// Calls returns a copy of every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
