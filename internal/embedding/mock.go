package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

const defaultMockDimension = 64

// MockClient synthesizes deterministic unit vectors from a hash of the
// text, so mock-mode runs and tests need no network. The same text
// always maps to the same vector.
type MockClient struct {
	ModelName string
	Dim       int
	// Fail overrides the next calls with the given error when set.
	Fail error

	mu    sync.Mutex
	calls [][]string
}

// NewMockClient builds a mock for the given model name and dimension.
func NewMockClient(model string, dimension int) *MockClient {
	if model == "" {
		model = "mock-embedder"
	}
	if dimension <= 0 {
		dimension = defaultMockDimension
	}
	return &MockClient{ModelName: model, Dim: dimension}
}

func (m *MockClient) Model() string  { return m.ModelName }
func (m *MockClient) Dimension() int { return m.Dim }

func (m *MockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	batch := make([]string, len(texts))
	copy(batch, texts)
	m.calls = append(m.calls, batch)
	fail := m.Fail
	m.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.vectorFor(text)
	}
	return vectors, nil
}

// vectorFor expands the fnv64a hash of the text into a unit vector
// with a splitmix-style generator.
func (m *MockClient) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, m.Dim)
	var norm float64
	for i := range vec {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		v := float64(int64(z)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// Calls returns a copy of every batch seen so far.
func (m *MockClient) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many batches were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
