package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/HyphaGroup/acpbridge/internal/agent"
)

// MockAgent is a test double for agent.Runner.
// It records prompts and allows configuring responses for testing.
type MockAgent struct {
	mu sync.Mutex

	// Configurable responses
	Output string
	Err    error
	Chunks []string // streamed before Run returns; defaults to Output as one chunk

	// RunFunc, when set, replaces the canned response
	RunFunc func(ctx context.Context, req *agent.PromptRequest, onChunk agent.ChunkFunc) (string, error)

	// Call tracking
	Calls []*agent.PromptRequest
}

// NewMockAgent creates a mock agent that answers every prompt with output.
func NewMockAgent(t *testing.T, output string) *MockAgent {
	t.Helper()
	return &MockAgent{Output: output}
}

// Run implements agent.Runner.
func (m *MockAgent) Run(ctx context.Context, req *agent.PromptRequest, onChunk agent.ChunkFunc) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn := m.RunFunc
	output, err := m.Output, m.Err
	chunks := m.Chunks
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, onChunk)
	}
	if err != nil {
		return "", err
	}
	if onChunk != nil {
		if chunks == nil && output != "" {
			chunks = []string{output}
		}
		for _, c := range chunks {
			onChunk(c)
		}
	}
	return output, nil
}

// Prompts returns the prompt text of every call so far.
func (m *MockAgent) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Prompt
	}
	return out
}

// Reset clears recorded calls.
func (m *MockAgent) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// AssertPromptContains asserts some prompt contained substr.
func (m *MockAgent) AssertPromptContains(t *testing.T, substr string) {
	t.Helper()
	for _, p := range m.Prompts() {
		if strings.Contains(p, substr) {
			return
		}
	}
	t.Errorf("no prompt contains %q, prompts: %q", substr, m.Prompts())
}

var _ agent.Runner = (*MockAgent)(nil)
