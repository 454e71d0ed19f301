package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// MockProvider is a Provider for tests. GenerateFunc decides each reply;
// every request is recorded in Calls.
type MockProvider struct {
	mu sync.Mutex

	VendorName   config.Vendor
	Tools        bool
	GenerateFunc func(ctx context.Context, req Request) (*RawOutput, error)

	Calls []Request
}

// NewMockProvider creates a mock that answers with the given outputs in order.
// An entry may be a *RawOutput, a string (plain text) or an error. After the
// script runs out, the last entry repeats.
func NewMockProvider(vendor config.Vendor, script ...any) *MockProvider {
	m := &MockProvider{VendorName: vendor, Tools: true}
	var (
		scriptMu sync.Mutex
		idx      int
	)
	m.GenerateFunc = func(_ context.Context, _ Request) (*RawOutput, error) {
		if len(script) == 0 {
			return &RawOutput{Vendor: vendor}, nil
		}
		scriptMu.Lock()
		step := script[min(idx, len(script)-1)]
		idx++
		scriptMu.Unlock()
		switch v := step.(type) {
		case *RawOutput:
			out := *v
			out.Vendor = vendor
			return &out, nil
		case string:
			return &RawOutput{Vendor: vendor, Text: v}, nil
		case error:
			return nil, v
		default:
			return nil, errors.New("mock: unsupported script entry")
		}
	}
	return m
}

// Vendor implements Provider.
func (m *MockProvider) Vendor() config.Vendor {
	if m.VendorName == "" {
		return "mock"
	}
	return m.VendorName
}

// SupportsTools implements Provider.
func (m *MockProvider) SupportsTools() bool { return m.Tools }

// Generate records the request and delegates to GenerateFunc.
func (m *MockProvider) Generate(ctx context.Context, req Request) (*RawOutput, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn == nil {
		return &RawOutput{Vendor: m.Vendor()}, nil
	}
	return fn(ctx, req)
}

// GenerateStream replays Generate as a stream.
func (m *MockProvider) GenerateStream(ctx context.Context, req Request) <-chan StreamChunk {
	out, err := m.Generate(ctx, req)
	if err != nil {
		return errorStream(err)
	}
	ch := make(chan StreamChunk, len(out.ToolCalls)+2)
	if out.Text != "" {
		ch <- StreamChunk{Type: "text", Text: out.Text}
	}
	for i := range out.ToolCalls {
		ch <- StreamChunk{Type: "tool_call", ToolCall: &out.ToolCalls[i]}
	}
	ch <- StreamChunk{Type: "done"}
	close(ch)
	return ch
}

// CallCount returns how many requests were made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastRequest returns the most recent request, if any.
func (m *MockProvider) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return Request{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
