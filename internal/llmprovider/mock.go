package llmprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
)

// Mock is a deterministic provider used in tests and offline development.
// It never performs network I/O; its behavior is entirely driven by the
// fields below so tests can script exact failure sequences.
type Mock struct {
	Name string

	mu        sync.Mutex
	Responses []MockResponse // consumed in order; when exhausted, the last entry repeats
	calls     int64
	tokens    int64
	costUSD   float64
}

// MockResponse scripts one call's outcome.
type MockResponse struct {
	Answer string
	Err    error
	Delay  time.Duration
}

func NewMock(name string, responses ...MockResponse) *Mock {
	return &Mock{Name: name, Responses: responses}
}

func (m *Mock) next() MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return MockResponse{Answer: fmt.Sprintf("%s: mock answer", m.Name)}
	}
	idx := int(m.calls)
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx]
}

func (m *Mock) Research(ctx context.Context, query string) (string, error) {
	resp := m.next()
	m.mu.Lock()
	m.calls++
	if resp.Err == nil {
		m.tokens += int64(len(query)) / 4
		m.costUSD += 0.0001
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return "", &fortitudeerrors.ProviderError{Provider: m.Name, Code: fortitudeerrors.ProviderTimeout, Message: "deadline exceeded"}
		}
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Answer, nil
}

func (m *Mock) Metadata() Metadata { return Metadata{Name: m.Name, Version: "mock-1"} }

func (m *Mock) HealthCheck(ctx context.Context) HealthStatus { return Healthy() }

func (m *Mock) EstimateCost(query string) CostEstimate {
	tokens := len(query) / 4
	return CostEstimate{TokensIn: tokens, TokensOut: tokens, DurationEst: 200 * time.Millisecond}
}

func (m *Mock) UsageStats() UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return UsageStats{TotalCalls: m.calls, TotalTokens: m.tokens, TotalCostUSD: m.costUSD}
}
