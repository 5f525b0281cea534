package llmprovider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRepliesInScriptedOrder(t *testing.T) {
	m := NewMock("p", MockResponse{Answer: "first"}, MockResponse{Answer: "second"})
	a, err := m.Research(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "first", a)

	a, err = m.Research(context.Background(), "q2")
	require.NoError(t, err)
	assert.Equal(t, "second", a)
}

func TestMockRepeatsLastResponseWhenExhausted(t *testing.T) {
	m := NewMock("p", MockResponse{Answer: "only"})
	_, _ = m.Research(context.Background(), "q1")
	a, err := m.Research(context.Background(), "q2")
	require.NoError(t, err)
	assert.Equal(t, "only", a)
}

func TestMockDefaultResponseWhenUnscripted(t *testing.T) {
	m := NewMock("p")
	a, err := m.Research(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, a, "p")
}

func TestMockPropagatesScriptedError(t *testing.T) {
	wantErr := errors.New("boom")
	m := NewMock("p", MockResponse{Err: wantErr})
	_, err := m.Research(context.Background(), "q")
	assert.ErrorIs(t, err, wantErr)
}

func TestMockRespectsContextCancellationDuringDelay(t *testing.T) {
	m := NewMock("p", MockResponse{Answer: "slow", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Research(ctx, "q")
	assert.Error(t, err)
}

func TestMockUsageStatsAccumulate(t *testing.T) {
	m := NewMock("p")
	_, _ = m.Research(context.Background(), "hello world")
	_, _ = m.Research(context.Background(), "another query")
	stats := m.UsageStats()
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Greater(t, stats.TotalCostUSD, 0.0)
}
