package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fortitude/internal/research"
)

func newTestRegistry() *Registry {
	return New(prometheus.NewRegistry())
}

func TestRecordOutcomeUpdatesHealthScore(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 10; i++ {
		r.RecordOutcome("mock", true, 200*time.Millisecond, 0.01)
	}
	snap := r.Snapshot("mock")
	assert.Equal(t, int64(10), snap.Total)
	assert.Equal(t, int64(10), snap.Successes)
	assert.InDelta(t, 1.0, snap.SuccessRate(), 1e-9)
	// 0.4*1.0 + 0.3*1.0(latency<=1s) + 0.3*1.0(closed) = 1.0
	assert.InDelta(t, 1.0, snap.HealthScore, 1e-9)
}

func TestRecordOutcomeDegradesHealthScoreOnFailures(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 10; i++ {
		r.RecordOutcome("mock", false, 12*time.Second, 0)
	}
	snap := r.Snapshot("mock")
	assert.InDelta(t, 0.0, snap.SuccessRate(), 1e-9)
	// 0.4*0 + 0.3*0.4(latency>10s) + 0.3*1.0(closed) = 0.42
	assert.InDelta(t, 0.42, snap.HealthScore, 1e-9)
}

func TestWindowSuccessRateIsBoundedToWindowSize(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 40; i++ {
		r.RecordOutcome("mock", true, time.Millisecond, 0)
	}
	for i := 0; i < 40; i++ {
		r.RecordOutcome("mock", false, time.Millisecond, 0)
	}
	snap := r.Snapshot("mock")
	assert.Equal(t, defaultWindowSize, snap.WindowTotal)
	assert.Equal(t, 10, snap.WindowSuccesses)
	assert.Equal(t, int64(80), snap.Total)
}

func TestSetCircuitStateResetsWindowOnHalfOpenTransition(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 5; i++ {
		r.RecordOutcome("mock", false, time.Millisecond, 0)
	}
	require.Equal(t, 5, r.Snapshot("mock").WindowTotal)

	r.SetCircuitState("mock", research.CircuitState{Status: research.CircuitHalfOpen, RemainingTestAttempts: 2})
	snap := r.Snapshot("mock")
	assert.Equal(t, 0, snap.WindowTotal)
	assert.Equal(t, research.CircuitHalfOpen, snap.Circuit.Status)
}

func TestHealthyProvidersExcludesOpenCircuitsAndLowScores(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 10; i++ {
		r.RecordOutcome("good", true, 200*time.Millisecond, 0)
	}
	for i := 0; i < 10; i++ {
		r.RecordOutcome("bad", false, 12*time.Second, 0)
	}
	r.SetCircuitState("good", research.CircuitState{Status: research.CircuitClosed})
	r.SetCircuitState("bad", research.CircuitState{Status: research.CircuitOpen})

	healthy := r.HealthyProviders()
	assert.Contains(t, healthy, "good")
	assert.NotContains(t, healthy, "bad")
}

func TestAllProvidersReturnsEveryKnownProvider(t *testing.T) {
	r := newTestRegistry()
	r.RecordOutcome("a", true, time.Millisecond, 0)
	r.RecordOutcome("b", false, time.Millisecond, 0)

	all := r.AllProviders()
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.Provider)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestRecordTaskOutcomeAndRateLimitCounters(t *testing.T) {
	r := newTestRegistry()
	r.RecordTaskOutcome(true, false)
	r.RecordTaskOutcome(false, true)
	r.RecordRateLimitHit()
	r.RecordThrottleEvent()
	r.SetConcurrency(4)
	r.SetConcurrency(2)

	snap := r.ExecutorStats()
	assert.Equal(t, int64(2), snap.TotalTasks)
	assert.Equal(t, int64(1), snap.SuccessfulTasks)
	assert.Equal(t, int64(1), snap.FailedTasks)
	assert.Equal(t, int64(1), snap.RetriedTasks)
	assert.Equal(t, int64(1), snap.RateLimitHits)
	assert.Equal(t, int64(1), snap.ThrottleEvents)
	assert.Equal(t, int64(4), snap.PeakConcurrency)
}

func TestRecordSampleBoundsRingBufferAndTracksFailures(t *testing.T) {
	r := newTestRegistry()
	r.sampleCap = 3
	r.RecordSample(ResourceSample{CPUPercent: 1}, nil)
	r.RecordSample(ResourceSample{CPUPercent: 2}, nil)
	r.RecordSample(ResourceSample{CPUPercent: 3}, nil)
	r.RecordSample(ResourceSample{CPUPercent: 4}, nil)
	r.RecordSample(ResourceSample{}, assert.AnError)

	latest, ok := r.ResourceSample()
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.CPUPercent)
	assert.Equal(t, int64(1), r.ExecutorStats().SampleFailures)
}

func TestResourceSampleEmptyWhenNoneRecorded(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.ResourceSample()
	assert.False(t, ok)
}
