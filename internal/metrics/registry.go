// Package metrics implements the process-wide Metrics & Health Registry:
// per-provider health tracking, executor-wide counters, and a bounded
// resource-sample ring buffer. It is the one process-wide singleton in the
// system; every other component owns its own state.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fortitude/internal/research"
)

const defaultWindowSize = 50

// Registry owns ProviderHealth records and executor-wide counters. All
// provider mutation goes through RecordOutcome/SetCircuitState, which take
// an exclusive per-provider lock. Reads (Snapshot, HealthyProviders) take
// the same per-provider mutex briefly to copy the record; they are not
// lock-free.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerState

	totalTasks      int64
	successfulTasks int64
	failedTasks     int64
	retriedTasks    int64
	peakConcurrency int64
	rateLimitHits   int64
	throttleEvents  int64
	sampleFailures  int64

	samplesMu sync.Mutex
	samples   []ResourceSample
	sampleCap int

	promCollector *promMetrics
}

type providerState struct {
	mu      sync.Mutex
	health  research.ProviderHealth
	window  []bool // true = success, ring buffer of size defaultWindowSize
	winHead int
}

// ResourceSample is a single point-in-time resource observation.
type ResourceSample struct {
	CPUPercent    float64
	MemoryPercent float64
	NetworkIOKBps float64
	SampledAt     time.Time
}

// New constructs an empty registry. Pass a prometheus.Registerer (or nil to
// use the default registry) to expose counters/gauges at /metrics.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Registry{
		providers:     make(map[string]*providerState),
		sampleCap:     100,
		promCollector: newPromMetrics(reg),
	}
}

func (r *Registry) provider(name string) *providerState {
	r.mu.RLock()
	ps, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return ps
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok = r.providers[name]; ok {
		return ps
	}
	ps = &providerState{
		health: research.ProviderHealth{
			Provider:    name,
			HealthScore: 1.0, // an unobserved provider starts fully healthy
			Circuit:     research.CircuitState{Status: research.CircuitClosed},
		},
		window: make([]bool, 0, defaultWindowSize),
	}
	r.providers[name] = ps
	return ps
}

// latencyScore implements the four-band step function on average latency.
func latencyScore(avgLatency time.Duration) float64 {
	switch {
	case avgLatency <= time.Second:
		return 1.0
	case avgLatency <= 5*time.Second:
		return 0.8
	case avgLatency <= 10*time.Second:
		return 0.6
	default:
		return 0.4
	}
}

func circuitScore(status research.CircuitStatus) float64 {
	switch status {
	case research.CircuitClosed:
		return 1.0
	case research.CircuitHalfOpen:
		return 0.5
	default:
		return 0.0
	}
}

// RecordOutcome updates running averages for a provider using a
// sample-count-weighted formula, appends to the rolling window, and
// recomputes the health score. Never fails; callers report without error
// handling, consistent with "observation methods never fail."
func (r *Registry) RecordOutcome(provider string, success bool, latency time.Duration, costUSD float64) {
	ps := r.provider(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	h := &ps.health
	h.Total++
	if success {
		h.Successes++
	} else {
		h.Failures++
	}

	n := float64(h.Total)
	h.AvgLatencyMS = h.AvgLatencyMS + (float64(latency.Milliseconds())-h.AvgLatencyMS)/n
	if costUSD > 0 {
		h.AvgCostUSD = h.AvgCostUSD + (costUSD-h.AvgCostUSD)/n
	}

	if len(ps.window) < defaultWindowSize {
		ps.window = append(ps.window, success)
	} else {
		ps.window[ps.winHead] = success
		ps.winHead = (ps.winHead + 1) % defaultWindowSize
	}
	wins := 0
	for _, ok := range ps.window {
		if ok {
			wins++
		}
	}
	h.WindowTotal = len(ps.window)
	h.WindowSuccesses = wins

	successRate := h.SuccessRate()
	ls := latencyScore(time.Duration(h.AvgLatencyMS) * time.Millisecond)
	cs := circuitScore(h.Circuit.Status)
	h.HealthScore = 0.4*successRate + 0.3*ls + 0.3*cs

	r.promCollector.observeOutcome(provider, success, latency, h.HealthScore)
}

// SetCircuitState installs the latest circuit state for a provider, as
// computed by the internal/breaker package's gobreaker-backed state
// machine. The registry does not compute transitions itself; it only
// stores the projection so health-score computation and external readers
// (HealthyProviders, HTTP status, prometheus) see a consistent view.
// Transitions for a given provider are serialized by ps.mu.
func (r *Registry) SetCircuitState(provider string, state research.CircuitState) {
	ps := r.provider(provider)
	ps.mu.Lock()
	prev := ps.health.Circuit.Status
	ps.health.Circuit = state
	if state.Status != prev {
		if state.Status == research.CircuitHalfOpen {
			ps.window = ps.window[:0]
			ps.winHead = 0
			ps.health.WindowTotal = 0
			ps.health.WindowSuccesses = 0
		}
		log.Info().Str("provider", provider).Str("from", string(prev)).Str("to", string(state.Status)).Msg("circuit transition")
	}
	ps.mu.Unlock()
	r.promCollector.setCircuitState(provider, state.Status)
}

// Snapshot returns a read-only copy of a provider's health. Lock-free from
// the caller's perspective beyond the brief internal lock.
func (r *Registry) Snapshot(provider string) research.ProviderHealth {
	ps := r.provider(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.health
}

// HealthyProviders returns provider names with health-score >= 0.5 and a
// circuit that is not Open.
func (r *Registry) HealthyProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name, ps := range r.providers {
		ps.mu.Lock()
		ok := ps.health.HealthScore >= 0.5 && ps.health.Circuit.Status != research.CircuitOpen
		ps.mu.Unlock()
		if ok {
			out = append(out, name)
		}
	}
	return out
}

// AllProviders returns every known provider's current health snapshot,
// regardless of whether it currently passes the healthy threshold.
func (r *Registry) AllProviders() []research.ProviderHealth {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make([]research.ProviderHealth, 0, len(names))
	for _, name := range names {
		out = append(out, r.Snapshot(name))
	}
	return out
}

// RecordTaskOutcome updates the global executor counters.
func (r *Registry) RecordTaskOutcome(success, retried bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalTasks++
	if success {
		r.successfulTasks++
	} else {
		r.failedTasks++
	}
	if retried {
		r.retriedTasks++
	}
}

// RecordRateLimitHit increments the rate-limit-hit counter.
func (r *Registry) RecordRateLimitHit() {
	r.mu.Lock()
	r.rateLimitHits++
	r.mu.Unlock()
	r.promCollector.rateLimitHits.Inc()
}

// RecordThrottleEvent increments the throttle-event counter.
func (r *Registry) RecordThrottleEvent() {
	r.mu.Lock()
	r.throttleEvents++
	r.mu.Unlock()
	r.promCollector.throttleEvents.Inc()
}

// SetConcurrency updates the high-water mark for active workers.
func (r *Registry) SetConcurrency(active int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active > r.peakConcurrency {
		r.peakConcurrency = active
	}
	r.promCollector.activeWorkers.Set(float64(active))
}

// ExecutorSnapshot is a point-in-time view of the global executor counters.
type ExecutorSnapshot struct {
	TotalTasks      int64
	SuccessfulTasks int64
	FailedTasks     int64
	RetriedTasks    int64
	PeakConcurrency int64
	RateLimitHits   int64
	ThrottleEvents  int64
	SampleFailures  int64
}

// ExecutorStats returns a snapshot of the executor-wide counters.
func (r *Registry) ExecutorStats() ExecutorSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ExecutorSnapshot{
		TotalTasks:      r.totalTasks,
		SuccessfulTasks: r.successfulTasks,
		FailedTasks:     r.failedTasks,
		RetriedTasks:    r.retriedTasks,
		PeakConcurrency: r.peakConcurrency,
		RateLimitHits:   r.rateLimitHits,
		ThrottleEvents:  r.throttleEvents,
		SampleFailures:  r.sampleFailures,
	}
}

// RecordSample appends a resource sample to the bounded ring buffer
// (capacity 100); sampling failures increment a dedicated counter instead
// of propagating, per "sampling failures are recorded as a dedicated
// counter, not propagated."
func (r *Registry) RecordSample(s ResourceSample, err error) {
	if err != nil {
		r.mu.Lock()
		r.sampleFailures++
		r.mu.Unlock()
		log.Warn().Err(err).Msg("resource sample failed")
		return
	}
	r.samplesMu.Lock()
	defer r.samplesMu.Unlock()
	if len(r.samples) >= r.sampleCap {
		r.samples = r.samples[1:]
	}
	r.samples = append(r.samples, s)
	r.promCollector.setResourceGauges(s)
}

// ResourceSample returns the most recent sample, or the zero value and
// false if none has been recorded yet.
func (r *Registry) ResourceSample() (ResourceSample, bool) {
	r.samplesMu.Lock()
	defer r.samplesMu.Unlock()
	if len(r.samples) == 0 {
		return ResourceSample{}, false
	}
	return r.samples[len(r.samples)-1], true
}
