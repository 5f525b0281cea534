// Package fallback implements the Fallback Engine (C3): provider
// selection strategies, circuit-breaker-guarded execution, and
// exponential backoff retry across providers.
package fallback

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/fortitude/internal/breaker"
	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
	"github.com/sawpanic/fortitude/internal/llmprovider"
	"github.com/sawpanic/fortitude/internal/metrics"
	"github.com/sawpanic/fortitude/internal/research"
)

// StrategyKind enumerates the closed set of selection strategies.
type StrategyKind string

const (
	RoundRobin       StrategyKind = "round_robin"
	HealthBased      StrategyKind = "health_based"
	PerformanceBased StrategyKind = "performance_based"
	Priority         StrategyKind = "priority"
)

// StrategyConfig carries every strategy's parameters; only the fields for
// the active Kind are meaningful.
type StrategyConfig struct {
	Kind StrategyKind

	// RoundRobin
	ResetAfter int

	// HealthBased
	Threshold    float64
	CheckInterval time.Duration
	CBThreshold  float64

	// PerformanceBased
	LatencyWeight float64
	SuccessWeight float64
	CostWeight    float64
	Window        time.Duration

	// Priority
	OrderedProviders []string
	FallbackToHealth bool
}

// RetryPolicy controls cross-provider retry backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	TotalTimeCap time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := d * p.JitterFactor * (rand.Float64()*2 - 1)
	final := d + jitter
	if final < 0 {
		final = 0
	}
	return time.Duration(final)
}

// namedProvider pairs a handle with the circuit breaker guarding it.
type namedProvider struct {
	name     string
	provider llmprovider.Provider
	breaker  *breaker.Breaker
}

// ProviderWeighter supplies the C4-learned per-provider selection bias.
// quality.Learner implements this; the zero value engine uses a weighter
// that always returns 1.0, leaving selection purely health/performance
// driven until a learner is installed.
type ProviderWeighter interface {
	ProviderWeight(provider string) float64
}

type noWeighter struct{}

func (noWeighter) ProviderWeight(string) float64 { return 1.0 }

// Engine selects among registered providers and executes queries through
// their circuit breakers, applying the configured retry policy.
type Engine struct {
	registry *metrics.Registry
	strategy StrategyConfig
	retry    RetryPolicy

	mu        sync.Mutex
	providers []namedProvider
	rrCursor  int
	weights   ProviderWeighter
}

// New constructs an Engine. registry is C1; providers are registered via
// Register after construction.
func New(registry *metrics.Registry, strategy StrategyConfig, retry RetryPolicy) *Engine {
	return &Engine{registry: registry, strategy: strategy, retry: retry, weights: noWeighter{}}
}

// SetWeights installs the C4 learner whose ProviderWeight multiplies
// candidate scores in health- and performance-based selection, closing the
// C3/C4 feedback loop ("provider weights are read by C3 and written by
// C4"). Mirrors the queue package's post-construction SetHandler/
// SetResultSink setters used for the same construction-order problem.
func (e *Engine) SetWeights(w ProviderWeighter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights = w
}

// Register adds a provider under cbCfg's circuit breaker parameters.
func (e *Engine) Register(name string, p llmprovider.Provider, cbCfg breaker.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers = append(e.providers, namedProvider{
		name:     name,
		provider: p,
		breaker:  breaker.New(name, cbCfg, e.registry),
	})
}

func (e *Engine) healthyNames() map[string]bool {
	set := make(map[string]bool)
	for _, n := range e.registry.HealthyProviders() {
		set[n] = true
	}
	return set
}

// SelectProvider returns (name, handle) per the configured strategy. It
// returns an error when no provider is registered, and also when the active
// strategy finds no eligible provider (every circuit open, no score at or
// above the threshold, or none in the healthy set); it does not fall back
// to an ineligible provider in that case.
func (e *Engine) SelectProvider(req research.ClassifiedRequest) (namedProvider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.providers) == 0 {
		return namedProvider{}, errors.New("fallback: no providers registered")
	}

	switch e.strategy.Kind {
	case RoundRobin:
		return e.selectRoundRobin()
	case HealthBased:
		return e.selectHealthBased()
	case PerformanceBased:
		return e.selectPerformanceBased()
	case Priority:
		return e.selectPriority()
	default:
		return e.selectHealthBased()
	}
}

func (e *Engine) selectRoundRobin() (namedProvider, error) {
	healthy := e.healthyNames()
	candidates := e.providers
	if len(healthy) > 0 {
		candidates = nil
		for _, p := range e.providers {
			if healthy[p.name] {
				candidates = append(candidates, p)
			}
		}
	}
	if len(candidates) == 0 {
		return namedProvider{}, errors.New("fallback: no healthy providers")
	}
	e.rrCursor = (e.rrCursor + 1) % len(candidates)
	return candidates[e.rrCursor], nil
}

// weightOf returns the learner's selection bias for a provider, defaulting
// to 1.0 when no weighter has been installed.
func (e *Engine) weightOf(name string) float64 {
	if e.weights == nil {
		return 1.0
	}
	return e.weights.ProviderWeight(name)
}

func (e *Engine) selectHealthBased() (namedProvider, error) {
	var best namedProvider
	bestScore := -1.0
	for _, p := range e.providers {
		h := e.registry.Snapshot(p.name)
		if h.Circuit.Status == research.CircuitOpen {
			continue
		}
		if h.HealthScore < e.strategy.Threshold {
			continue
		}
		weighted := h.HealthScore * e.weightOf(p.name)
		if weighted > bestScore {
			bestScore = weighted
			best = p
		}
	}
	if bestScore < 0 {
		return namedProvider{}, errors.New("fallback: no provider meets health threshold")
	}
	return best, nil
}

func (e *Engine) selectPerformanceBased() (namedProvider, error) {
	var best namedProvider
	bestScore := math.Inf(-1)
	for _, p := range e.providers {
		h := e.registry.Snapshot(p.name)
		if h.Circuit.Status == research.CircuitOpen {
			continue
		}
		normLatency := 1.0 / (1.0 + h.AvgLatencyMS/1000.0)
		score := e.strategy.LatencyWeight*normLatency +
			e.strategy.SuccessWeight*h.SuccessRate() +
			e.strategy.CostWeight*(1.0/(1.0+h.AvgCostUSD))
		score *= e.weightOf(p.name)
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	if math.IsInf(bestScore, -1) {
		return namedProvider{}, errors.New("fallback: no available provider")
	}
	return best, nil
}

func (e *Engine) selectPriority() (namedProvider, error) {
	healthy := e.healthyNames()
	for _, name := range e.strategy.OrderedProviders {
		if !healthy[name] {
			continue
		}
		for _, p := range e.providers {
			if p.name == name {
				return p, nil
			}
		}
	}
	if e.strategy.FallbackToHealth {
		return e.selectHealthBased()
	}
	return namedProvider{}, errors.New("fallback: no healthy provider in priority order")
}

// Result is a successful execution's answer plus the provider that
// produced it, so callers can attribute quality feedback back to a
// specific provider.
type Result struct {
	Answer   string
	Provider string
}

// Execute returns the first successful response or a FallbackExhaustedError
// wrapping the last error observed. Side effects: updates C1 metrics and
// may transition circuit states. Never panics on provider failure.
func (e *Engine) Execute(ctx context.Context, req research.ClassifiedRequest, query string) (Result, error) {
	deadline := time.Now().Add(e.retry.TotalTimeCap)
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if e.retry.TotalTimeCap > 0 && time.Now().After(deadline) {
			break
		}

		np, err := e.SelectProvider(req)
		if err != nil {
			lastErr = err
			break
		}

		start := time.Now()
		result, execErr := np.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return np.provider.Research(ctx, query)
		})
		latency := time.Since(start)

		if execErr == nil {
			e.registry.RecordOutcome(np.name, true, latency, 0)
			return Result{Answer: result.(string), Provider: np.name}, nil
		}

		lastErr = execErr
		var circuitOpen *fortitudeerrors.CircuitOpenError
		if !errors.As(execErr, &circuitOpen) {
			e.registry.RecordOutcome(np.name, false, latency, 0)
		}

		if attempt < e.retry.MaxAttempts {
			select {
			case <-time.After(e.retry.delay(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = e.retry.MaxAttempts
			}
		}
	}

	return Result{}, &fortitudeerrors.FallbackExhaustedError{Attempts: e.retry.MaxAttempts, Last: lastErr}
}

// ProviderNames returns registered provider names sorted alphabetically,
// for operator tooling (cmd/fortitude circuits).
func (e *Engine) ProviderNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.providers))
	for i, p := range e.providers {
		out[i] = p.name
	}
	sort.Strings(out)
	return out
}
