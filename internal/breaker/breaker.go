// Package breaker wraps sony/gobreaker to expose the research domain's own
// CircuitState variant (Closed/Open{...}/HalfOpen{...}) rather than
// gobreaker's bare integer State, so callers never depend on a third-party
// enum shape.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
	"github.com/sawpanic/fortitude/internal/research"
)

// StateSink receives the projected circuit state after each call; the
// metrics Registry implements this so ProviderHealth.Circuit always
// reflects the breaker's latest transition.
type StateSink interface {
	SetCircuitState(provider string, state research.CircuitState)
}

// Config mirrors the circuit breaker section of the configuration surface.
type Config struct {
	FailureThreshold     uint32
	OpenDuration         time.Duration
	HalfOpenTestRequests uint32
	RecoveryThreshold    float64
}

// Breaker guards calls to a single provider. One instance per provider.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	cfg  Config
	sink StateSink
}

// New constructs a breaker for the named provider. sink may be nil, in
// which case state projections are computed but not published anywhere.
func New(provider string, cfg Config, sink StateSink) *Breaker {
	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: cfg.HalfOpenTestRequests,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{name: provider, cb: gobreaker.NewCircuitBreaker(settings), cfg: cfg, sink: sink}
}

// Execute runs fn if the circuit permits it, translating gobreaker's
// ErrOpenState into the typed CircuitOpenError the fallback engine expects,
// and publishing the resulting state to the sink.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if b.sink != nil {
		b.sink.SetCircuitState(b.name, b.State())
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &fortitudeerrors.CircuitOpenError{
			Provider:     b.name,
			RecoveryTime: time.Now().Add(b.cfg.OpenDuration),
		}
	}
	return result, err
}

// State projects gobreaker's internal counters into the spec's CircuitState
// variant.
func (b *Breaker) State() research.CircuitState {
	counts := b.cb.Counts()
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return research.CircuitState{
			Status:       research.CircuitClosed,
			FailureCount: int(counts.ConsecutiveFailures),
		}
	case gobreaker.StateOpen:
		return research.CircuitState{
			Status:       research.CircuitOpen,
			FailureCount: int(counts.ConsecutiveFailures),
			RecoveryTime: time.Now().Add(b.cfg.OpenDuration),
		}
	default: // gobreaker.StateHalfOpen
		remaining := int(b.cfg.HalfOpenTestRequests) - int(counts.Requests)
		if remaining < 0 {
			remaining = 0
		}
		return research.CircuitState{
			Status:                research.CircuitHalfOpen,
			RemainingTestAttempts: remaining,
		}
	}
}

// Name returns the guarded provider's name.
func (b *Breaker) Name() string { return b.name }
