// Package config loads and validates the YAML configuration surface
// described in §6.3, and exposes a hot-reloadable live snapshot.
package config

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
)

// ExecutorConfig is §6.3's executor section.
type ExecutorConfig struct {
	MaxConcurrentTasks     int           `yaml:"max_concurrent_tasks"`
	APICallsPerMinute      float64       `yaml:"api_calls_per_minute"`
	MaxCPUPercent          float64       `yaml:"max_cpu_percent"`
	MaxMemoryPercent       float64       `yaml:"max_memory_percent"`
	ResourceCheckInterval  time.Duration `yaml:"resource_check_interval"`
	TaskTimeout            time.Duration `yaml:"task_timeout"`
	Retry                  RetryConfig   `yaml:"retry"`
	ProgressReportInterval time.Duration `yaml:"progress_report_interval"`
	ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
}

// RetryConfig is shared by the executor and fallback retry sections.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"`
	TotalTimeCap time.Duration `yaml:"total_time_cap"`
}

// FallbackConfig is §6.3's fallback section.
type FallbackConfig struct {
	Strategy         string       `yaml:"strategy"`
	ResetAfter       int          `yaml:"reset_after"`
	Threshold        float64      `yaml:"threshold"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	CBThreshold      float64      `yaml:"cb_threshold"`
	LatencyWeight    float64      `yaml:"latency_weight"`
	SuccessWeight    float64      `yaml:"success_weight"`
	CostWeight       float64      `yaml:"cost_weight"`
	Window           time.Duration `yaml:"window"`
	OrderedProviders []string     `yaml:"ordered_providers"`
	FallbackToHealth bool         `yaml:"fallback_to_health"`
	Retry            RetryConfig  `yaml:"retry"`
}

// CircuitBreakerConfig is §6.3's circuit breaker section.
type CircuitBreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	OpenDuration         time.Duration `yaml:"open_duration"`
	HalfOpenTestRequests int           `yaml:"half_open_test_requests"`
	RecoveryThreshold    float64       `yaml:"recovery_threshold"`
}

// CacheConfig is §6.3's cache section.
type CacheConfig struct {
	BasePath                 string        `yaml:"base_path"`
	CacheExpirationSeconds   int64         `yaml:"cache_expiration_seconds"`
	MaxCacheSizeBytes        int64         `yaml:"max_cache_size_bytes"`
	EnableContentAddressing  bool          `yaml:"enable_content_addressing"`
	IndexUpdateIntervalSeconds int64       `yaml:"index_update_interval_seconds"`
}

func (c CacheConfig) Expiration() time.Duration {
	return time.Duration(c.CacheExpirationSeconds) * time.Second
}

// QualityConfig is §6.3's quality/learning section.
type QualityConfig struct {
	Weights            DimensionWeightsConfig `yaml:"weights"`
	CrossValidation    CrossValidationConfig  `yaml:"cross_validation"`
	FeedbackBatchSize  int                    `yaml:"feedback_batch_size"`
	MaxWeightStep      float64                `yaml:"max_weight_step"`
}

// DimensionWeightsConfig mirrors research.DimensionWeights for YAML
// loading, kept separate so this package does not need to import
// internal/research just to parse config.
type DimensionWeightsConfig struct {
	Relevance    float64 `yaml:"relevance"`
	Accuracy     float64 `yaml:"accuracy"`
	Completeness float64 `yaml:"completeness"`
	Clarity      float64 `yaml:"clarity"`
	Credibility  float64 `yaml:"credibility"`
	Timeliness   float64 `yaml:"timeliness"`
	Specificity  float64 `yaml:"specificity"`
}

func (w DimensionWeightsConfig) sum() float64 {
	return w.Relevance + w.Accuracy + w.Completeness + w.Clarity + w.Credibility + w.Timeliness + w.Specificity
}

// CrossValidationConfig is §4.4's cross-validation parameters.
type CrossValidationConfig struct {
	ProviderCount      int     `yaml:"provider_count"`
	AgreementThreshold float64 `yaml:"agreement_threshold"`
	ConsensusMethod    string  `yaml:"consensus_method"`
}

// Config is the full configuration surface.
type Config struct {
	Executor       ExecutorConfig       `yaml:"executor"`
	Fallback       FallbackConfig       `yaml:"fallback"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Quality        QualityConfig        `yaml:"quality"`
	PostgresDSN    string               `yaml:"postgres_dsn"`
	RedisURL       string               `yaml:"redis_url"`
	HTTPAddr       string               `yaml:"http_addr"`
}

// Default returns the configuration's documented defaults.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			MaxConcurrentTasks:    5,
			APICallsPerMinute:     50,
			MaxCPUPercent:         85,
			MaxMemoryPercent:      85,
			ResourceCheckInterval: 5 * time.Second,
			TaskTimeout:           60 * time.Second,
			Retry: RetryConfig{
				MaxRetries:   3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
			},
			ProgressReportInterval: time.Second,
			ShutdownGrace:          30 * time.Second,
		},
		Fallback: FallbackConfig{
			Strategy: "health_based",
			Threshold: 0.5,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
				JitterFactor: 0.2,
				TotalTimeCap: 30 * time.Second,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:     5,
			OpenDuration:         30 * time.Second,
			HalfOpenTestRequests: 3,
			RecoveryThreshold:    0.8,
		},
		Cache: CacheConfig{
			BasePath:               "./fortitude-data",
			CacheExpirationSeconds: 7 * 24 * 3600,
			MaxCacheSizeBytes:      1 << 30,
			EnableContentAddressing: true,
			IndexUpdateIntervalSeconds: 60,
		},
		Quality: QualityConfig{
			Weights: DimensionWeightsConfig{
				Relevance: 1.0 / 7, Accuracy: 1.0 / 7, Completeness: 1.0 / 7, Clarity: 1.0 / 7,
				Credibility: 1.0 / 7, Timeliness: 1.0 / 7, Specificity: 1.0 / 7,
			},
			CrossValidation: CrossValidationConfig{ProviderCount: 2, AgreementThreshold: 0.6, ConsensusMethod: "majority"},
			FeedbackBatchSize: 20,
			MaxWeightStep:     0.05,
		},
		HTTPAddr: ":8080",
	}
}

// Validate checks sums, bounds, and non-zero limits. Rejected configs
// leave the caller's current state untouched (reject-and-retain-previous
// at reload).
func (c Config) Validate() error {
	if c.Executor.MaxConcurrentTasks <= 0 {
		return &fortitudeerrors.ConfigError{Field: "executor.max_concurrent_tasks", Message: "must be positive"}
	}
	if c.Executor.APICallsPerMinute <= 0 {
		return &fortitudeerrors.ConfigError{Field: "executor.api_calls_per_minute", Message: "must be positive"}
	}
	if c.Executor.MaxCPUPercent <= 0 || c.Executor.MaxCPUPercent > 100 {
		return &fortitudeerrors.ConfigError{Field: "executor.max_cpu_percent", Message: "must be in (0,100]"}
	}
	if c.Executor.MaxMemoryPercent <= 0 || c.Executor.MaxMemoryPercent > 100 {
		return &fortitudeerrors.ConfigError{Field: "executor.max_memory_percent", Message: "must be in (0,100]"}
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return &fortitudeerrors.ConfigError{Field: "circuit_breaker.failure_threshold", Message: "must be positive"}
	}
	if c.CircuitBreaker.RecoveryThreshold < 0 || c.CircuitBreaker.RecoveryThreshold > 1 {
		return &fortitudeerrors.ConfigError{Field: "circuit_breaker.recovery_threshold", Message: "must be in [0,1]"}
	}
	if c.Cache.BasePath == "" {
		return &fortitudeerrors.ConfigError{Field: "cache.base_path", Message: "must not be empty"}
	}
	sum := c.Quality.Weights.sum()
	if math.Abs(sum-1.0) > 1e-6 {
		return &fortitudeerrors.ConfigError{Field: "quality.weights", Message: fmt.Sprintf("must sum to 1.0, got %f", sum)}
	}
	if c.Quality.MaxWeightStep <= 0 || c.Quality.MaxWeightStep > 1 {
		return &fortitudeerrors.ConfigError{Field: "quality.max_weight_step", Message: "must be in (0,1]"}
	}
	switch c.Fallback.Strategy {
	case "round_robin", "health_based", "performance_based", "priority":
	default:
		return &fortitudeerrors.ConfigError{Field: "fallback.strategy", Message: "unrecognized strategy: " + c.Fallback.Strategy}
	}
	return nil
}

// Load reads and validates a YAML config file, starting from Default() so
// unset fields keep their documented defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &fortitudeerrors.ConfigError{Field: path, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Live holds a hot-reloadable configuration snapshot behind a RWMutex, per
// "hot-reload supported for all non-structural fields."
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

// NewLive wraps an already-validated config.
func NewLive(cfg Config) *Live {
	return &Live{cfg: cfg}
}

// Get returns the current snapshot.
func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Reload re-reads path and swaps the live snapshot only if it validates;
// an invalid reload is rejected and the previous config is retained.
func (l *Live) Reload(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = next
	l.mu.Unlock()
	return nil
}

// WatchAndReload polls path on interval until stop is closed, applying
// reject-and-retain-previous semantics on each tick. A ticker-driven poll
// is used instead of filesystem events because no component in this
// service needs event-level reload granularity.
func (l *Live) WatchAndReload(stop <-chan struct{}, path string, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.Reload(path); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
