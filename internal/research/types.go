// Package research holds the core entity types shared across the
// orchestration pipeline: classified requests, research artifacts, cache
// entries, tasks and their state machine, provider health, quality scores,
// feedback, and learning insights.
package research

import "time"

// ResearchType tags the kind of research a request represents.
type ResearchType string

const (
	Implementation  ResearchType = "implementation"
	Learning        ResearchType = "learning"
	Troubleshooting ResearchType = "troubleshooting"
	Decision        ResearchType = "decision"
	Validation      ResearchType = "validation"
)

// AllResearchTypes lists the closed set, used for disk layout (§6.2) and
// validation.
var AllResearchTypes = []ResearchType{Implementation, Learning, Troubleshooting, Decision, Validation}

// AudienceContext captures who the answer is for.
type AudienceContext struct {
	Level  string `json:"level"`
	Domain string `json:"domain"`
	Format string `json:"format"`
}

// DomainContext captures what the answer is about.
type DomainContext struct {
	Technology  string   `json:"technology"`
	ProjectType string   `json:"project_type"`
	Frameworks  []string `json:"frameworks"`
	Tags        []string `json:"tags"`
}

// ClassifiedRequest is immutable after construction. It flows through the
// Orchestrator into cache-key derivation, the Fallback Engine, and is
// stored inside the resulting ResearchArtifact.
type ClassifiedRequest struct {
	Query            string          `json:"query"`
	Type             ResearchType    `json:"research_type"`
	Audience         AudienceContext `json:"audience"`
	Domain           DomainContext   `json:"domain"`
	Confidence       float64         `json:"confidence"`
	MatchedKeywords  []string        `json:"matched_keywords"`
}

// ContextDetectionResult optionally refines a request's fingerprint with
// additional detected context (e.g. detected project type from a repo
// scan). Only non-empty fields participate in fingerprinting.
type ContextDetectionResult struct {
	DetectedProjectType string   `json:"detected_project_type,omitempty"`
	DetectedFrameworks  []string `json:"detected_frameworks,omitempty"`
	DetectedTags        []string `json:"detected_tags,omitempty"`
}

// Evidence is a single source citation backing an artifact's answer.
type Evidence struct {
	SourceID string `json:"source_id"`
	Excerpt  string `json:"excerpt"`
}

// ArtifactMetadata carries the provenance and scoring data for an artifact.
type ArtifactMetadata struct {
	CompletedAt       time.Time         `json:"completed_at"`
	ProcessingTimeMS  int64             `json:"processing_time_ms"`
	SourcesConsulted  int               `json:"sources_consulted"`
	QualityComposite  float64           `json:"quality_composite"`
	CacheKey          string            `json:"cache_key"`
	Provider          string            `json:"provider,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

// ResearchArtifact is the unit stored in the cache. Once stored it is owned
// exclusively by the cache; callers receive read-only views (copies).
type ResearchArtifact struct {
	Request  ClassifiedRequest `json:"request"`
	Answer   string            `json:"answer"`
	Evidence []Evidence        `json:"evidence"`
	Metadata ArtifactMetadata  `json:"metadata"`
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// affecting the cache's stored copy.
func (a ResearchArtifact) Clone() ResearchArtifact {
	out := a
	out.Request.MatchedKeywords = append([]string(nil), a.Request.MatchedKeywords...)
	out.Request.Domain.Frameworks = append([]string(nil), a.Request.Domain.Frameworks...)
	out.Request.Domain.Tags = append([]string(nil), a.Request.Domain.Tags...)
	out.Evidence = append([]Evidence(nil), a.Evidence...)
	if a.Metadata.Tags != nil {
		out.Metadata.Tags = make(map[string]string, len(a.Metadata.Tags))
		for k, v := range a.Metadata.Tags {
			out.Metadata.Tags[k] = v
		}
	}
	return out
}

// Equal compares two artifacts by request query, request type and answer.
// Metadata is not compared, so the CacheKey the cache assigns on store and
// the last-access bookkeeping on the owning CacheEntry do not affect
// round-trip equality (testable property 8).
func (a ResearchArtifact) Equal(b ResearchArtifact) bool {
	return a.Request.Query == b.Request.Query &&
		a.Request.Type == b.Request.Type &&
		a.Answer == b.Answer
}

// CacheEntry is the index record owned by the cache; it is rebuildable from
// a disk scan.
type CacheEntry struct {
	Fingerprint  string       `json:"fingerprint"`
	Path         string       `json:"path"`
	SizeBytes    int64        `json:"size_bytes"`
	CreatedAt    time.Time    `json:"created_at"`
	LastAccessAt time.Time    `json:"last_access_at"`
	HitCount     int64        `json:"hit_count"`
	ResearchType ResearchType `json:"research_type"`
}

// CircuitStatus names the three circuit phases.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitState is the tagged variant from §3.1: Closed carries nothing
// extra, Open carries opened-at/failure-count/recovery-time, HalfOpen
// carries started-at/remaining-test-attempts. Only the fields matching
// Status are meaningful; the others are zero.
type CircuitState struct {
	Status               CircuitStatus `json:"status"`
	OpenedAt             time.Time     `json:"opened_at,omitempty"`
	FailureCount         int           `json:"failure_count,omitempty"`
	RecoveryTime         time.Time     `json:"recovery_time,omitempty"`
	HalfOpenStartedAt    time.Time     `json:"half_open_started_at,omitempty"`
	RemainingTestAttempts int          `json:"remaining_test_attempts,omitempty"`
}

// ProviderHealth is the per-provider record owned exclusively by C1;
// mutated only through the registry's update methods under a per-provider
// mutex, and read by everyone else as a snapshot copy taken under that
// same mutex (reads are not lock-free).
type ProviderHealth struct {
	Provider         string        `json:"provider"`
	Total            int64         `json:"total"`
	Successes        int64         `json:"successes"`
	Failures         int64         `json:"failures"`
	AvgLatencyMS     float64       `json:"avg_latency_ms"`
	AvgCostUSD       float64       `json:"avg_cost_usd"`
	HealthScore      float64       `json:"health_score"`
	Circuit          CircuitState  `json:"circuit"`
	WindowSuccesses  int           `json:"window_successes"`
	WindowTotal      int           `json:"window_total"`
}

// SuccessRate returns successes/total, or 0 when total is 0.
func (p ProviderHealth) SuccessRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Total)
}

// WindowSuccessRate returns the rolling window's success rate, or 0 when
// the window is empty.
func (p ProviderHealth) WindowSuccessRate() float64 {
	if p.WindowTotal == 0 {
		return 0
	}
	return float64(p.WindowSuccesses) / float64(p.WindowTotal)
}

// TaskState is the tagged variant of a ResearchTask's lifecycle, per the
// legal transitions in spec.md §3.1.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskQueued    TaskState = "queued"
	TaskExecuting TaskState = "executing"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// CanTransition reports whether moving from `from` to `to` is a legal
// state transition. Failed->Queued is legal only when the caller has
// separately verified retry-count < max-retries; that precondition is not
// encoded here because it is not a property of the state alone.
func CanTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskQueued
	case TaskQueued:
		return to == TaskExecuting || to == TaskCancelled
	case TaskExecuting:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	case TaskFailed:
		return to == TaskQueued
	default:
		return false
	}
}

// ResearchTask is owned by the queue/executor through its lifetime.
type ResearchTask struct {
	ID           string
	Request      ClassifiedRequest
	Priority     int // 1-10, 10 highest
	State        TaskState
	FailReason   string
	RetryCount   int
	MaxRetries   int
	Timeout      time.Duration
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// FingerprintFunc is the signature of a function that derives a cache
// fingerprint from a request (internal/fingerprint.Compute has this shape).
// No package in this module currently takes one as a parameter.
type FingerprintFunc func(ClassifiedRequest, *ContextDetectionResult) string

// QualityScore holds the seven scoring dimensions plus composite and
// confidence, per §3.1 and testable property 6.
type QualityScore struct {
	Relevance     float64 `json:"relevance"`
	Accuracy      float64 `json:"accuracy"`
	Completeness  float64 `json:"completeness"`
	Clarity       float64 `json:"clarity"`
	Credibility   float64 `json:"credibility"`
	Timeliness    float64 `json:"timeliness"`
	Specificity   float64 `json:"specificity"`
	Composite     float64 `json:"composite"`
	Confidence    float64 `json:"confidence"`
}

// DimensionWeights is the active weight vector; weights must sum to 1±1e-9.
type DimensionWeights struct {
	Relevance    float64 `json:"relevance" yaml:"relevance"`
	Accuracy     float64 `json:"accuracy" yaml:"accuracy"`
	Completeness float64 `json:"completeness" yaml:"completeness"`
	Clarity      float64 `json:"clarity" yaml:"clarity"`
	Credibility  float64 `json:"credibility" yaml:"credibility"`
	Timeliness   float64 `json:"timeliness" yaml:"timeliness"`
	Specificity  float64 `json:"specificity" yaml:"specificity"`
}

// Sum returns the sum of all seven weights.
func (w DimensionWeights) Sum() float64 {
	return w.Relevance + w.Accuracy + w.Completeness + w.Clarity + w.Credibility + w.Timeliness + w.Specificity
}

// DefaultDimensionWeights returns an equal-weighted vector summing to 1.0.
func DefaultDimensionWeights() DimensionWeights {
	const each = 1.0 / 7.0
	return DimensionWeights{each, each, each, each, each, each, each}
}

// FeedbackRecord captures a user's assessment of a stored artifact.
type FeedbackRecord struct {
	ID                string             `json:"feedback_id" db:"id"`
	ArtifactCacheKey  string             `json:"artifact_cache_key" db:"artifact_cache_key"`
	UserID            string             `json:"user_id" db:"user_id"`
	Score             *float64           `json:"score" db:"score"`
	FreeText          string             `json:"free_text" db:"free_text"`
	DimensionRatings  map[string]float64 `json:"dimension_ratings" db:"-"`
	Timestamp         time.Time          `json:"timestamp" db:"timestamp"`
	Source            string             `json:"source" db:"source"`
}

// LearningInsightType enumerates the closed set of insight kinds emitted by
// the adaptation cycle.
type LearningInsightType string

const (
	InsightProviderPerformance LearningInsightType = "provider_performance"
	InsightPromptOptimization  LearningInsightType = "prompt_optimization"
	InsightCachePolicy         LearningInsightType = "cache_policy"
	InsightUserPreference      LearningInsightType = "user_preference"
)

// LearningInsight is an actionable conclusion drawn from aggregated
// feedback and usage.
type LearningInsight struct {
	ID             string               `json:"insight_id" db:"id"`
	Type           LearningInsightType  `json:"type" db:"type"`
	Content        string               `json:"content" db:"content"`
	Confidence     float64              `json:"confidence" db:"confidence"`
	SourceRecords  int                  `json:"source_record_count" db:"source_record_count"`
	Tags           []string             `json:"tags" db:"-"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
	ExpiryAt       time.Time            `json:"expiry_at" db:"expiry_at"`
}

// UsagePattern is an observed regularity in request traffic or outcomes.
type UsagePattern struct {
	PatternType string         `json:"pattern_type"`
	Frequency   int            `json:"frequency"`
	SuccessRate float64        `json:"success_rate"`
	Context     map[string]any `json:"context"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
}
