package quality

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/fortitude/internal/research"
)

// MaxWeightStep bounds how far one adaptation cycle may move a weight,
// per §4.4 default.
const MaxWeightStep = 0.05

// FeedbackAggregate groups raw feedback by provider for one adaptation
// cycle.
type FeedbackAggregate struct {
	Provider   string
	ResearchType research.ResearchType
	Count      int
	MeanScore  float64
}

// Learner accumulates feedback and produces LearningInsights plus bounded
// weight deltas. One Learner owns one provider-weight vector and one
// QualityScore weight vector; both are guarded by mu so reads never race
// an in-progress adaptation cycle (the single-writer side of the C3/C4
// weight cycle).
type Learner struct {
	mu             sync.RWMutex
	providerWeights map[string]float64
	dimensionWeights research.DimensionWeights
	cachePolicy     CachePolicy
	appliedBatches  map[string]bool
}

// CachePolicy is C4's current recommendation for C2's retention window,
// derived from observed cache access patterns.
type CachePolicy struct {
	Strategy string
	TTL      time.Duration
}

// NewLearner constructs a learner with equal-weighted dimensions and no
// provider bias yet.
func NewLearner() *Learner {
	return &Learner{
		providerWeights:  make(map[string]float64),
		dimensionWeights: research.DefaultDimensionWeights(),
		appliedBatches:   make(map[string]bool),
	}
}

// CachePolicy returns the current cache-policy recommendation. Zero TTL
// means no recommendation has been applied yet.
func (l *Learner) CachePolicy() CachePolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cachePolicy
}

// ProviderWeight returns the current selection weight for a provider
// (default 1.0 if never adjusted). Reads under the learner's read lock, so
// a call waits while ApplyInsights holds the write lock.
func (l *Learner) ProviderWeight(provider string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if w, ok := l.providerWeights[provider]; ok {
		return w
	}
	return 1.0
}

// DimensionWeights returns a snapshot of the active QualityScore weights.
func (l *Learner) DimensionWeights() research.DimensionWeights {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dimensionWeights
}

// Aggregate groups raw feedback records into per-provider aggregates. A
// pure function of its input; callers supply the records to aggregate
// (e.g. one persistence-layer page at a time).
func Aggregate(records []research.FeedbackRecord, providerOf func(cacheKey string) (provider string, rt research.ResearchType)) []FeedbackAggregate {
	byProvider := make(map[string]*FeedbackAggregate)
	for _, r := range records {
		if r.Score == nil {
			continue
		}
		provider, rt := providerOf(r.ArtifactCacheKey)
		agg, ok := byProvider[provider]
		if !ok {
			agg = &FeedbackAggregate{Provider: provider, ResearchType: rt}
			byProvider[provider] = agg
		}
		agg.MeanScore = (agg.MeanScore*float64(agg.Count) + *r.Score) / float64(agg.Count+1)
		agg.Count++
	}
	out := make([]FeedbackAggregate, 0, len(byProvider))
	for _, agg := range byProvider {
		out = append(out, *agg)
	}
	return out
}

// InsightBatch is a unit of adaptation work: the insights derived this
// cycle plus a stable key so ApplyInsights can detect a repeat
// application.
type InsightBatch struct {
	Key      string
	Insights []research.LearningInsight
}

// DeriveInsights turns aggregated feedback into LearningInsights, per
// §4.4 step 2. Each aggregate with enough samples yields one
// provider_performance insight; a low-scoring aggregate also yields a
// prompt_optimization insight.
func DeriveInsights(aggregates []FeedbackAggregate, minSamples int) InsightBatch {
	var insights []research.LearningInsight
	now := time.Now()
	for _, agg := range aggregates {
		if agg.Count < minSamples {
			continue
		}
		insights = append(insights, research.LearningInsight{
			ID:            uuid.NewString(),
			Type:          research.InsightProviderPerformance,
			Content:       insightContent(agg),
			Confidence:    clamp01(float64(agg.Count) / float64(agg.Count+5)),
			SourceRecords: agg.Count,
			Tags:          []string{agg.Provider, string(agg.ResearchType)},
			CreatedAt:     now,
			ExpiryAt:      now.Add(30 * 24 * time.Hour),
		})
		if agg.MeanScore < 0.5 {
			insights = append(insights, research.LearningInsight{
				ID:            uuid.NewString(),
				Type:          research.InsightPromptOptimization,
				Content:       "low satisfaction for " + agg.Provider + " on " + string(agg.ResearchType) + "; consider prompt reshaping",
				Confidence:    clamp01(1.0 - agg.MeanScore),
				SourceRecords: agg.Count,
				Tags:          []string{agg.Provider},
				CreatedAt:     now,
				ExpiryAt:      now.Add(30 * 24 * time.Hour),
			})
		}
	}
	return InsightBatch{Key: batchKey(aggregates), Insights: insights}
}

// DeriveCacheInsight turns observed cache access patterns into a
// cache_policy insight recommending a strategy and TTL, ported from the
// original optimizer's analyze_cache_patterns/calculate_optimal_ttl: a
// recency-weighted TTL clamped to [1h, 72h], "aggressive_caching" once
// the average hit rate clears 0.8 else "selective_caching". Returns nil
// when there is nothing to learn from yet.
func DeriveCacheInsight(patterns []research.UsagePattern) *research.LearningInsight {
	if len(patterns) == 0 {
		return nil
	}

	now := time.Now()
	var hitRateSum, ageHoursSum float64
	for _, p := range patterns {
		hitRateSum += p.SuccessRate
		ageHoursSum += now.Sub(p.LastSeen).Hours()
	}
	n := float64(len(patterns))
	avgHitRate := hitRateSum / n
	avgAgeHours := ageHoursSum / n

	strategy := "selective_caching"
	if avgHitRate > 0.8 {
		strategy = "aggressive_caching"
	}
	ttlHours := int(avgAgeHours / 2)
	if ttlHours < 1 {
		ttlHours = 1
	}
	if ttlHours > 72 {
		ttlHours = 72
	}

	return &research.LearningInsight{
		ID:            uuid.NewString(),
		Type:          research.InsightCachePolicy,
		Content:       fmt.Sprintf("%s recommended, ttl %dh (avg hit rate %.2f)", strategy, ttlHours, avgHitRate),
		Confidence:    clamp01(avgHitRate + 0.1),
		SourceRecords: len(patterns),
		Tags:          []string{strategy, strconv.Itoa(ttlHours)},
		CreatedAt:     now,
		ExpiryAt:      now.Add(30 * 24 * time.Hour),
	}
}

// DeriveDimensionInsight aggregates per-dimension feedback ratings across
// records and names the lowest-rated QualityScore dimension as a
// user_preference insight, ported from the original optimizer's
// generate_preference_optimizations. Returns nil when no record carries
// dimension ratings.
func DeriveDimensionInsight(records []research.FeedbackRecord) *research.LearningInsight {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range records {
		for dim, v := range r.DimensionRatings {
			sums[dim] += v
			counts[dim]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	var worst string
	worstAvg := 2.0 // above the [0,1] range so the first dimension always wins the first comparison
	for dim, c := range counts {
		avg := sums[dim] / float64(c)
		if avg < worstAvg {
			worstAvg = avg
			worst = dim
		}
	}

	now := time.Now()
	return &research.LearningInsight{
		ID:            uuid.NewString(),
		Type:          research.InsightUserPreference,
		Content:       "users consistently rate " + worst + " lowest; raising its QualityScore weight",
		Confidence:    clamp01(1.0 - worstAvg),
		SourceRecords: counts[worst],
		Tags:          []string{worst},
		CreatedAt:     now,
		ExpiryAt:      now.Add(30 * 24 * time.Hour),
	}
}

func insightContent(agg FeedbackAggregate) string {
	if agg.MeanScore >= 0.7 {
		return agg.Provider + " performs well on " + string(agg.ResearchType)
	}
	return agg.Provider + " underperforms on " + string(agg.ResearchType)
}

func batchKey(aggregates []FeedbackAggregate) string {
	key := ""
	for _, a := range aggregates {
		key += a.Provider + ":" + string(a.ResearchType) + ":" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(a.Provider)).String()[:8]
	}
	return key
}

// ApplyInsights folds a batch's weight deltas into the learner's live
// weight vectors, bounded per cycle by MaxWeightStep. Idempotent: applying
// the same batch (by Key) a second time is a no-op, satisfying
// "applying the same insight batch twice must not diverge weights beyond
// machine epsilon."
func (l *Learner) ApplyInsights(batch InsightBatch) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.appliedBatches[batch.Key] {
		return
	}
	l.appliedBatches[batch.Key] = true

	for _, insight := range batch.Insights {
		if len(insight.Tags) == 0 {
			continue
		}
		switch insight.Type {
		case research.InsightProviderPerformance:
			l.applyProviderInsight(insight)
		case research.InsightUserPreference:
			l.applyDimensionInsight(insight)
		case research.InsightCachePolicy:
			l.applyCacheInsight(insight)
		}
	}
}

func (l *Learner) applyProviderInsight(insight research.LearningInsight) {
	provider := insight.Tags[0]
	current, ok := l.providerWeights[provider]
	if !ok {
		current = 1.0
	}
	direction := 1.0
	if insight.Confidence < 0.5 {
		direction = -1.0
	}
	step := direction * MaxWeightStep * insight.Confidence
	if step > MaxWeightStep {
		step = MaxWeightStep
	}
	if step < -MaxWeightStep {
		step = -MaxWeightStep
	}
	updated := current + step
	if updated < 0.1 {
		updated = 0.1
	}
	if updated > 3.0 {
		updated = 3.0
	}
	l.providerWeights[provider] = updated
}

// applyDimensionInsight nudges one QualityScore dimension weight by a
// bounded step and renormalizes the vector back to sum-to-1, preserving
// the composite-score invariant across adaptation cycles.
func (l *Learner) applyDimensionInsight(insight research.LearningInsight) {
	step := MaxWeightStep * insight.Confidence
	if step > MaxWeightStep {
		step = MaxWeightStep
	}

	w := l.dimensionWeights
	switch insight.Tags[0] {
	case "relevance":
		w.Relevance += step
	case "accuracy":
		w.Accuracy += step
	case "completeness":
		w.Completeness += step
	case "clarity":
		w.Clarity += step
	case "credibility":
		w.Credibility += step
	case "timeliness":
		w.Timeliness += step
	case "specificity":
		w.Specificity += step
	default:
		return
	}
	l.dimensionWeights = normalizeDimensionWeights(w)
}

func normalizeDimensionWeights(w research.DimensionWeights) research.DimensionWeights {
	sum := w.Sum()
	if sum <= 0 {
		return research.DefaultDimensionWeights()
	}
	return research.DimensionWeights{
		Relevance:    w.Relevance / sum,
		Accuracy:     w.Accuracy / sum,
		Completeness: w.Completeness / sum,
		Clarity:      w.Clarity / sum,
		Credibility:  w.Credibility / sum,
		Timeliness:   w.Timeliness / sum,
		Specificity:  w.Specificity / sum,
	}
}

func (l *Learner) applyCacheInsight(insight research.LearningInsight) {
	if len(insight.Tags) < 2 {
		return
	}
	hours, err := strconv.Atoi(insight.Tags[1])
	if err != nil || hours <= 0 {
		return
	}
	l.cachePolicy = CachePolicy{Strategy: insight.Tags[0], TTL: time.Duration(hours) * time.Hour}
}
