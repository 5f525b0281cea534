// Package orchestrator implements the Orchestrator (C6): the glue that
// wires the cache, queue, fallback engine, and quality loop into the
// request → response pipeline described in §2's control flow.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fortitude/internal/cache"
	"github.com/sawpanic/fortitude/internal/fallback"
	"github.com/sawpanic/fortitude/internal/fingerprint"
	"github.com/sawpanic/fortitude/internal/notify"
	"github.com/sawpanic/fortitude/internal/persistence"
	"github.com/sawpanic/fortitude/internal/quality"
	"github.com/sawpanic/fortitude/internal/queue"
	"github.com/sawpanic/fortitude/internal/research"
)

// Orchestrator owns no state of its own beyond references to its
// collaborators; every durable state lives in C1-C5's own types.
type Orchestrator struct {
	cache    *cache.Cache
	q        *queue.Queue
	engine   *fallback.Engine
	learner  *quality.Learner
	bus      *notify.Bus
	store    *persistence.Store // optional, may be nil
}

// New wires the collaborators together and installs the queue's result
// sink so a completed task flows through scoring, storage, and
// notification without the queue package depending on any of them.
func New(c *cache.Cache, q *queue.Queue, engine *fallback.Engine, learner *quality.Learner, bus *notify.Bus, store *persistence.Store) *Orchestrator {
	o := &Orchestrator{cache: c, q: q, engine: engine, learner: learner, bus: bus, store: store}
	q.SetResultSink(o.onTaskResult)
	q.SetHandler(o.Handle)
	engine.SetWeights(learner)
	return o
}

// Handle is installed as the queue's Handler: it delegates the actual
// provider call to the fallback engine.
func (o *Orchestrator) Handle(ctx context.Context, task *research.ResearchTask) (queue.HandlerResult, error) {
	result, err := o.engine.Execute(ctx, task.Request, task.Request.Query)
	if err != nil {
		return queue.HandlerResult{}, err
	}
	return queue.HandlerResult{Answer: result.Answer, Provider: result.Provider}, nil
}

// Research is the entry point for a classified request: on a cache hit it
// returns immediately; on a miss it enqueues a task and returns the task
// handle for the caller to poll or subscribe to.
func (o *Orchestrator) Research(ctx context.Context, req research.ClassifiedRequest, priority int) (research.ResearchArtifact, *research.ResearchTask, error) {
	if artifact, err := o.cache.Retrieve(fingerprint.Compute(req, nil)); err == nil {
		o.notifyCompletion(ctx, artifact, true)
		return artifact, nil, nil
	}

	task := o.q.Enqueue(req, priority)
	return research.ResearchArtifact{}, task, nil
}

func (o *Orchestrator) onTaskResult(task *research.ResearchTask, result queue.HandlerResult) {
	ctx := context.Background()
	weights := o.learner.DimensionWeights()
	score := quality.Evaluate(ctx, task.Request.Query, result.Answer, weights, task.Request.Domain)

	artifact := research.ResearchArtifact{
		Request: task.Request,
		Answer:  result.Answer,
		Metadata: research.ArtifactMetadata{
			CompletedAt:      time.Now(),
			ProcessingTimeMS: processingTimeMS(task),
			SourcesConsulted: 1,
			QualityComposite: score.Composite,
			Provider:         result.Provider,
		},
	}

	fp, err := o.cache.Store(artifact)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to store research artifact")
		return
	}
	artifact.Metadata.CacheKey = fp

	o.notifyCompletion(ctx, artifact, false)
}

func processingTimeMS(task *research.ResearchTask) int64 {
	if task.StartedAt == nil {
		return 0
	}
	return time.Since(*task.StartedAt).Milliseconds()
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, artifact research.ResearchArtifact, cacheHit bool) {
	if o.bus == nil {
		return
	}
	payload, _ := json.Marshal(struct {
		CacheHit bool    `json:"cache_hit"`
		Quality  float64 `json:"quality"`
	}{cacheHit, artifact.Metadata.QualityComposite})
	o.bus.Publish(ctx, notify.Notification{
		Kind:        notify.ResearchCompletion,
		Fingerprint: artifact.Metadata.CacheKey,
		Payload:     payload,
	})
}

// SubmitFeedback validates a feedback record and, when it is valid and a
// durable store is configured, persists it. A notification is published
// whether or not validation succeeds, and the validation error (if any) is
// returned afterwards; a store failure is returned without notifying.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, rec research.FeedbackRecord) error {
	validationErr := quality.ValidateFeedback(rec)
	if validationErr == nil && o.store != nil {
		if err := o.store.InsertFeedback(ctx, rec); err != nil {
			return err
		}
	}
	if o.bus != nil {
		payload, _ := json.Marshal(rec)
		o.bus.Publish(ctx, notify.Notification{Kind: notify.FeedbackReceived, Fingerprint: rec.ArtifactCacheKey, Payload: payload})
	}
	return validationErr
}

// RunAdaptationCycle aggregates recent feedback and applies the derived
// insight batch to the learner, per §4.4 step 1-3. Intended to run on a
// timer or a feedback-batch-size trigger.
func (o *Orchestrator) RunAdaptationCycle(ctx context.Context, minSamples int) (quality.InsightBatch, error) {
	if o.store == nil {
		return quality.InsightBatch{}, nil
	}
	records, err := o.store.RecentFeedback(ctx, 500)
	if err != nil {
		return quality.InsightBatch{}, err
	}

	providerOf := func(cacheKey string) (string, research.ResearchType) {
		artifact, err := o.cache.Retrieve(cacheKey)
		if err != nil {
			return "unknown", ""
		}
		provider := artifact.Metadata.Provider
		if provider == "" {
			provider = "unknown"
		}
		return provider, artifact.Request.Type
	}

	aggregates := quality.Aggregate(records, providerOf)
	batch := quality.DeriveInsights(aggregates, minSamples)

	stats := o.cache.Stats()
	cachePattern := research.UsagePattern{
		PatternType: "cache_access",
		Frequency:   int(stats.Hits + stats.Misses),
		SuccessRate: stats.HitRate(),
		FirstSeen:   time.Now().Add(-time.Duration(stats.MeanAgeSec) * time.Second),
		LastSeen:    time.Now(),
	}
	if cacheInsight := quality.DeriveCacheInsight([]research.UsagePattern{cachePattern}); cacheInsight != nil {
		batch.Insights = append(batch.Insights, *cacheInsight)
	}
	if dimInsight := quality.DeriveDimensionInsight(records); dimInsight != nil {
		batch.Insights = append(batch.Insights, *dimInsight)
	}

	o.learner.ApplyInsights(batch)
	if policy := o.learner.CachePolicy(); policy.TTL > 0 {
		o.cache.SetExpiration(policy.TTL)
	}

	if o.store != nil {
		for _, insight := range batch.Insights {
			if err := o.store.InsertInsight(ctx, insight); err != nil {
				log.Warn().Err(err).Msg("failed to persist learning insight")
			}
		}
	}
	return batch, nil
}
