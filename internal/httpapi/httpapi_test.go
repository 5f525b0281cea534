package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fortitude/internal/breaker"
	"github.com/sawpanic/fortitude/internal/cache"
	"github.com/sawpanic/fortitude/internal/fallback"
	"github.com/sawpanic/fortitude/internal/llmprovider"
	"github.com/sawpanic/fortitude/internal/metrics"
	"github.com/sawpanic/fortitude/internal/notify"
	"github.com/sawpanic/fortitude/internal/orchestrator"
	"github.com/sawpanic/fortitude/internal/quality"
	"github.com/sawpanic/fortitude/internal/queue"
)

func newTestServer(t *testing.T) (http.Handler, *metrics.Registry) {
	t.Helper()
	c, err := cache.New(cache.Config{BasePath: t.TempDir()})
	require.NoError(t, err)

	registry := metrics.New(prometheus.NewRegistry())
	engine := fallback.New(registry, fallback.StrategyConfig{Kind: fallback.HealthBased, Threshold: 0}, fallback.RetryPolicy{
		MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, TotalTimeCap: time.Second,
	})
	engine.Register("mock", llmprovider.NewMock("mock", llmprovider.MockResponse{Answer: "ok"}), breaker.Config{
		FailureThreshold: 5, OpenDuration: time.Minute, HalfOpenTestRequests: 1,
	})
	q := queue.New(queue.Config{
		MaxConcurrentTasks: 1, APICallsPerMinute: 6000, MaxCPUPercent: 95, MaxMemoryPercent: 95,
		TaskTimeout: time.Second, MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond,
		Multiplier: 1, ShutdownGrace: 200 * time.Millisecond,
	}, registry, nil, nil)
	learner := quality.NewLearner()
	bus := notify.New()
	orch := orchestrator.New(c, q, engine, learner, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx, 1)

	registry.RecordOutcome("mock", true, 100*time.Millisecond, 0)
	return New(orch, registry, bus), registry
}

func TestHandleHealthReportsHealthyProviders(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body["healthy_providers"], "mock")
}

func TestHandleProvidersListsAll(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "mock", out[0]["provider"])
}

func TestHandleResearchReturnsAcceptedOnCacheMiss(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"query": "unique miss query", "research_type": "implementation"})
	req := httptest.NewRequest(http.MethodPost, "/research", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.False(t, out["cache_hit"].(bool))
	assert.NotEmpty(t, out["task_id"])
}

func TestHandleResearchRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/research", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedbackRejectsMissingUserID(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"artifact_cache_key": "k1"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedbackAcceptsValidRecord(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"artifact_cache_key": "k1", "user_id": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
