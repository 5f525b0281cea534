package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fortitude/internal/fingerprint"
	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
	"github.com/sawpanic/fortitude/internal/research"
)

func testArtifact(query string) research.ResearchArtifact {
	return research.ResearchArtifact{
		Request: research.ClassifiedRequest{
			Query: query,
			Type:  research.Implementation,
		},
		Answer: "answer for " + query,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{BasePath: dir})
	require.NoError(t, err)
	return c
}

func TestStoreThenRetrieveRoundTrips(t *testing.T) {
	c := newTestCache(t)
	artifact := testArtifact("how do I cache things")

	fp, err := c.Store(artifact)
	require.NoError(t, err)
	require.NotEmpty(t, fp)

	got, err := c.Retrieve(fp)
	require.NoError(t, err)
	assert.True(t, artifact.Equal(got))
}

func TestStoreIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	artifact := testArtifact("idempotent query")

	fp1, err := c.Store(artifact)
	require.NoError(t, err)
	fp2, err := c.Store(artifact)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	assert.Len(t, c.ListEntries(), 1)
}

func TestStorePreservesCreatedAtAndHitCountOnOverwrite(t *testing.T) {
	c := newTestCache(t)
	artifact := testArtifact("overwrite query")

	fp, err := c.Store(artifact)
	require.NoError(t, err)
	_, err = c.Retrieve(fp)
	require.NoError(t, err)

	entries := c.ListEntries()
	require.Len(t, entries, 1)
	firstCreated := entries[0].CreatedAt
	require.Equal(t, int64(1), entries[0].HitCount)

	_, err = c.Store(artifact)
	require.NoError(t, err)

	entries = c.ListEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, firstCreated, entries[0].CreatedAt)
	assert.Equal(t, int64(1), entries[0].HitCount)
}

func TestRetrieveMissingReturnsNotFoundError(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Retrieve("0000000000000000000000000000000000000000000000000000000000000000"[:64])
	require.Error(t, err)
	assert.True(t, fortitudeerrors.IsNotFound(err))
}

func TestRebuildIndexRecoversEntriesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(Config{BasePath: dir})
	require.NoError(t, err)
	artifact := testArtifact("persisted across restart")
	fp, err := c1.Store(artifact)
	require.NoError(t, err)

	c2, err := New(Config{BasePath: dir})
	require.NoError(t, err)
	got, err := c2.Retrieve(fp)
	require.NoError(t, err)
	assert.True(t, artifact.Equal(got))
}

func TestRebuildIndexSkipsQuarantinedAndMalformedNames(t *testing.T) {
	dir := t.TempDir()
	typeDir := filepath.Join(dir, "research_results", string(research.Implementation))
	require.NoError(t, os.MkdirAll(typeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(typeDir, "deadbeef.json.corrupt"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(typeDir, "not-a-fingerprint.json"), []byte("{}"), 0o644))

	c, err := New(Config{BasePath: dir})
	require.NoError(t, err)
	assert.Empty(t, c.ListEntries())
}

func TestCorruptArtifactIsQuarantinedWithoutRemovingIndexEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{BasePath: dir})
	require.NoError(t, err)
	artifact := testArtifact("will be corrupted")
	fp, err := c.Store(artifact)
	require.NoError(t, err)

	entries := c.ListEntries()
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(entries[0].Path, []byte("{not valid json"), 0o644))

	_, err = c.Retrieve(fp)
	require.Error(t, err)

	_, statErr := os.Stat(entries[0].Path + ".corrupt")
	assert.NoError(t, statErr)

	c.mu.RLock()
	_, stillIndexed := c.index[fp]
	c.mu.RUnlock()
	assert.True(t, stillIndexed, "index entry must survive quarantine until next reconcile")
}

func TestRetrieveWithContextFallsBackToAdjustedFingerprint(t *testing.T) {
	c := newTestCache(t)
	req := research.ClassifiedRequest{Query: "context aware query", Type: research.Implementation}
	ctxDetect := &research.ContextDetectionResult{DetectedProjectType: "library"}

	adjustedFP := fingerprint.Compute(req, ctxDetect)
	artifact := research.ResearchArtifact{Request: req, Answer: "adjusted answer"}
	storedFP, err := c.StoreWithContext(artifact, ctxDetect)
	require.NoError(t, err)
	require.Equal(t, adjustedFP, storedFP)

	got, err := c.RetrieveWithContext(req, ctxDetect)
	require.NoError(t, err)
	assert.Equal(t, "adjusted answer", got.Answer)
}

func TestRetrieveOrComputeCoalescesConcurrentCallers(t *testing.T) {
	c := newTestCache(t)
	req := research.ClassifiedRequest{Query: "singleflight coalesced query", Type: research.Learning}

	var computeCalls int64
	compute := func(ctx context.Context) (research.ResearchArtifact, error) {
		atomic.AddInt64(&computeCalls, 1)
		time.Sleep(20 * time.Millisecond)
		return research.ResearchArtifact{Request: req, Answer: "computed once"}, nil
	}

	var wg sync.WaitGroup
	results := make([]research.ResearchArtifact, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a, err := c.RetrieveOrCompute(context.Background(), req, compute)
			require.NoError(t, err)
			results[idx] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&computeCalls))
	for _, a := range results {
		assert.Equal(t, "computed once", a.Answer)
	}
}

func TestStatsReportsHitsMissesAndHitRate(t *testing.T) {
	c := newTestCache(t)
	artifact := testArtifact("stats query")
	fp, err := c.Store(artifact)
	require.NoError(t, err)

	_, err = c.Retrieve(fp)
	require.NoError(t, err)
	_, err = c.Retrieve("nonexistentffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.Error(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
	assert.Equal(t, 1, stats.TotalEntries)
}

func TestCleanupExpiredRemovesOldEntries(t *testing.T) {
	c := newTestCache(t)
	artifact := testArtifact("expiring query")
	fp, err := c.Store(artifact)
	require.NoError(t, err)

	c.mu.Lock()
	e := c.index[fp]
	e.CreatedAt = time.Now().Add(-2 * time.Hour)
	c.index[fp] = e
	c.mu.Unlock()

	c.cfg.CacheExpiration = time.Hour
	removed, err := c.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, c.ListEntries())
}

func TestCleanupExpiredDisabledWhenTTLNonPositive(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Store(testArtifact("never expires"))
	require.NoError(t, err)

	removed, err := c.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Len(t, c.ListEntries(), 1)
}

func TestSetExpirationChangesCleanupBehavior(t *testing.T) {
	c := newTestCache(t)
	fp, err := c.Store(testArtifact("ttl adjusted query"))
	require.NoError(t, err)

	c.mu.Lock()
	e := c.index[fp]
	e.CreatedAt = time.Now().Add(-2 * time.Hour)
	c.index[fp] = e
	c.mu.Unlock()

	removed, err := c.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "no TTL configured yet, nothing should expire")

	c.SetExpiration(time.Hour)
	removed, err = c.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestWriteAtomicProducesValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.json")
	require.NoError(t, writeAtomic(path, map[string]string{"k": "v"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "v", out["k"])
}
