// Package cache implements the Research Cache (C2): a content-addressed
// store mapping a classified request fingerprint to a ResearchArtifact,
// backed by a dual in-memory/on-disk index with singleflight coalescing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sawpanic/fortitude/internal/fingerprint"
	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
	"github.com/sawpanic/fortitude/internal/research"
)

// Config controls the cache's on-disk root and expiration policy.
type Config struct {
	BasePath               string
	CacheExpiration        time.Duration
	MaxCacheSizeBytes      int64
	EnableContentAddressing bool
	IndexUpdateInterval    time.Duration
}

// Stats summarizes the cache's current state.
type Stats struct {
	TotalEntries int
	SizeBytes    int64
	Hits         int64
	Misses       int64
	MeanAgeSec   float64
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the research cache; safe for concurrent use by multiple
// workers. Index mutation is serialized behind mu; disk I/O happens
// outside the lock.
type Cache struct {
	cfg Config

	mu    sync.RWMutex
	index map[string]research.CacheEntry

	group singleflight.Group

	hits   atomicCounter
	misses atomicCounter
}

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) add(n int64) { c.mu.Lock(); c.n += n; c.mu.Unlock() }
func (c *atomicCounter) get() int64  { c.mu.Lock(); defer c.mu.Unlock(); return c.n }

// New constructs a cache rooted at cfg.BasePath and rebuilds the index by
// directory scan, per "on startup, the index is rebuilt by directory scan."
func New(cfg Config) (*Cache, error) {
	c := &Cache{cfg: cfg, index: make(map[string]research.CacheEntry)}
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) typeDir(rt research.ResearchType) string {
	return filepath.Join(c.cfg.BasePath, "research_results", string(rt))
}

func (c *Cache) artifactPath(rt research.ResearchType, fp string) string {
	return filepath.Join(c.typeDir(rt), fp+".json")
}

// rebuildIndex walks every research-type subdirectory and installs an
// index entry for each well-formed, non-quarantined artifact file found.
func (c *Cache) rebuildIndex() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]research.CacheEntry)

	for _, rt := range research.AllResearchTypes {
		dir := c.typeDir(rt)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheIO, Cause: err}
		}
		for _, de := range entries {
			name := de.Name()
			if de.IsDir() || strings.HasSuffix(name, ".corrupt") || !strings.HasSuffix(name, ".json") {
				continue
			}
			fp := strings.TrimSuffix(name, ".json")
			if fingerprint.Validate(fp) != nil {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			c.index[fp] = research.CacheEntry{
				Fingerprint:  fp,
				Path:         filepath.Join(dir, name),
				SizeBytes:    info.Size(),
				CreatedAt:    info.ModTime(),
				LastAccessAt: info.ModTime(),
				ResearchType: rt,
			}
		}
	}
	return nil
}

// Store persists an artifact to disk then upserts the index entry, per
// "writes persist the file first, then install the index entry." Returns
// the fingerprint used as the storage key. Idempotent: storing the same
// artifact twice produces the same file and index entry.
func (c *Cache) Store(artifact research.ResearchArtifact) (string, error) {
	return c.StoreWithContext(artifact, nil)
}

// StoreWithContext is Store with an optional context-detection refinement
// folded into the fingerprint.
func (c *Cache) StoreWithContext(artifact research.ResearchArtifact, ctx *research.ContextDetectionResult) (string, error) {
	fp := fingerprint.Compute(artifact.Request, ctx)
	artifact.Metadata.CacheKey = fp

	dir := c.typeDir(artifact.Request.Type)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheIO, Fingerprint: fp, Cause: err}
	}

	path := c.artifactPath(artifact.Request.Type, fp)
	if err := writeAtomic(path, artifact); err != nil {
		return "", &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheIO, Fingerprint: fp, Path: path, Cause: err}
	}

	info, statErr := os.Stat(path)
	var size int64
	now := time.Now()
	if statErr == nil {
		size = info.Size()
	}

	c.mu.Lock()
	existing, had := c.index[fp]
	entry := research.CacheEntry{
		Fingerprint:  fp,
		Path:         path,
		SizeBytes:    size,
		CreatedAt:    now,
		LastAccessAt: now,
		ResearchType: artifact.Request.Type,
	}
	if had {
		entry.CreatedAt = existing.CreatedAt
		entry.HitCount = existing.HitCount
	}
	c.index[fp] = entry
	c.mu.Unlock()

	return fp, nil
}

// writeAtomic marshals v to a temp file in the target directory and
// renames it into place, so a concurrent reader never observes a partially
// written artifact file.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Retrieve looks up an artifact by its raw fingerprint.
func (c *Cache) Retrieve(fp string) (research.ResearchArtifact, error) {
	return c.retrieve(fp)
}

// RetrieveWithContext tries the direct fingerprint, then the
// context-adjusted fingerprint, before falling through to a filesystem
// scan, per §4.2's required fallback order.
func (c *Cache) RetrieveWithContext(req research.ClassifiedRequest, ctx *research.ContextDetectionResult) (research.ResearchArtifact, error) {
	direct := fingerprint.Compute(req, nil)
	if a, err := c.retrieve(direct); err == nil {
		return a, nil
	}
	if ctx != nil {
		adjusted := fingerprint.Compute(req, ctx)
		if adjusted != direct {
			if a, err := c.retrieve(adjusted); err == nil {
				return a, nil
			}
		}
	}
	return research.ResearchArtifact{}, &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheNotFound, Fingerprint: direct}
}

func (c *Cache) retrieve(fp string) (research.ResearchArtifact, error) {
	c.mu.RLock()
	entry, ok := c.index[fp]
	c.mu.RUnlock()

	if ok {
		if a, err := c.readArtifact(entry); err == nil {
			c.markHit(fp)
			return a, nil
		}
		// index said it exists but the read failed; fall through to scan.
	}

	// Filesystem fallback scan across every research-type subdirectory.
	for _, rt := range research.AllResearchTypes {
		path := c.artifactPath(rt, fp)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		lazyEntry := research.CacheEntry{
			Fingerprint:  fp,
			Path:         path,
			SizeBytes:    info.Size(),
			CreatedAt:    info.ModTime(),
			LastAccessAt: time.Now(),
			ResearchType: rt,
		}
		a, err := c.readArtifact(lazyEntry)
		if err != nil {
			continue
		}
		c.mu.Lock()
		lazyEntry.HitCount = 1
		c.index[fp] = lazyEntry
		c.mu.Unlock()
		c.misses.add(1)
		return a, nil
	}

	c.misses.add(1)
	return research.ResearchArtifact{}, &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheNotFound, Fingerprint: fp}
}

func (c *Cache) markHit(fp string) {
	c.mu.Lock()
	if e, ok := c.index[fp]; ok {
		e.HitCount++
		e.LastAccessAt = time.Now()
		c.index[fp] = e
	}
	c.mu.Unlock()
	c.hits.add(1)
}

// readArtifact reads and decodes the artifact file for entry. A decode
// failure quarantines the file (renamed with a .corrupt suffix) without
// touching the index, per "triggers quarantine... without removing the
// index entry until next reconciliation."
func (c *Cache) readArtifact(entry research.CacheEntry) (research.ResearchArtifact, error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return research.ResearchArtifact{}, &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheIO, Fingerprint: entry.Fingerprint, Path: entry.Path, Cause: err}
	}
	var artifact research.ResearchArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		c.quarantine(entry.Path)
		return research.ResearchArtifact{}, &fortitudeerrors.CacheError{Kind: fortitudeerrors.CacheDecode, Fingerprint: entry.Fingerprint, Path: entry.Path, Cause: err}
	}
	return artifact, nil
}

func (c *Cache) quarantine(path string) {
	dst := path + ".corrupt"
	if err := os.Rename(path, dst); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to quarantine corrupt cache file")
		return
	}
	log.Warn().Str("path", path).Str("quarantined_as", dst).Msg("quarantined corrupt cache file")
}

// RetrieveOrCompute guarantees at most one concurrent compute per
// fingerprint; concurrent callers for an absent key coalesce onto the
// single in-flight computation and all observe the same artifact.
func (c *Cache) RetrieveOrCompute(ctx context.Context, req research.ClassifiedRequest, compute func(context.Context) (research.ResearchArtifact, error)) (research.ResearchArtifact, error) {
	fp := fingerprint.Compute(req, nil)
	if a, err := c.retrieve(fp); err == nil {
		return a, nil
	}

	v, err, _ := c.group.Do(fp, func() (any, error) {
		// Re-check after winning the singleflight race; another caller may
		// have completed the store between the first lookup and here.
		if a, err := c.retrieve(fp); err == nil {
			return a, nil
		}
		artifact, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := c.Store(artifact); err != nil {
			return nil, err
		}
		return artifact, nil
	})
	if err != nil {
		return research.ResearchArtifact{}, err
	}
	return v.(research.ResearchArtifact), nil
}

// ListEntries returns a snapshot copy of the in-memory index, sorted by
// fingerprint. It does not check the index against disk or reconcile it;
// Reconcile does that.
func (c *Cache) ListEntries() []research.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]research.CacheEntry, 0, len(c.index))
	for _, e := range c.index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Reconcile repairs divergence between the index and disk by rebuilding the
// whole index from a directory scan: entries whose file is gone are
// dropped, and every well-formed file on disk gets an entry. Rebuilt
// entries take their timestamps from the file's mtime and start with a
// zero hit count.
func (c *Cache) Reconcile() error {
	return c.rebuildIndex()
}

// Stats returns total entries, size bytes, hit/miss counters, mean age,
// and hit rate.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var totalSize int64
	var totalAge time.Duration
	now := time.Now()
	for _, e := range c.index {
		totalSize += e.SizeBytes
		totalAge += now.Sub(e.CreatedAt)
	}
	meanAge := 0.0
	if len(c.index) > 0 {
		meanAge = totalAge.Seconds() / float64(len(c.index))
	}
	return Stats{
		TotalEntries: len(c.index),
		SizeBytes:    totalSize,
		Hits:         c.hits.get(),
		Misses:       c.misses.get(),
		MeanAgeSec:   meanAge,
	}
}

// SetExpiration updates the cache's TTL policy, read by the next
// CleanupExpired call. Installed by C4's adaptation cycle when a
// cache_policy insight recommends a new retention window.
func (c *Cache) SetExpiration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CacheExpiration = d
}

func (c *Cache) expiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.CacheExpiration
}

// CleanupExpired removes entries older than the configured TTL and
// returns the count removed. A non-positive TTL disables expiry.
func (c *Cache) CleanupExpired() (int, error) {
	ttl := c.expiration()
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-ttl)

	c.mu.Lock()
	var toRemove []research.CacheEntry
	for fp, e := range c.index {
		if e.CreatedAt.Before(cutoff) {
			toRemove = append(toRemove, e)
			delete(c.index, fp)
		}
	}
	c.mu.Unlock()

	for _, e := range toRemove {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return len(toRemove), fmt.Errorf("cleanup: remove %s: %w", e.Path, err)
		}
	}
	return len(toRemove), nil
}
