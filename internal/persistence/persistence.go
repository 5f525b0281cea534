// Package persistence durably stores FeedbackRecords and LearningInsights
// in Postgres so the learning loop survives process restarts. The
// research cache's on-disk JSON store remains the system of record for
// artifacts; this package is additive, not a replacement.
package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/fortitude/internal/research"
)

// Store wraps a *sqlx.DB with the feedback/insight schema's CRUD surface.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres using dsn (a standard libpq connection
// string) and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS feedback_records (
	id TEXT PRIMARY KEY,
	artifact_cache_key TEXT NOT NULL,
	user_id TEXT NOT NULL,
	score DOUBLE PRECISION,
	free_text TEXT NOT NULL DEFAULT '',
	dimension_ratings JSONB NOT NULL DEFAULT '{}',
	timestamp TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_feedback_cache_key ON feedback_records (artifact_cache_key);

CREATE TABLE IF NOT EXISTS learning_insights (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	source_record_count INTEGER NOT NULL,
	tags JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	expiry_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InsertFeedback persists one feedback record.
func (s *Store) InsertFeedback(ctx context.Context, rec research.FeedbackRecord) error {
	ratings, err := json.Marshal(rec.DimensionRatings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback_records (id, artifact_cache_key, user_id, score, free_text, dimension_ratings, timestamp, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ArtifactCacheKey, rec.UserID, rec.Score, rec.FreeText, ratings, rec.Timestamp, rec.Source)
	return err
}

// FeedbackForArtifact returns every feedback record recorded for a cache
// key, most recent first.
func (s *Store) FeedbackForArtifact(ctx context.Context, cacheKey string) ([]research.FeedbackRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, artifact_cache_key, user_id, score, free_text, dimension_ratings, timestamp, source
		FROM feedback_records WHERE artifact_cache_key = $1 ORDER BY timestamp DESC`, cacheKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []research.FeedbackRecord
	for rows.Next() {
		var rec research.FeedbackRecord
		var ratings []byte
		if err := rows.Scan(&rec.ID, &rec.ArtifactCacheKey, &rec.UserID, &rec.Score, &rec.FreeText, &ratings, &rec.Timestamp, &rec.Source); err != nil {
			return nil, err
		}
		if len(ratings) > 0 {
			_ = json.Unmarshal(ratings, &rec.DimensionRatings)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentFeedback returns the limit most recent feedback records, newest
// first, for C4's periodic aggregation step. It does not track which
// records an earlier adaptation cycle already consumed.
func (s *Store) RecentFeedback(ctx context.Context, limit int) ([]research.FeedbackRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, artifact_cache_key, user_id, score, free_text, dimension_ratings, timestamp, source
		FROM feedback_records ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []research.FeedbackRecord
	for rows.Next() {
		var rec research.FeedbackRecord
		var ratings []byte
		if err := rows.Scan(&rec.ID, &rec.ArtifactCacheKey, &rec.UserID, &rec.Score, &rec.FreeText, &ratings, &rec.Timestamp, &rec.Source); err != nil {
			return nil, err
		}
		if len(ratings) > 0 {
			_ = json.Unmarshal(ratings, &rec.DimensionRatings)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertInsight persists one learning insight.
func (s *Store) InsertInsight(ctx context.Context, insight research.LearningInsight) error {
	tags, err := json.Marshal(insight.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_insights (id, type, content, confidence, source_record_count, tags, created_at, expiry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		insight.ID, insight.Type, insight.Content, insight.Confidence, insight.SourceRecords, tags, insight.CreatedAt, insight.ExpiryAt)
	return err
}

// ActiveInsights returns insights that have not yet expired.
func (s *Store) ActiveInsights(ctx context.Context) ([]research.LearningInsight, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, type, content, confidence, source_record_count, tags, created_at, expiry_at
		FROM learning_insights WHERE expiry_at > now() ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []research.LearningInsight
	for rows.Next() {
		var insight research.LearningInsight
		var tags []byte
		if err := rows.Scan(&insight.ID, &insight.Type, &insight.Content, &insight.Confidence, &insight.SourceRecords, &tags, &insight.CreatedAt, &insight.ExpiryAt); err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &insight.Tags)
		}
		out = append(out, insight)
	}
	return out, rows.Err()
}

// ErrNotFound names a lookup with no matching row. The queries in this file
// do not return it; they return an empty slice instead.
var ErrNotFound = errors.New("persistence: not found")
