// Package fingerprint derives stable cache keys from classified requests.
// The normalization order is load-bearing: confidence values must be
// banded before hashing so that sub-epsilon drift across otherwise
// identical requests never produces a distinct key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sawpanic/fortitude/internal/research"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Band names the closed set of confidence buckets.
type Band string

const (
	BandLow       Band = "low"
	BandMedium    Band = "medium"
	BandHigh      Band = "high"
	BandVeryHigh  Band = "very_high"
)

// ConfidenceBand buckets a raw [0,1] confidence value per §4.2 rule 3.
func ConfidenceBand(confidence float64) Band {
	switch {
	case confidence < 0.3:
		return BandLow
	case confidence < 0.6:
		return BandMedium
	case confidence < 0.8:
		return BandHigh
	default:
		return BandVeryHigh
	}
}

func normalizeQuery(q string) string {
	q = strings.ToLower(q)
	q = whitespaceRun.ReplaceAllString(q, " ")
	q = strings.TrimSpace(q)
	q = strings.TrimSuffix(q, "?")
	return q
}

func normalizeTagSet(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

const fieldSep = "\x1f"

// Compute derives the fingerprint for a request, optionally refined by a
// context detection result. It never reads the request's raw Confidence
// field into the hash material beyond its band.
func Compute(req research.ClassifiedRequest, ctx *research.ContextDetectionResult) string {
	projectType := req.Domain.ProjectType
	frameworks := req.Domain.Frameworks
	tags := req.Domain.Tags
	if ctx != nil {
		if ctx.DetectedProjectType != "" {
			projectType = ctx.DetectedProjectType
		}
		if len(ctx.DetectedFrameworks) > 0 {
			frameworks = ctx.DetectedFrameworks
		}
		if len(ctx.DetectedTags) > 0 {
			tags = append(append([]string(nil), tags...), ctx.DetectedTags...)
		}
	}

	fields := []string{
		normalizeQuery(req.Query),
		string(req.Type),
		strings.ToLower(req.Audience.Level),
		strings.ToLower(req.Audience.Domain),
		strings.ToLower(req.Audience.Format),
		strings.ToLower(req.Domain.Technology),
		strings.ToLower(projectType),
		normalizeTagSet(lower(frameworks)),
		normalizeTagSet(lower(tags)),
		normalizeTagSet(lower(req.MatchedKeywords)),
		string(ConfidenceBand(req.Confidence)),
	}

	material := strings.Join(fields, fieldSep)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

func lower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

// ContextFingerprint is an alias kept distinct from Compute for call-site
// clarity where a context is always expected (retrieve_with_context).
func ContextFingerprint(req research.ClassifiedRequest, ctx research.ContextDetectionResult) string {
	return Compute(req, &ctx)
}

// PathStem returns the filename stem (without extension) used both as the
// on-disk file name and the in-memory index key.
func PathStem(req research.ClassifiedRequest, ctx *research.ContextDetectionResult) string {
	return Compute(req, ctx)
}

// Validate reports whether s looks like a well-formed fingerprint (64 hex
// chars for sha256). Used by the cache's index rebuild (directory scan) to
// skip malformed filenames.
func Validate(s string) error {
	if len(s) != 64 {
		return fmt.Errorf("fingerprint: wrong length %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("fingerprint: not hex: %w", err)
	}
	return nil
}
