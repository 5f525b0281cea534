package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fortitude/internal/research"
)

func baseRequest() research.ClassifiedRequest {
	return research.ClassifiedRequest{
		Query: "How do I configure retries?",
		Type:  research.Implementation,
		Audience: research.AudienceContext{
			Level: "intermediate", Domain: "backend", Format: "markdown",
		},
		Domain: research.DomainContext{
			Technology:  "Go",
			ProjectType: "service",
			Frameworks:  []string{"cobra", "zerolog"},
			Tags:        []string{"retry", "http"},
		},
		Confidence:      0.85,
		MatchedKeywords: []string{"retry", "configure"},
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	req := baseRequest()
	a := Compute(req, nil)
	b := Compute(req, nil)
	assert.Equal(t, a, b)
	assert.NoError(t, Validate(a))
}

func TestComputeNormalizesQueryWhitespaceCaseAndTrailingQuestionMark(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Query = "  HOW DO i   configure   retries?  "

	fpA := Compute(a, nil)
	fpB := Compute(b, nil)
	assert.Equal(t, fpA, fpB)
}

func TestComputeSortsTagSets(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Domain.Tags = []string{"http", "retry"}
	b.Domain.Frameworks = []string{"zerolog", "cobra"}

	assert.Equal(t, Compute(a, nil), Compute(b, nil))
}

func TestComputeStableUnderConfidenceDrift(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Confidence = 0.8500000001

	require.Equal(t, ConfidenceBand(a.Confidence), ConfidenceBand(b.Confidence))
	assert.Equal(t, Compute(a, nil), Compute(b, nil))
}

func TestConfidenceBandBoundaries(t *testing.T) {
	cases := []struct {
		conf float64
		want Band
	}{
		{0.0, BandLow},
		{0.29, BandLow},
		{0.3, BandMedium},
		{0.59, BandMedium},
		{0.6, BandHigh},
		{0.79, BandHigh},
		{0.8, BandVeryHigh},
		{1.0, BandVeryHigh},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ConfidenceBand(c.conf), "confidence=%f", c.conf)
	}
}

func TestComputeDiffersOnSemanticChange(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Query = "How do I configure timeouts?"
	assert.NotEqual(t, Compute(a, nil), Compute(b, nil))
}

func TestComputeWithContextFoldsDetectedFields(t *testing.T) {
	req := baseRequest()
	req.Domain.ProjectType = ""
	ctx := &research.ContextDetectionResult{DetectedProjectType: "library"}

	withCtx := Compute(req, ctx)
	without := Compute(req, nil)
	assert.NotEqual(t, withCtx, without)
}

func TestValidateRejectsMalformedFingerprint(t *testing.T) {
	assert.Error(t, Validate("not-a-fingerprint"))
	assert.Error(t, Validate(""))
}
