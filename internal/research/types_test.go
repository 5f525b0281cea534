package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneDeepCopiesSlicesAndMaps(t *testing.T) {
	original := ResearchArtifact{
		Request: ClassifiedRequest{
			MatchedKeywords: []string{"a", "b"},
			Domain:          DomainContext{Frameworks: []string{"f1"}, Tags: []string{"t1"}},
		},
		Evidence: []Evidence{{SourceID: "s1"}},
		Metadata: ArtifactMetadata{Tags: map[string]string{"k": "v"}},
	}
	clone := original.Clone()
	clone.Request.MatchedKeywords[0] = "mutated"
	clone.Metadata.Tags["k"] = "mutated"

	assert.Equal(t, "a", original.Request.MatchedKeywords[0])
	assert.Equal(t, "v", original.Metadata.Tags["k"])
}

func TestArtifactEqualIgnoresLastAccessBookkeeping(t *testing.T) {
	a := ResearchArtifact{
		Request:  ClassifiedRequest{Query: "q", Type: Implementation},
		Answer:   "answer",
		Metadata: ArtifactMetadata{CacheKey: "fp1"},
	}
	b := a
	b.Metadata.CompletedAt = a.Metadata.CompletedAt.AddDate(1, 0, 0)
	assert.True(t, a.Equal(b))

	c := a
	c.Answer = "different"
	assert.False(t, a.Equal(c))
}

func TestProviderHealthSuccessRateHandlesZeroTotal(t *testing.T) {
	h := ProviderHealth{}
	assert.Equal(t, 0.0, h.SuccessRate())
	assert.Equal(t, 0.0, h.WindowSuccessRate())
}

func TestCanTransitionEnforcesLegalTaskLifecycle(t *testing.T) {
	cases := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskPending, TaskQueued, true},
		{TaskPending, TaskExecuting, false},
		{TaskQueued, TaskExecuting, true},
		{TaskQueued, TaskCancelled, true},
		{TaskExecuting, TaskCompleted, true},
		{TaskExecuting, TaskFailed, true},
		{TaskExecuting, TaskQueued, false},
		{TaskFailed, TaskQueued, true},
		{TaskCompleted, TaskQueued, false},
		{TaskCancelled, TaskQueued, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestDefaultDimensionWeightsSumsToOne(t *testing.T) {
	w := DefaultDimensionWeights()
	assert.InDelta(t, 1.0, w.Sum(), 1e-9)
}
