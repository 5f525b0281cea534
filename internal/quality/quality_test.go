package quality

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fortitude/internal/research"
)

func TestEvaluateCompositeIsWeightedDotProduct(t *testing.T) {
	weights := research.DefaultDimensionWeights()
	domain := research.DomainContext{Technology: "Go", Frameworks: []string{"cobra"}}
	score := Evaluate(context.Background(), "how do I configure cobra commands in Go", strings.Repeat("cobra command configuration guidance with detail. ", 20), weights, domain)

	expected := weights.Relevance*score.Relevance +
		weights.Accuracy*score.Accuracy +
		weights.Completeness*score.Completeness +
		weights.Clarity*score.Clarity +
		weights.Credibility*score.Credibility +
		weights.Timeliness*score.Timeliness +
		weights.Specificity*score.Specificity
	assert.InDelta(t, expected, score.Composite, 1e-9)
}

func TestEvaluateDimensionsAreBounded(t *testing.T) {
	score := Evaluate(context.Background(), "q", "short", research.DefaultDimensionWeights(), research.DomainContext{})
	for _, v := range []float64{score.Relevance, score.Accuracy, score.Completeness, score.Clarity, score.Credibility, score.Timeliness, score.Specificity, score.Confidence} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestEvaluateHigherRelevanceWhenQueryTermsPresent(t *testing.T) {
	weights := research.DefaultDimensionWeights()
	onTopic := Evaluate(context.Background(), "configure retry backoff", "to configure retry backoff set the multiplier", weights, research.DomainContext{})
	offTopic := Evaluate(context.Background(), "configure retry backoff", "bananas are a good source of potassium", weights, research.DomainContext{})
	assert.Greater(t, onTopic.Relevance, offTopic.Relevance)
}

func TestCrossValidateRequiresAtLeastTwoResponses(t *testing.T) {
	result := CrossValidate([]ProviderResponse{{Provider: "a", Answer: "x"}}, Majority, 0.5)
	assert.Equal(t, 1.0, result.ConsensusScore)
}

func TestCrossValidateMajorityConsensus(t *testing.T) {
	responses := []ProviderResponse{
		{Provider: "a", Answer: "use exponential backoff with jitter"},
		{Provider: "b", Answer: "use exponential backoff with jitter"},
		{Provider: "c", Answer: "goats are herbivores"},
	}
	result := CrossValidate(responses, Majority, 0.5)
	assert.InDelta(t, 2.0/3.0, result.ConsensusScore, 1e-9)
	require.Len(t, result.DissentingBias, 1)
	assert.Equal(t, "c", result.DissentingBias[0].Provider)
}

func TestCrossValidateUnanimousRequiresSingleGroup(t *testing.T) {
	agree := []ProviderResponse{
		{Provider: "a", Answer: "same answer text"},
		{Provider: "b", Answer: "same answer text"},
	}
	result := CrossValidate(agree, Unanimous, 0.5)
	assert.Equal(t, 1.0, result.ConsensusScore)

	disagree := []ProviderResponse{
		{Provider: "a", Answer: "one answer"},
		{Provider: "b", Answer: "a totally different answer"},
	}
	result = CrossValidate(disagree, Unanimous, 0.9)
	assert.Equal(t, 0.0, result.ConsensusScore)
}

func TestCrossValidateWeightedPicksHeavierGroup(t *testing.T) {
	responses := []ProviderResponse{
		{Provider: "a", Answer: "answer one", Weight: 1},
		{Provider: "b", Answer: "answer two", Weight: 5},
	}
	result := CrossValidate(responses, Weighted, 0.5)
	assert.Equal(t, "answer two", result.ChosenAnswer)
}

func TestValidateFeedbackRejectsEmptyUserID(t *testing.T) {
	err := ValidateFeedback(research.FeedbackRecord{UserID: "  "})
	assert.Error(t, err)
}

func TestValidateFeedbackRejectsOutOfRangeScore(t *testing.T) {
	bad := 1.5
	err := ValidateFeedback(research.FeedbackRecord{UserID: "u1", Score: &bad})
	assert.Error(t, err)
}

func TestValidateFeedbackAcceptsNilScore(t *testing.T) {
	err := ValidateFeedback(research.FeedbackRecord{UserID: "u1", Score: nil})
	assert.NoError(t, err)
}

func TestValidateFeedbackAcceptsInRangeScore(t *testing.T) {
	good := 0.8
	err := ValidateFeedback(research.FeedbackRecord{UserID: "u1", Score: &good})
	assert.NoError(t, err)
}
