package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

func TestNewAnalysisResult(t *testing.T) {
	t.Parallel()

	classification := domain.Classification{
		Sentiment: domain.SentimentNegative,
		Impact:    domain.ImpactHigh,
		Cost:      0.002,
	}

	result, err := domain.NewAnalysisResult(uuid.New(), classification, "gemini-2.0-flash")
	require.NoError(t, err)

	assert.Equal(t, domain.SentimentNegative, result.Sentiment)
	assert.Equal(t, domain.ImpactHigh, result.Impact)
	assert.False(t, result.Fallback)

	_, err = domain.NewAnalysisResult(uuid.New(), domain.Classification{
		Sentiment: "ambivalent",
		Impact:    domain.ImpactLow,
	}, "gemini-2.0-flash")
	assert.ErrorIs(t, err, domain.ErrInvalidSentiment)
}

func TestNewFallbackResult(t *testing.T) {
	t.Parallel()

	result := domain.NewFallbackResult(uuid.New(), "gemini-2.0-flash")

	assert.Equal(t, domain.SentimentNeutral, result.Sentiment)
	assert.Equal(t, domain.ImpactNone, result.Impact)
	assert.True(t, result.Fallback)
	assert.NoError(t, result.Validate())
}

func TestParseSentimentAndImpact(t *testing.T) {
	t.Parallel()

	sentiment, err := domain.ParseSentiment("positive")
	require.NoError(t, err)
	assert.Equal(t, domain.SentimentPositive, sentiment)

	_, err = domain.ParseSentiment("POSITIVE")
	assert.ErrorIs(t, err, domain.ErrInvalidSentiment)

	impact, err := domain.ParseImpact("none")
	require.NoError(t, err)
	assert.Equal(t, domain.ImpactNone, impact)

	_, err = domain.ParseImpact("severe")
	assert.ErrorIs(t, err, domain.ErrInvalidImpact)
}
