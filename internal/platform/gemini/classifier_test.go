package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/fieldnote/analysis-engine/internal/classifier"
	"github.com/fieldnote/analysis-engine/internal/config"
	"github.com/fieldnote/analysis-engine/internal/domain"
)

func testClassifier(t *testing.T) *Classifier {
	t.Helper()

	promptTemplate, err := template.New("classification").Parse(promptTemplateText)
	require.NoError(t, err)

	return &Classifier{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		config:         config.ClassifierConfig{ModelName: "gemini-2.0-flash"},
		promptTemplate: promptTemplate,
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			TotalTokenCount: 42,
		},
	}
}

func TestMapProviderError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"quota message", errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"), classifier.ErrRateLimited},
		{"rate limit phrase", errors.New("rate limit exceeded"), classifier.ErrRateLimited},
		{"bad key", errors.New("googleapi: Error 400: API key not valid"), classifier.ErrUnauthorized},
		{"permission denied", errors.New("rpc error: PERMISSION_DENIED"), classifier.ErrUnauthorized},
		{"forbidden status", errors.New("unexpected status 403"), classifier.ErrUnauthorized},
		{"internal error", errors.New("googleapi: Error 500: internal"), classifier.ErrServerFailure},
		{"unknown transport failure", errors.New("connection reset by peer"), classifier.ErrServerFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, mapProviderError(tc.err), tc.want)
		})
	}

	t.Run("deadline passes through unwrapped", func(t *testing.T) {
		t.Parallel()

		err := mapProviderError(fmt.Errorf("call: %w", context.DeadlineExceeded))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, classifier.ErrServerFailure)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, mapProviderError(nil))
	})
}

func TestStrategyFor(t *testing.T) {
	t.Parallel()

	assert.True(t, strategyFor("gemini-2.0-flash").JSONMode)
	assert.True(t, strategyFor("gemini-1.5-pro").JSONMode)
	assert.False(t, strategyFor("gemini-1.0-pro").JSONMode)
	assert.False(t, strategyFor("gemini-pro").JSONMode)

	// Unknown tags get the generic strategy rather than failing.
	s := strategyFor("some-future-model")
	assert.Equal(t, "gemini", s.Family)
}

func TestCreatePrompt(t *testing.T) {
	t.Parallel()

	c := testClassifier(t)

	prompt, err := c.createPrompt(context.Background(), "Quarterly earnings beat expectations.")
	require.NoError(t, err)
	assert.Contains(t, prompt, "Quarterly earnings beat expectations.")
	assert.Contains(t, prompt, "sentiment")
	assert.Contains(t, prompt, "impact")

	_, err = c.createPrompt(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	c := testClassifier(t)
	ctx := context.Background()

	t.Run("valid response", func(t *testing.T) {
		t.Parallel()

		result, err := c.parseResponse(ctx, textResponse(`{"sentiment":"negative","impact":"high"}`), "gemini-2.0-flash")
		require.NoError(t, err)

		assert.Equal(t, domain.SentimentNegative, result.Sentiment)
		assert.Equal(t, domain.ImpactHigh, result.Impact)
		assert.Equal(t, 42.0, result.Cost)
	})

	t.Run("markdown fencing is a parse error", func(t *testing.T) {
		t.Parallel()

		_, err := c.parseResponse(ctx, textResponse("```json\n{\"sentiment\":\"positive\"}\n```"), "gemini-2.0-flash")
		assert.ErrorIs(t, err, classifier.ErrInvalidResponse)
	})

	t.Run("unknown enum value is a parse error", func(t *testing.T) {
		t.Parallel()

		_, err := c.parseResponse(ctx, textResponse(`{"sentiment":"elated","impact":"high"}`), "gemini-2.0-flash")
		assert.ErrorIs(t, err, classifier.ErrInvalidResponse)
	})

	t.Run("empty candidates is a parse error", func(t *testing.T) {
		t.Parallel()

		_, err := c.parseResponse(ctx, &genai.GenerateContentResponse{}, "gemini-2.0-flash")
		assert.ErrorIs(t, err, classifier.ErrInvalidResponse)
	})

	t.Run("safety block is a parse error", func(t *testing.T) {
		t.Parallel()

		resp := textResponse(`{"sentiment":"neutral","impact":"none"}`)
		resp.Candidates[0].FinishReason = genai.FinishReasonSafety
		_, err := c.parseResponse(ctx, resp, "gemini-2.0-flash")
		assert.ErrorIs(t, err, classifier.ErrInvalidResponse)
	})

	t.Run("nil response is a parse error", func(t *testing.T) {
		t.Parallel()

		_, err := c.parseResponse(ctx, nil, "gemini-2.0-flash")
		assert.ErrorIs(t, err, classifier.ErrInvalidResponse)
	})
}
