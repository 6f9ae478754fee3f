// Package gemini implements the classifier interface using Google's Gemini
// API via the genai SDK.
package gemini

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/template"

	"google.golang.org/genai"

	"github.com/fieldnote/analysis-engine/internal/classifier"
	"github.com/fieldnote/analysis-engine/internal/config"
	"github.com/fieldnote/analysis-engine/internal/domain"
)

//go:embed prompt.tmpl
var promptTemplateText string

// ErrEmptyContent is returned when a classification is requested for empty
// content.
var ErrEmptyContent = errors.New("content cannot be empty")

// Classifier implements the classifier.Classifier interface using Google's
// Gemini API. Each call performs exactly one attempt; retry policy lives in
// the work queue.
type Classifier struct {
	logger         *slog.Logger
	config         config.ClassifierConfig
	promptTemplate *template.Template
	client         *genai.Client
}

// NewClassifier creates a new Gemini-backed classifier.
//
// Parameters:
//   - ctx: Context for client initialization, which can be used for cancellation
//   - logger: A structured logger for operation logging
//   - cfg: Classifier configuration containing the API key and model settings
//
// Returns a properly initialized Classifier or an error if initialization fails.
func NewClassifier(ctx context.Context, logger *slog.Logger, cfg config.ClassifierConfig) (*Classifier, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", classifier.ErrInvalidConfig)
	}

	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", classifier.ErrInvalidConfig)
	}

	promptTemplate, err := template.New("classification").Parse(promptTemplateText)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v",
			classifier.ErrInvalidConfig, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			classifier.ErrInvalidConfig, err)
	}

	return &Classifier{
		logger:         logger,
		config:         cfg,
		promptTemplate: promptTemplate,
		client:         client,
	}, nil
}

// Classify analyzes the given content with the requested model tag.
// The call honors the context deadline set by the caller and maps provider
// failures onto the classifier sentinel errors.
func (c *Classifier) Classify(ctx context.Context, content string, modelTag string) (*domain.Classification, error) {
	if modelTag == "" {
		modelTag = c.config.ModelName
	}

	prompt, err := c.createPrompt(ctx, content)
	if err != nil {
		return nil, err
	}

	strategy := strategyFor(modelTag)
	c.logger.DebugContext(ctx, "calling Gemini API",
		"model_tag", modelTag,
		"family", strategy.Family,
		"prompt_length", len(prompt))

	resp, err := c.client.Models.GenerateContent(
		ctx,
		modelTag,
		genai.Text(prompt),
		strategy.generateConfig(),
	)
	if err != nil {
		return nil, mapProviderError(err)
	}

	return c.parseResponse(ctx, resp, modelTag)
}

// createPrompt renders the classification prompt for the given content.
func (c *Classifier) createPrompt(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}

	var promptBuffer bytes.Buffer
	if err := c.promptTemplate.Execute(&promptBuffer, promptData{Content: content}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}

	return promptBuffer.String(), nil
}

// parseResponse converts a raw model response into a domain classification.
// Any structural problem maps to ErrInvalidResponse: the caller persists a
// neutral fallback for those rather than retrying, because a model that
// answered off-format once will usually do so again.
func (c *Classifier) parseResponse(
	ctx context.Context,
	resp *genai.GenerateContentResponse,
	modelTag string,
) (*domain.Classification, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", classifier.ErrInvalidResponse)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no content generated", classifier.ErrInvalidResponse)
	}

	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: content blocked by safety filters", classifier.ErrInvalidResponse)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty content in response", classifier.ErrInvalidResponse)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v",
			classifier.ErrInvalidResponse, err)
	}

	sentiment, err := domain.ParseSentiment(parsed.Sentiment)
	if err != nil {
		return nil, fmt.Errorf("%w: sentiment %q: %v",
			classifier.ErrInvalidResponse, parsed.Sentiment, err)
	}

	impact, err := domain.ParseImpact(parsed.Impact)
	if err != nil {
		return nil, fmt.Errorf("%w: impact %q: %v",
			classifier.ErrInvalidResponse, parsed.Impact, err)
	}

	result := &domain.Classification{
		Sentiment: sentiment,
		Impact:    impact,
		Cost:      responseCost(resp),
	}

	c.logger.DebugContext(ctx, "classification parsed",
		"model_tag", modelTag,
		"sentiment", result.Sentiment,
		"impact", result.Impact,
		"cost", result.Cost)

	return result, nil
}

// responseCost extracts the metered cost (total token count) from the
// response metadata.
func responseCost(resp *genai.GenerateContentResponse) float64 {
	if resp.UsageMetadata == nil {
		return 0
	}
	return float64(resp.UsageMetadata.TotalTokenCount)
}
