package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentiment is the classifier's judgement of a content item's tone.
type Sentiment string

// Possible sentiment values
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Impact is the classifier's judgement of how consequential an item is.
type Impact string

// Possible impact values
const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
	ImpactNone   Impact = "none"
)

// Common validation errors for AnalysisResult
var (
	ErrInvalidSentiment = errors.New("invalid sentiment value")
	ErrInvalidImpact    = errors.New("invalid impact value")
)

// Classification is the payload returned by a classifier call.
type Classification struct {
	Sentiment Sentiment `json:"sentiment"`
	Impact    Impact    `json:"impact"`

	// Cost is the metered cost of producing this classification, in the
	// provider's billing unit.
	Cost float64 `json:"cost"`
}

// AnalysisResult is the single current classification for a content item.
// It is keyed by content item, not by run: later runs over the same item
// overwrite the earlier result. There is no history.
type AnalysisResult struct {
	ContentItemID uuid.UUID `json:"content_item_id"`
	Sentiment     Sentiment `json:"sentiment"`
	Impact        Impact    `json:"impact"`
	ModelTag      string    `json:"model_tag"`

	// Fallback marks a neutral placeholder persisted because a real
	// classification could not be obtained.
	Fallback bool `json:"fallback"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewAnalysisResult creates a result from a successful classification.
// Returns an error if validation fails.
func NewAnalysisResult(contentItemID uuid.UUID, c Classification, modelTag string) (*AnalysisResult, error) {
	result := &AnalysisResult{
		ContentItemID: contentItemID,
		Sentiment:     c.Sentiment,
		Impact:        c.Impact,
		ModelTag:      modelTag,
		UpdatedAt:     time.Now().UTC(),
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return result, nil
}

// NewFallbackResult creates the neutral placeholder persisted when a real
// classification cannot be obtained, so the item still reaches a terminal
// state.
func NewFallbackResult(contentItemID uuid.UUID, modelTag string) *AnalysisResult {
	return &AnalysisResult{
		ContentItemID: contentItemID,
		Sentiment:     SentimentNeutral,
		Impact:        ImpactNone,
		ModelTag:      modelTag,
		Fallback:      true,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Validate checks if the AnalysisResult has valid data.
// Returns an error if any field fails validation.
func (r *AnalysisResult) Validate() error {
	if r.ContentItemID == uuid.Nil {
		return ErrEmptyContentItemID
	}

	if r.ModelTag == "" {
		return ErrEmptyModelTag
	}

	if !isValidSentiment(r.Sentiment) {
		return ErrInvalidSentiment
	}

	if !isValidImpact(r.Impact) {
		return ErrInvalidImpact
	}

	return nil
}

// ParseSentiment converts a raw string into a Sentiment.
// Returns ErrInvalidSentiment for unknown values.
func ParseSentiment(s string) (Sentiment, error) {
	sentiment := Sentiment(s)
	if !isValidSentiment(sentiment) {
		return "", ErrInvalidSentiment
	}
	return sentiment, nil
}

// ParseImpact converts a raw string into an Impact.
// Returns ErrInvalidImpact for unknown values.
func ParseImpact(s string) (Impact, error) {
	impact := Impact(s)
	if !isValidImpact(impact) {
		return "", ErrInvalidImpact
	}
	return impact, nil
}

// isValidSentiment checks if the given value is a valid Sentiment.
func isValidSentiment(s Sentiment) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	default:
		return false
	}
}

// isValidImpact checks if the given value is a valid Impact.
func isValidImpact(i Impact) bool {
	switch i {
	case ImpactHigh, ImpactMedium, ImpactLow, ImpactNone:
		return true
	default:
		return false
	}
}
