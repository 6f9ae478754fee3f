package gemini

import (
	"strings"

	"google.golang.org/genai"
)

// requestStrategy captures the request parameters that differ between model
// families. The right strategy is chosen by model tag when a request is
// built, from a table fixed at construction time, so no model-specific
// branching leaks into the call path.
type requestStrategy struct {
	// Family is the model tag prefix this strategy applies to.
	Family string

	// Temperature for classification; low values keep output deterministic.
	Temperature float32

	// MaxOutputTokens bounds the response; classifications are tiny.
	MaxOutputTokens int32

	// JSONMode requests application/json output from models that support
	// constrained decoding. Older families ignore the MIME type, so the
	// prompt always spells out the expected shape as well.
	JSONMode bool
}

// defaultStrategies is the capability table for known model families,
// most specific prefix first.
var defaultStrategies = []requestStrategy{
	{Family: "gemini-2", Temperature: 0.1, MaxOutputTokens: 256, JSONMode: true},
	{Family: "gemini-1.5", Temperature: 0.1, MaxOutputTokens: 256, JSONMode: true},
	{Family: "gemini-1.0", Temperature: 0.2, MaxOutputTokens: 256, JSONMode: false},
	{Family: "gemini", Temperature: 0.2, MaxOutputTokens: 256, JSONMode: false},
}

// strategyFor returns the request strategy for the given model tag, falling
// back to the most generic entry when no family prefix matches.
func strategyFor(modelTag string) requestStrategy {
	for _, s := range defaultStrategies {
		if strings.HasPrefix(modelTag, s.Family) {
			return s
		}
	}
	return defaultStrategies[len(defaultStrategies)-1]
}

// generateConfig converts the strategy into the request configuration.
func (s requestStrategy) generateConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(s.Temperature),
		MaxOutputTokens: s.MaxOutputTokens,
	}
	if s.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}
