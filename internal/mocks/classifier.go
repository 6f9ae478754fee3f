package mocks

import (
	"context"
	"sync"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

// MockClassifier implements classifier.Classifier for testing.
type MockClassifier struct {
	// ClassifyFn overrides the default behavior when set.
	ClassifyFn func(ctx context.Context, content, modelTag string) (*domain.Classification, error)

	// Default response values used when ClassifyFn is nil.
	Classification *domain.Classification
	Err            error

	// Errs scripts per-call outcomes: call n returns Errs[n] when n is in
	// range (nil meaning success with the default Classification). Calls
	// past the end of the script fall back to the default behavior.
	Errs []error

	// Call tracking for verification.
	mu       sync.Mutex
	Count    int
	Contents []string
}

// Classify implements the classifier.Classifier interface.
func (m *MockClassifier) Classify(ctx context.Context, content, modelTag string) (*domain.Classification, error) {
	m.mu.Lock()
	call := m.Count
	m.Count++
	m.Contents = append(m.Contents, content)
	m.mu.Unlock()

	if m.ClassifyFn != nil {
		return m.ClassifyFn(ctx, content, modelTag)
	}

	if call < len(m.Errs) {
		if err := m.Errs[call]; err != nil {
			return nil, err
		}
		return m.classification(), nil
	}

	if m.Err != nil {
		return nil, m.Err
	}
	return m.classification(), nil
}

// Calls returns how many times Classify was invoked.
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Count
}

func (m *MockClassifier) classification() *domain.Classification {
	if m.Classification != nil {
		clone := *m.Classification
		return &clone
	}
	return &domain.Classification{
		Sentiment: domain.SentimentPositive,
		Impact:    domain.ImpactMedium,
		Cost:      0.001,
	}
}
