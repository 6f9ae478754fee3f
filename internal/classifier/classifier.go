// Package classifier defines the boundary between the application core and
// the external AI classification service, following the hexagonal
// architecture pattern. Implementations live under internal/platform.
package classifier

import (
	"context"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

// Classifier produces a sentiment/impact classification for one content
// item. Implementations must honor the context deadline: the worker loop
// bounds every call with its configured timeout, and a call that overruns it
// must return the context's error rather than block.
//
// A Classifier performs exactly one attempt per call. Retry policy belongs
// to the work queue, which requeues transient failures with backoff, so
// implementations must not retry internally.
type Classifier interface {
	// Classify analyzes the given content with the requested model tag and
	// returns the classification, or an error wrapping one of this
	// package's sentinels (see errors.go).
	Classify(ctx context.Context, content string, modelTag string) (*domain.Classification, error)
}
