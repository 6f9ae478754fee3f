package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldnote/analysis-engine/internal/classifier"
)

// mapProviderError wraps a raw genai call error in the matching classifier
// sentinel. The pinned SDK version surfaces transport failures as opaque
// errors, so the mapping inspects the status text; anything unrecognized is
// treated as a provider-side failure, which errs on the side of retrying.
// Context deadline errors pass through unwrapped so callers can detect
// timeouts with errors.Is.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "429", "resource_exhausted", "quota", "rate limit"):
		return fmt.Errorf("%w: %v", classifier.ErrRateLimited, err)
	case containsAny(msg, "401", "403", "unauthenticated", "permission_denied", "api key not valid", "api key expired"):
		return fmt.Errorf("%w: %v", classifier.ErrUnauthorized, err)
	default:
		return fmt.Errorf("%w: %v", classifier.ErrServerFailure, err)
	}
}

// containsAny reports whether s contains any of the substrings.
func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
