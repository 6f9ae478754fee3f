package worker

import (
	"context"
	"errors"

	"github.com/fieldnote/analysis-engine/internal/classifier"
)

// Kind is the closed taxonomy every classification failure maps onto.
// The kind, not the raw error, decides what happens to the item.
type Kind string

// Possible failure kinds
const (
	// KindRateLimited: the provider signaled over-quota. Retryable.
	KindRateLimited Kind = "rate_limited"

	// KindServerError: provider-side failure. Retryable.
	KindServerError Kind = "server_error"

	// KindTimeout: the call exceeded its deadline. Retryable.
	KindTimeout Kind = "timeout"

	// KindParseError: the response could not be interpreted. The item gets
	// a neutral fallback result immediately; retrying an off-format model
	// rarely helps.
	KindParseError Kind = "parse_error"

	// KindAuthError: credential failure. Run-fatal: the whole batch cannot
	// proceed with bad credentials.
	KindAuthError Kind = "auth_error"

	// KindUnknown: anything else. Terminal for the item only.
	KindUnknown Kind = "unknown"
)

// ClassifyError maps an arbitrary failure from the classification call onto
// the taxonomy. Timeout is checked first because a deadline error may also
// carry provider wrapping.
func ClassifyError(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, classifier.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, classifier.ErrServerFailure):
		return KindServerError
	case errors.Is(err, classifier.ErrInvalidResponse):
		return KindParseError
	case errors.Is(err, classifier.ErrUnauthorized):
		return KindAuthError
	default:
		return KindUnknown
	}
}

// Retryable reports whether the kind is requeued with backoff (until the
// attempt ceiling, after which a fallback result is persisted).
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTimeout:
		return true
	default:
		return false
	}
}

// RunFatal reports whether the kind halts the whole run rather than just
// the one item.
func (k Kind) RunFatal() bool {
	return k == KindAuthError
}

// String returns the kind's wire representation.
func (k Kind) String() string {
	return string(k)
}
