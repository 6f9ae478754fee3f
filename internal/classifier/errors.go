package classifier

import "errors"

// Common errors returned by classifier implementations. The worker's error
// classifier maps these onto its closed failure taxonomy, so every
// implementation must wrap its provider-specific failures in one of them.
var (
	// ErrRateLimited is returned when the provider signals over-quota.
	ErrRateLimited = errors.New("classification service rate limited")

	// ErrServerFailure is returned for provider-side failures that might
	// resolve on retry.
	ErrServerFailure = errors.New("classification service error")

	// ErrInvalidResponse is returned when the provider's response cannot be
	// interpreted as a classification.
	ErrInvalidResponse = errors.New("invalid response from classification service")

	// ErrUnauthorized is returned for credential or authorization failures.
	// This is run-fatal: the whole batch cannot proceed with bad credentials.
	ErrUnauthorized = errors.New("classification service rejected credentials")

	// ErrInvalidConfig is returned when the classifier configuration is invalid.
	ErrInvalidConfig = errors.New("invalid classifier configuration")
)
