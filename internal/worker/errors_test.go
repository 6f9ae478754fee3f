package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldnote/analysis-engine/internal/classifier"
	"github.com/fieldnote/analysis-engine/internal/worker"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		kind      worker.Kind
		retryable bool
		runFatal  bool
	}{
		{
			name:      "rate limited",
			err:       classifier.ErrRateLimited,
			kind:      worker.KindRateLimited,
			retryable: true,
		},
		{
			name:      "wrapped rate limited",
			err:       fmt.Errorf("call failed: %w", classifier.ErrRateLimited),
			kind:      worker.KindRateLimited,
			retryable: true,
		},
		{
			name:      "server failure",
			err:       classifier.ErrServerFailure,
			kind:      worker.KindServerError,
			retryable: true,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			kind:      worker.KindTimeout,
			retryable: true,
		},
		{
			// A timed-out provider call may surface with provider wrapping;
			// the deadline check must win.
			name:      "wrapped deadline beats provider mapping",
			err:       fmt.Errorf("%w: %w", classifier.ErrServerFailure, context.DeadlineExceeded),
			kind:      worker.KindTimeout,
			retryable: true,
		},
		{
			name: "invalid response",
			err:  classifier.ErrInvalidResponse,
			kind: worker.KindParseError,
		},
		{
			name:     "unauthorized",
			err:      classifier.ErrUnauthorized,
			kind:     worker.KindAuthError,
			runFatal: true,
		},
		{
			name: "anything else",
			err:  errors.New("disk on fire"),
			kind: worker.KindUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			kind := worker.ClassifyError(tc.err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.retryable, kind.Retryable())
			assert.Equal(t, tc.runFatal, kind.RunFatal())
		})
	}
}
