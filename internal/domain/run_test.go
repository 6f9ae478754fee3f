package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/analysis-engine/internal/domain"
)

func validParams() domain.RunParams {
	return domain.RunParams{
		ModelTag:      "gemini-2.0-flash",
		RatePerSecond: 2,
	}
}

func TestNewRun(t *testing.T) {
	t.Parallel()

	t.Run("creates pending run with valid parameters", func(t *testing.T) {
		t.Parallel()

		run, err := domain.NewRun("backfill 2026-08", validParams())
		require.NoError(t, err)

		assert.NotEqual(t, [16]byte{}, run.ID)
		assert.Equal(t, domain.RunStatusPending, run.Status)
		assert.Equal(t, "backfill 2026-08", run.Scope)
		assert.True(t, run.IsActive())
		assert.False(t, run.IsTerminal())
		assert.Equal(t, domain.RunCounters{}, run.Counters)
	})

	t.Run("rejects empty scope", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewRun("", validParams())
		assert.Error(t, err)
	})

	t.Run("rejects empty model tag", func(t *testing.T) {
		t.Parallel()

		params := validParams()
		params.ModelTag = ""
		_, err := domain.NewRun("scope", params)
		assert.ErrorIs(t, err, domain.ErrEmptyModelTag)
	})

	t.Run("rejects non-positive rate", func(t *testing.T) {
		t.Parallel()

		params := validParams()
		params.RatePerSecond = 0
		_, err := domain.NewRun("scope", params)
		assert.Error(t, err)
	})
}

func TestRunTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		from    domain.RunStatus
		to      domain.RunStatus
		allowed bool
	}{
		{"pending to running", domain.RunStatusPending, domain.RunStatusRunning, true},
		{"pending to cancelled", domain.RunStatusPending, domain.RunStatusCancelled, true},
		{"pending to failed", domain.RunStatusPending, domain.RunStatusFailed, true},
		{"pending to completed", domain.RunStatusPending, domain.RunStatusCompleted, false},
		{"running to completed", domain.RunStatusRunning, domain.RunStatusCompleted, true},
		{"running to failed", domain.RunStatusRunning, domain.RunStatusFailed, true},
		{"running to cancelled", domain.RunStatusRunning, domain.RunStatusCancelled, true},
		{"running to pending", domain.RunStatusRunning, domain.RunStatusPending, false},
		{"completed is terminal", domain.RunStatusCompleted, domain.RunStatusRunning, false},
		{"failed is terminal", domain.RunStatusFailed, domain.RunStatusCancelled, false},
		{"cancelled is terminal", domain.RunStatusCancelled, domain.RunStatusRunning, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			run, err := domain.NewRun("scope", validParams())
			require.NoError(t, err)
			run.Status = tc.from

			err = run.TransitionTo(tc.to)
			if tc.allowed {
				assert.NoError(t, err)
				assert.Equal(t, tc.to, run.Status)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
				assert.Equal(t, tc.from, run.Status)
			}
		})
	}
}

func TestRunHeartbeatAge(t *testing.T) {
	t.Parallel()

	run, err := domain.NewRun("scope", validParams())
	require.NoError(t, err)

	now := run.HeartbeatAt.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, run.HeartbeatAge(now))
}

func TestRunCounters(t *testing.T) {
	t.Parallel()

	counters := domain.RunCounters{
		Queued:     2,
		Processing: 1,
		Completed:  4,
		Failed:     2,
		Skipped:    1,
	}

	assert.Equal(t, 10, counters.Total())
	assert.Equal(t, 7, counters.Terminal())
	assert.Equal(t, 3, counters.Live())
	assert.InDelta(t, 2.0/7.0, counters.FailureRatio(), 1e-9)

	assert.Zero(t, domain.RunCounters{}.FailureRatio())
}
