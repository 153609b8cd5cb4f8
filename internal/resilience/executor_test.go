package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTemp = errors.New("temporary")

func transientClassifier(err error) Classification {
	return Classification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor("append", Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}, transientClassifier, nil)

	calls := 0
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTemp
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	errPermanent := errors.New("permission denied")
	exec := NewExecutor("append", Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	}, transientClassifier, nil)

	calls := 0
	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		calls++
		return errPermanent
	})

	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestExecuteExhaustsBudgetAndReportsAttempts(t *testing.T) {
	exec := NewExecutor("append", Policy{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}, transientClassifier, nil)

	attempts, err := exec.Execute(context.Background(), func(context.Context) error {
		return errTemp
	})

	require.ErrorIs(t, err, errTemp)
	assert.Equal(t, 4, attempts)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	exec := NewExecutor("append", Policy{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
	}, transientClassifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := exec.Execute(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTemp
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "backoff wait must observe cancellation")
	assert.Equal(t, 1, attempts)
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	classifier := func(error) Classification {
		return Classification{Retryable: false, RecordFailure: true}
	}
	exec := NewExecutor("append", Policy{
		MaxAttempts:             1,
		InitialBackoff:          time.Millisecond,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	}, classifier, nil)

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), func(context.Context) error {
			return errTemp
		})
		require.ErrorIs(t, err, errTemp)
	}

	_, err := exec.Execute(context.Background(), func(context.Context) error {
		t.Fatal("circuit should be open and must not call the operation")
		return nil
	})
	assert.True(t, IsCircuitOpen(err), "expected open circuit, got %v", err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
