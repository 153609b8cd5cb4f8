package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Classification decides what a failure means for retry and breaker state.
type Classification struct {
	Retryable     bool // retry with backoff within the attempt budget
	RecordFailure bool // count toward opening the circuit
}

type Classifier func(err error) Classification

// Executor retries an operation with bounded exponential backoff and guards
// its destination with a circuit breaker, so a broken destination stops being
// hammered while the rest of the system keeps going.
type Executor struct {
	name     string
	policy   Policy
	classify Classifier
	breaker  *gobreaker.CircuitBreaker[any]
	logger   *slog.Logger
}

func NewExecutor(name string, policy Policy, classify Classifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if classify == nil {
		classify = func(error) Classification { return Classification{RecordFailure: true} }
	}
	e := &Executor{name: name, policy: policy.normalize(), classify: classify, logger: logger}
	if e.policy.BreakerEnabled {
		e.breaker = gobreaker.NewCircuitBreaker[any](e.breakerSettings())
	}
	return e
}

// Execute runs fn until it succeeds, the classifier calls the error
// non-retryable, or the attempt budget runs out. It reports how many attempts
// were made so callers can persist a retry count.
func (e *Executor) Execute(ctx context.Context, fn func(context.Context) error) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("resilience: operation callback is nil")
	}

	if e.breaker == nil {
		return e.executeWithRetry(ctx, fn)
	}

	attempts := 0
	_, err := e.breaker.Execute(func() (any, error) {
		var err error
		attempts, err = e.executeWithRetry(ctx, fn)
		return nil, err
	})
	return attempts, err
}

func (e *Executor) executeWithRetry(ctx context.Context, fn func(context.Context) error) (int, error) {
	backoff := e.policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		class := e.classify(lastErr)
		if !class.Retryable || attempt == e.policy.MaxAttempts {
			return attempt, lastErr
		}

		e.logger.Warn("retrying operation",
			"operation", e.name,
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"backoff", backoff,
			"error", lastErr,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * e.policy.Multiplier)
		if backoff > e.policy.MaxBackoff {
			backoff = e.policy.MaxBackoff
		}
	}
	return e.policy.MaxAttempts, lastErr
}

func (e *Executor) breakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        e.name,
		MaxRequests: e.policy.BreakerHalfOpenMaxCalls,
		Timeout:     e.policy.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.policy.BreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= e.policy.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !e.classify(err).RecordFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "destination", name, "from", from.String(), "to", to.String())
		},
	}
}

// IsCircuitOpen reports whether err means the destination is flagged broken.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
