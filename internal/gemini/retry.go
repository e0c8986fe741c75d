package gemini

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second
)

// Analyzer performs a single analysis attempt.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (*Result, error)
}

// Retrier wraps an Analyzer with bounded retries. It stops on the first
// success or fatal failure; retryable failures wait for the service's
// suggested duration when present, otherwise exponential backoff.
type Retrier struct {
	client      Analyzer
	maxAttempts int
	logger      *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier. maxAttempts <= 0 defaults to 3.
func NewRetrier(client Analyzer, maxAttempts int, logger *zap.Logger) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Retrier{
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Analyze returns the first successful result, or the last failure once a
// fatal failure is seen or the attempt budget is spent.
func (r *Retrier) Analyze(ctx context.Context, in Input) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.client.Analyze(ctx, in)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var attemptErr *AttemptError
		if !errors.As(err, &attemptErr) || !attemptErr.Retryable {
			r.logger.Error("Analysis attempt failed fatally",
				zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		if attempt == r.maxAttempts {
			break
		}

		wait := attemptErr.RetryAfter
		if wait <= 0 {
			wait = backoffDelay(attempt)
		}
		r.logger.Warn("Analysis attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	r.logger.Error("Analysis retries exhausted",
		zap.Int("attempts", r.maxAttempts), zap.Error(lastErr))
	return nil, lastErr
}

func backoffDelay(attempt int) time.Duration {
	delay := baseBackoff << (attempt - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
