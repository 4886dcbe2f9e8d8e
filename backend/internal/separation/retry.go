package separation

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "mindflow/backend/pkg/errors"
)

const (
	maxStepAttempts = 3
	baseRetryDelay  = 200 * time.Millisecond
)

// runStep executes one store call with a per-call timeout and retries
// transient store failures with doubling backoff. Retrying happens at the
// step level so already-committed earlier steps are never re-executed.
// Structural and not-found errors surface immediately.
func (s *Saga) runStep(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := baseRetryDelay

	for attempt := 1; attempt <= maxStepAttempts; attempt++ {
		if attempt > 1 {
			s.logger.Debug("Retrying separation step",
				zap.String("step", name),
				zap.Int("attempt", attempt),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		err := fn(stepCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !apperrors.IsRetryable(err) {
			return err
		}
		s.logger.Warn("Separation step failed",
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return lastErr
}
