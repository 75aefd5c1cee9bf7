package reliability

import (
	"context"
	"time"

	"marketflow/logger"
)

// RetryConfig bounds an exponential backoff retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the retry settings used when a provider does not
// configure its own.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Retry executes op up to cfg.MaxAttempts times with exponential backoff.
// After a failed attempt i it sleeps min(BaseDelay*2^(i-1), MaxDelay); no
// jitter is added so retry schedules stay deterministic for tests. The last
// error is returned unchanged once attempts are exhausted. Context
// cancellation aborts immediately, skipping any remaining sleep or attempt,
// and is never itself retried.
func Retry(ctx context.Context, cfg RetryConfig, name string, op func() error) error {
	log := logger.GetLogger().WithComponent("retry")

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation surfaced through the operation; do not retry.
			return err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			log.WithError(err).WithFields(logger.Fields{
				"operation": name,
				"attempts":  cfg.MaxAttempts,
			}).Error("operation failed, attempts exhausted")
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		log.WithError(err).WithFields(logger.Fields{
			"operation": name,
			"attempt":   attempt,
			"max":       cfg.MaxAttempts,
			"delay":     delay.String(),
		}).Warn("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// backoffDelay returns the sleep before retrying after the given 1-indexed
// failed attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}
