package retry

import (
	"context"
	"errors"
	"time"

	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
)

// Operation is a function that performs an operation that might need retrying
type Operation func() error

// OperationWithResult is a function that returns a result and might need retrying
type OperationWithResult[T any] func() (T, error)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first one
	// (0 means unlimited)
	MaxAttempts int
	// Backoff strategy to use
	Backoff BackoffStrategy
	// RetryIf determines if an error should be retried
	RetryIf func(error) bool
	// OnRetry is called before each wait with the delay about to be slept
	OnRetry func(attempt int, err error, delay time.Duration)
	// Context for cancellation
	Context context.Context
	// Logger for retry attempts
	Logger logger.Logger
}

// DefaultConfig returns five retries after the first attempt with the default
// exponential backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 6,
		Backoff:     DefaultExponentialBackoff(),
		RetryIf:     DefaultRetryIf,
		Context:     context.Background(),
		Logger:      logger.GetLogger(),
	}
}

// DefaultRetryIf retries classified transient errors only.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errs.IsTransient(err)
}

// delayFor prefers the server's requested delay over the computed backoff.
func delayFor(cfg *Config, attempt int, err error) time.Duration {
	if e, ok := errs.As(err); ok && e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if cfg.Backoff == nil {
		return 0
	}
	return cfg.Backoff.NextDelay(attempt)
}

// Do executes an operation with retry logic. When retries are exhausted the
// last error is escalated to a fatal error. Cancellation while waiting
// returns the context error.
func Do(op Operation, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}

	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 && cfg.Logger != nil {
				cfg.Logger.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return nil
		}

		if !retryIf(err) {
			return err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			if cfg.Logger != nil {
				cfg.Logger.ErrorWithFields("max retry attempts exceeded", map[string]interface{}{
					"attempts":   attempt,
					"last_error": err.Error(),
				})
			}
			return errs.Escalate(err, attempt)
		}

		delay := delayFor(cfg, attempt, err)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		if cfg.Logger != nil {
			cfg.Logger.WarnWithFields("retrying operation", map[string]interface{}{
				"attempt":      attempt,
				"error":        err.Error(),
				"delay_ms":     delay.Milliseconds(),
				"max_attempts": cfg.MaxAttempts,
			})
		}

		if werr := Wait(ctx, delay); werr != nil {
			if cfg.Logger != nil {
				cfg.Logger.WarnWithFields("retry cancelled", map[string]interface{}{
					"attempt": attempt,
					"reason":  werr.Error(),
				})
			}
			return werr
		}
	}
}

// DoWithResult executes an operation that returns a result with retry logic
func DoWithResult[T any](op OperationWithResult[T], cfg *Config) (T, error) {
	var result T

	err := Do(func() error {
		var opErr error
		result, opErr = op()
		return opErr
	}, cfg)

	return result, err
}
