// Package fetcher applies the shared throttle and bounded retry policy to
// archive listing calls and to any other upstream call that needs the same
// discipline.
package fetcher

import (
	"context"
	"net/url"
	"time"

	"subharvest/pkg/config"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/metrics"
	"subharvest/pkg/models"
	"subharvest/pkg/ratelimit"
	"subharvest/pkg/retry"
)

// Lister fetches a single listing page without retrying.
type Lister interface {
	Listing(ctx context.Context, endpoint string, params url.Values) (*models.Page, error)
}

// Fetcher is safe for concurrent use; all state lives in the shared limiter.
type Fetcher struct {
	lister     Lister
	limiter    ratelimit.Limiter
	maxRetries int
	backoff    retry.BackoffStrategy
	logger     logger.Logger
	metrics    metrics.Recorder
}

// BackoffFrom builds the exponential backoff described by cfg.
func BackoffFrom(cfg config.RateLimitConfig) *retry.ExponentialBackoff {
	return &retry.ExponentialBackoff{
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.BackoffMultiplier,
		JitterFactor: cfg.JitterFactor,
	}
}

// New creates a fetcher. lister may be nil when only Call is used.
func New(lister Lister, limiter ratelimit.Limiter, cfg config.RateLimitConfig, log logger.Logger, rec metrics.Recorder) *Fetcher {
	if limiter == nil {
		limiter = ratelimit.NewThrottle(cfg.RequestsPerMinute)
	}
	return &Fetcher{
		lister:     lister,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		backoff:    BackoffFrom(cfg),
		logger:     logger.OrGlobal(log).WithField("component", "fetcher"),
		metrics:    metrics.OrNop(rec),
	}
}

// WithMaxRetries returns a copy sharing the same limiter with a different
// retry bound.
func (f *Fetcher) WithMaxRetries(n int) *Fetcher {
	cp := *f
	cp.maxRetries = n
	return &cp
}

// WithBackoff returns a copy sharing the same limiter with a different
// backoff strategy.
func (f *Fetcher) WithBackoff(b retry.BackoffStrategy) *Fetcher {
	cp := *f
	cp.backoff = b
	return &cp
}

// Limiter returns the shared limiter.
func (f *Fetcher) Limiter() ratelimit.Limiter {
	return f.limiter
}

// Fetch requests one listing page. The returned error is a transient or
// fatal *errors.Error, or the context error on cancellation.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string, params url.Values) (*models.Page, error) {
	var page *models.Page
	err := f.Call(ctx, errs.OpFetch, func(ctx context.Context) error {
		p, err := f.lister.Listing(ctx, endpoint, params)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Call runs fn under the throttle and retry policy. Each attempt first waits
// on the shared limiter. A rate-limit failure penalizes the limiter so every
// caller sharing it backs off together.
func (f *Fetcher) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		return errs.Classify(fn(ctx))
	}, &retry.Config{
		MaxAttempts: f.maxRetries + 1,
		Backoff:     f.backoff,
		Context:     ctx,
		Logger:      f.logger.WithField("op", op),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			e, ok := errs.As(err)
			if !ok {
				return
			}
			f.metrics.RecordRetry(op, string(e.Type))
			if e.Type == errs.ErrorTypeRateLimit {
				f.metrics.RecordRateLimited()
				f.limiter.Penalize(delay)
				logger.LogRateLimit(f.logger, op, delay)
			}
		},
	})
}
